package services

import (
	"log"
	"sync"
	"time"
)

type WatchState int

const (
	WatchIdle WatchState = iota
	WatchWatching
	WatchFired
)

func (s WatchState) String() string {
	switch s {
	case WatchWatching:
		return "watching"
	case WatchFired:
		return "fired"
	default:
		return "idle"
	}
}

type watch struct {
	timer    *time.Timer
	state    WatchState
	deadline time.Time
}

// Supervisor arms one wait-window timer per order waiting for its customer and
// latches arrival so it is reported once per order.
type Supervisor struct {
	Window time.Duration
	Now    func() time.Time

	onExpire func(orderID string)

	mu      sync.Mutex
	watches map[string]*watch
	arrived map[string]struct{}
}

// NewSupervisor returns a supervisor that calls onExpire from the timer goroutine
// when a window elapses without Cancel.
func NewSupervisor(window time.Duration, onExpire func(orderID string)) *Supervisor {
	return &Supervisor{
		Window:   window,
		Now:      time.Now,
		onExpire: onExpire,
		watches:  make(map[string]*watch),
		arrived:  make(map[string]struct{}),
	}
}

// Watch arms the timer with deadline arrivedAt + Window and returns the deadline.
// A second Watch while the first is armed keeps the original timer.
// A deadline already in the past fires immediately.
func (s *Supervisor) Watch(orderID string, arrivedAt time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.watches[orderID]; ok && w.state == WatchWatching {
		return w.deadline
	}

	deadline := arrivedAt.Add(s.Window)
	delay := deadline.Sub(s.Now())
	if delay < 0 {
		delay = 0
	}

	w := &watch{state: WatchWatching, deadline: deadline}
	w.timer = time.AfterFunc(delay, func() { s.fire(orderID, w) })
	s.watches[orderID] = w

	log.Printf("supervisor watch order=%s deadline=%s", orderID, deadline.UTC().Format(time.RFC3339))
	return deadline
}

func (s *Supervisor) fire(orderID string, w *watch) {
	s.mu.Lock()
	if cur, ok := s.watches[orderID]; !ok || cur != w || w.state != WatchWatching {
		s.mu.Unlock()
		return
	}
	w.state = WatchFired
	s.mu.Unlock()

	log.Printf("supervisor fired order=%s", orderID)
	if s.onExpire != nil {
		s.onExpire(orderID)
	}
}

// Cancel disarms the order's timer. It reports whether a pending timer was
// stopped and is safe to call repeatedly from any goroutine.
func (s *Supervisor) Cancel(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[orderID]
	if !ok {
		return false
	}
	w.timer.Stop()
	delete(s.watches, orderID)

	return w.state == WatchWatching
}

// State reports the watch state for orderID.
func (s *Supervisor) State(orderID string) WatchState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.watches[orderID]; ok {
		return w.state
	}
	return WatchIdle
}

// MarkArrived returns true exactly once per order until Forget.
func (s *Supervisor) MarkArrived(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.arrived[orderID]; ok {
		return false
	}
	s.arrived[orderID] = struct{}{}
	return true
}

// ClearArrived releases the arrival latch after an arrival that failed to
// commit, so the next tick, telemetry update or receipt can try again.
func (s *Supervisor) ClearArrived(orderID string) {
	s.mu.Lock()
	delete(s.arrived, orderID)
	s.mu.Unlock()
}

// Forget cancels any timer and clears the arrival latch. Called on every terminal status.
func (s *Supervisor) Forget(orderID string) {
	s.Cancel(orderID)

	s.mu.Lock()
	delete(s.arrived, orderID)
	s.mu.Unlock()
}

// Pending counts armed timers.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, w := range s.watches {
		if w.state == WatchWatching {
			n++
		}
	}
	return n
}

// StopAll disarms every timer, used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.watches {
		w.timer.Stop()
		delete(s.watches, id)
	}
}

package services

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/geo"
	"errors"
	"log"
	"math"
	"sync"
	"time"
)

// Progress is one tick of a flight.
type Progress struct {
	Position    domain.Coordinates
	TravelledKm float64
	RemainingKm float64
	Percent     float64
	ETAMinutes  float64
	Done        bool
}

// Flight describes a path flown over a fixed duration from StartedAt.
type Flight struct {
	Path      *geo.Path
	Duration  time.Duration
	StartedAt time.Time
}

// NewFlight builds a flight over points. A zero StartedAt means now.
func NewFlight(points []domain.Coordinates, duration time.Duration, startedAt time.Time) (Flight, error) {
	if duration < 0 {
		return Flight{}, errors.New("new flight: duration must not be negative")
	}
	p, err := geo.NewPath(points)
	if err != nil {
		return Flight{}, err
	}
	return Flight{Path: p, Duration: duration, StartedAt: startedAt}, nil
}

// ProgressAt samples the flight at wall time now.
func (f Flight) ProgressAt(now time.Time) Progress {
	t := 1.0
	if f.Duration > 0 {
		t = float64(now.Sub(f.StartedAt)) / float64(f.Duration)
	}
	if t < 0 {
		t = 0
	}

	s := f.Path.At(t)
	remaining := 0.0
	if t < 1 {
		remaining = (1 - t) * f.Duration.Minutes()
	}

	return Progress{
		Position:    s.Position,
		TravelledKm: s.TravelledKm,
		RemainingKm: s.RemainingKm,
		Percent:     s.Percent,
		ETAMinutes:  remaining,
		Done:        s.Percent >= 100,
	}
}

// TickFunc receives every tick of a loop, including the final one.
type TickFunc func(p Progress)

// DoneFunc receives the final sample. An error keeps the loop alive and the
// final sample is offered again on the next tick.
type DoneFunc func(p Progress) error

// RouteProgressEngine runs at most one tick loop per order.
// Starting a loop for an order replaces any loop already running for it.
type RouteProgressEngine struct {
	Tick time.Duration
	Now  func() time.Time

	mu    sync.Mutex
	loops map[string]*tickLoop
}

type tickLoop struct {
	cancel context.CancelFunc
	ctx    context.Context
}

func NewRouteProgressEngine(tick time.Duration) *RouteProgressEngine {
	if tick <= 0 {
		tick = time.Second
	}
	return &RouteProgressEngine{
		Tick:  tick,
		Now:   time.Now,
		loops: make(map[string]*tickLoop),
	}
}

// Start launches the tick loop for orderID. onTick runs on every tick;
// onDone runs with the final 100% sample until it succeeds, unless the loop is
// stopped first. Percent reported to onTick never decreases.
func (e *RouteProgressEngine) Start(orderID string, f Flight, onTick TickFunc, onDone DoneFunc) {
	if f.StartedAt.IsZero() {
		f.StartedAt = e.Now()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &tickLoop{ctx: ctx, cancel: cancel}

	e.mu.Lock()
	if prev, ok := e.loops[orderID]; ok {
		prev.cancel()
	}
	e.loops[orderID] = l
	e.mu.Unlock()

	go e.run(orderID, l, f, onTick, onDone)
}

func (e *RouteProgressEngine) run(orderID string, l *tickLoop, f Flight, onTick TickFunc, onDone DoneFunc) {
	defer e.release(orderID, l)

	ticker := time.NewTicker(e.Tick)
	defer ticker.Stop()

	last := -1.0
	retrying := false
	for {
		p := f.ProgressAt(e.Now())
		p.Percent = math.Max(p.Percent, last)
		last = p.Percent

		if l.ctx.Err() != nil {
			return
		}
		if onTick != nil && !retrying {
			onTick(p)
		}

		if p.Done {
			if l.ctx.Err() != nil || onDone == nil {
				return
			}
			err := onDone(p)
			if err == nil {
				return
			}
			log.Printf("flight completion failed, retrying next tick: order=%s err=%v", orderID, err)
			retrying = true
		}

		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *RouteProgressEngine) release(orderID string, l *tickLoop) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l.cancel()
	if cur, ok := e.loops[orderID]; ok && cur == l {
		delete(e.loops, orderID)
	}
}

// Stop cancels the loop for orderID. It never blocks, may be called from the
// loop's own callbacks, and is a no-op when nothing is running.
func (e *RouteProgressEngine) Stop(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l, ok := e.loops[orderID]; ok {
		l.cancel()
		delete(e.loops, orderID)
	}
}

// Running reports whether a loop is active for orderID.
func (e *RouteProgressEngine) Running(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.loops[orderID]
	return ok
}

// StopAll cancels every loop, used on shutdown.
func (e *RouteProgressEngine) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, l := range e.loops {
		l.cancel()
		delete(e.loops, id)
	}
}

// StartReturn flies the return leg from the drone's last position to home over
// duration. It shares the order's loop slot, so it replaces any outbound flight.
func (e *RouteProgressEngine) StartReturn(
	orderID string,
	from, home domain.Coordinates,
	duration time.Duration,
	onTick TickFunc,
	onDone DoneFunc,
) error {
	f, err := NewFlight([]domain.Coordinates{from, home}, duration, e.Now())
	if err != nil {
		return err
	}
	e.Start(orderID, f, onTick, onDone)
	return nil
}

package realtime

import (
	"context"
	"drone-delivery-service/internal/ports"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Subscriber is one connection's handle on the hub. The rooms it joins are
// owned by the connection and released by Unsubscribe.
type Subscriber struct {
	ID string

	send    chan ports.Envelope
	rooms   map[string]struct{}
	dropped atomic.Int64
}

// Events yields envelopes for every joined room. It is closed by Unsubscribe.
func (s *Subscriber) Events() <-chan ports.Envelope { return s.send }

// Dropped counts envelopes discarded because the subscriber fell behind.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Relay forwards locally published envelopes to other instances.
type Relay interface {
	Relay(ctx context.Context, env ports.Envelope) error
}

// Hub fans envelopes out to the subscribers of the order's room.
// It implements ports.EventPublisher and never blocks on a slow subscriber:
// an envelope that does not fit the buffer is dropped and the observer's
// poll reconciles it.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	rooms  map[string]map[*Subscriber]struct{}
	subs   map[*Subscriber]struct{}
	relays []Relay
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer: buffer,
		rooms:  make(map[string]map[*Subscriber]struct{}),
		subs:   make(map[*Subscriber]struct{}),
	}
}

func (h *Hub) AddRelay(r Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relays = append(h.relays, r)
}

func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID:    uuid.NewString(),
		send:  make(chan ports.Envelope, h.buffer),
		rooms: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return s
}

// Join adds s to the order's room. Joining a room twice is a no-op; the
// return value reports whether membership changed.
func (h *Hub) Join(s *Subscriber, orderID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s]; !ok {
		return false
	}
	if _, ok := s.rooms[orderID]; ok {
		return false
	}

	room, ok := h.rooms[orderID]
	if !ok {
		room = make(map[*Subscriber]struct{})
		h.rooms[orderID] = room
	}
	room[s] = struct{}{}
	s.rooms[orderID] = struct{}{}

	return true
}

func (h *Hub) Leave(s *Subscriber, orderID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.leaveLocked(s, orderID)
}

func (h *Hub) leaveLocked(s *Subscriber, orderID string) bool {
	if _, ok := s.rooms[orderID]; !ok {
		return false
	}
	delete(s.rooms, orderID)

	if room, ok := h.rooms[orderID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, orderID)
		}
	}
	return true
}

// Unsubscribe leaves every room and closes the subscriber's channel.
// It is safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s]; !ok {
		return
	}
	for orderID := range s.rooms {
		h.leaveLocked(s, orderID)
	}
	delete(h.subs, s)
	close(s.send)
}

// Publish delivers env to local subscribers, then to every relay.
func (h *Hub) Publish(ctx context.Context, env ports.Envelope) error {
	h.Deliver(env)

	h.mu.RLock()
	relays := append([]Relay(nil), h.relays...)
	h.mu.RUnlock()

	var errs []error
	for _, r := range relays {
		if err := r.Relay(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver fans env out to the local room only and returns how many
// subscribers received it.
func (h *Hub) Deliver(env ports.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for s := range h.rooms[env.OrderID] {
		select {
		case s.send <- env:
			n++
		default:
			s.dropped.Add(1)
			log.Printf("hub drop: subscriber=%s order=%s type=%s", s.ID, env.OrderID, env.Type)
		}
	}
	return n
}

// RoomSize reports how many subscribers are in the order's room.
func (h *Hub) RoomSize(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[orderID])
}

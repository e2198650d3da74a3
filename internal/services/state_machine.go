package services

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/platform/obs"
	"drone-delivery-service/internal/ports"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStaleTransition means a competing transition for the same order committed first.
	ErrStaleTransition = errors.New("stale transition")
)

// publishTimeout bounds the pub/sub call made after a transition commits.
const publishTimeout = 2 * time.Second

// Transition is one edge of the delivery lifecycle graph.
type Transition struct {
	From domain.Status
	To   domain.Status
}

var transitions = []Transition{
	{domain.StatusPending, domain.StatusConfirmed},
	{domain.StatusConfirmed, domain.StatusPreparing},
	{domain.StatusPreparing, domain.StatusReady},
	{domain.StatusReady, domain.StatusDelivering},
	{domain.StatusDelivering, domain.StatusWaitingForCustomer},
	{domain.StatusWaitingForCustomer, domain.StatusDelivered},

	{domain.StatusDelivering, domain.StatusDeliveryFailed},
	{domain.StatusWaitingForCustomer, domain.StatusDeliveryFailed},
	{domain.StatusDeliveryFailed, domain.StatusReturningToRestaurant},
	{domain.StatusReturningToRestaurant, domain.StatusReturned},

	{domain.StatusPending, domain.StatusCancelled},
	{domain.StatusConfirmed, domain.StatusCancelled},
	{domain.StatusPreparing, domain.StatusCancelled},
	{domain.StatusReady, domain.StatusCancelled},
}

var transitionSet = func() map[Transition]struct{} {
	m := make(map[Transition]struct{}, len(transitions))
	for _, t := range transitions {
		m[t] = struct{}{}
	}
	return m
}()

// CanTransition returns nil when to is adjacent to from.
func CanTransition(from, to domain.Status) error {
	if _, ok := transitionSet[Transition{From: from, To: to}]; ok {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ValidTransitionsFrom lists the statuses reachable from s in one step.
func ValidTransitionsFrom(s domain.Status) []domain.Status {
	out := make([]domain.Status, 0, 2)
	for _, t := range transitions {
		if t.From == s {
			out = append(out, t.To)
		}
	}
	return out
}

// Event asks the state machine to move an order to To.
type Event struct {
	To domain.Status
	// From, when set, is the status the caller observed. A mismatch rejects the
	// event as stale instead of applying it to a state the caller never saw.
	From   domain.Status
	Reason string
	// Apply runs on the order copy before it is committed, inside the same write.
	Apply func(o *domain.Order)
}

type TransitionResult struct {
	Order   *domain.Order
	Applied bool
	Refund  *domain.RefundDescriptor
}

// StateMachine is the single entry point for order status changes.
// Transitions on one order are serialized in-process by a keyed mutex and across
// processes by a compare-and-swap on the order version.
type StateMachine struct {
	Repo      ports.OrderRepository
	Publisher ports.EventPublisher
	Now       func() time.Time

	locks keyedMutex
}

func NewStateMachine(repo ports.OrderRepository, publisher ports.EventPublisher) *StateMachine {
	return &StateMachine{
		Repo:      repo,
		Publisher: publisher,
		Now:       time.Now,
	}
}

// Transition validates ev against the adjacency table and commits it.
//
// Replaying an event whose target is already the current status is a no-op.
// An accepted transition stamps its timestamp and emits exactly one
// status-changed event before returning.
func (m *StateMachine) Transition(ctx context.Context, orderID string, ev Event) (_ TransitionResult, err error) {
	defer obs.Time(ctx, "state.Transition")(&err)

	if !ev.To.Valid() {
		return TransitionResult{}, fmt.Errorf("transition order=%s: %w: unknown status %q", orderID, ErrInvalidTransition, ev.To)
	}

	res, err := m.commit(ctx, orderID, ev)
	if err != nil {
		return TransitionResult{}, err
	}
	if !res.Applied {
		return res.TransitionResult, nil
	}

	log.Printf(
		"transition order=%s from=%s to=%s version=%d reason=%q",
		orderID, res.previous, res.Order.Status, res.Order.Version, ev.Reason,
	)

	m.publishStatus(ctx, res.Order, res.previous, res.Refund, ev.Reason)

	return res.TransitionResult, nil
}

type committed struct {
	TransitionResult
	previous domain.Status
}

// commit holds the per-order lock only around load, validate and save.
func (m *StateMachine) commit(ctx context.Context, orderID string, ev Event) (committed, error) {
	unlock := m.locks.Lock(orderID)
	defer unlock()

	current, err := m.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return committed{}, fmt.Errorf("transition order=%s: load: %w", orderID, err)
	}

	if current.Status == ev.To {
		return committed{TransitionResult: TransitionResult{Order: current}}, nil
	}

	if ev.From != "" && current.Status != ev.From {
		return committed{}, fmt.Errorf(
			"transition order=%s: %w: expected %s, found %s",
			orderID, ErrStaleTransition, ev.From, current.Status,
		)
	}

	if err := CanTransition(current.Status, ev.To); err != nil {
		return committed{}, fmt.Errorf("transition order=%s: %w", orderID, err)
	}

	next := current.Clone()
	if ev.Apply != nil {
		ev.Apply(next)
	}
	next.Status = ev.To
	next.Timestamps.Stamp(ev.To, m.Now())

	var refund *domain.RefundDescriptor
	if ev.To == domain.StatusCancelled {
		next.CancelReason = ev.Reason
		refund = next.Refund()
	}

	if err := m.Repo.SaveOrder(ctx, next, current.Version); err != nil {
		if errors.Is(err, ports.ErrVersionConflict) {
			return committed{}, fmt.Errorf("transition order=%s: %w: %v", orderID, ErrStaleTransition, err)
		}
		return committed{}, fmt.Errorf("transition order=%s: save: %w", orderID, err)
	}
	next.Version = current.Version + 1

	return committed{
		TransitionResult: TransitionResult{Order: next, Applied: true, Refund: refund},
		previous:         current.Status,
	}, nil
}

// Update commits a non-status change to an order under the same serialization
// as Transition. mutate must not change Status.
func (m *StateMachine) Update(ctx context.Context, orderID string, mutate func(o *domain.Order) error) (*domain.Order, error) {
	unlock := m.locks.Lock(orderID)
	defer unlock()

	current, err := m.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("update order=%s: load: %w", orderID, err)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, fmt.Errorf("update order=%s: %w", orderID, err)
	}
	if next.Status != current.Status {
		return nil, fmt.Errorf("update order=%s: status changes must go through Transition", orderID)
	}

	if err := m.Repo.SaveOrder(ctx, next, current.Version); err != nil {
		if errors.Is(err, ports.ErrVersionConflict) {
			return nil, fmt.Errorf("update order=%s: %w: %v", orderID, ErrStaleTransition, err)
		}
		return nil, fmt.Errorf("update order=%s: save: %w", orderID, err)
	}
	next.Version = current.Version + 1

	return next, nil
}

func (m *StateMachine) publishStatus(
	ctx context.Context,
	o *domain.Order,
	previous domain.Status,
	refund *domain.RefundDescriptor,
	reason string,
) {
	if m.Publisher == nil {
		return
	}

	env, err := ports.NewEnvelope(ports.EventStatusChanged, o.ID, o.Version, m.Now(), ports.StatusChanged{
		Status:     o.Status,
		Previous:   previous,
		Timestamps: o.Timestamps,
		Refund:     refund,
		Reason:     reason,
	})
	if err != nil {
		log.Printf("publish status failed: order=%s err=%v", o.ID, err)
		return
	}

	// The order is committed; a lost push is reconciled by the observer's poll.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := m.Publisher.Publish(pctx, env); err != nil {
		log.Printf("publish status failed: order=%s status=%s err=%v", o.ID, o.Status, err)
	}
}

// keyedMutex hands out one mutex per key and frees it once no goroutine holds
// or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

package realtime

import (
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/ports"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"
)

// maxSeen bounds the envelope id memory used for duplicate suppression.
const maxSeen = 4096

// OrderView is an observer's picture of one order.
type OrderView struct {
	OrderID string
	Status  domain.Status
	// StatusVersion is the order version that produced Status. Only status
	// changes and snapshots move it.
	StatusVersion int64
	// Version is the highest order version seen from any input.
	Version    int64
	Timestamps domain.Timestamps
	DroneID    string
	Refund     *domain.RefundDescriptor
	Trackable  bool

	Position    *domain.Coordinates
	Percent     float64
	RemainingKm float64
	ETAMinutes  float64
	PositionAt  time.Time
	Returning   bool
	DroneHome   bool
}

// Reducer folds pushed envelopes and polled snapshots into one view per order.
// Applying the same input twice, or an input older than the view, changes nothing.
type Reducer struct {
	// OnChange, when set, runs after every input that changed a view.
	OnChange func(OrderView)

	mu    sync.Mutex
	views map[string]*OrderView
	seen  map[string]struct{}
	ring  []string
}

func NewReducer() *Reducer {
	return &Reducer{
		views: make(map[string]*OrderView),
		seen:  make(map[string]struct{}),
	}
}

// View returns a copy of the current view for orderID.
func (r *Reducer) View(orderID string) (OrderView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.views[orderID]
	if !ok {
		return OrderView{}, false
	}
	return *v, true
}

// Apply reduces one pushed envelope. It reports whether the view changed.
func (r *Reducer) Apply(env ports.Envelope) (OrderView, bool, error) {
	r.mu.Lock()

	if env.ID != "" {
		if _, dup := r.seen[env.ID]; dup {
			v := r.viewLocked(env.OrderID)
			r.mu.Unlock()
			return *v, false, nil
		}
	}

	v := r.viewLocked(env.OrderID)
	changed, err := reduce(v, env)
	if err != nil {
		r.mu.Unlock()
		return *v, false, fmt.Errorf("reduce %s order=%s: %w", env.Type, env.OrderID, err)
	}
	r.remember(env.ID)
	out := *v
	r.mu.Unlock()

	if changed && r.OnChange != nil {
		r.OnChange(out)
	}
	return out, changed, nil
}

// ApplySnapshot reconciles the view with a pulled snapshot. Lifecycle fields
// are replaced only by a version newer than the applied status; positions
// and drone-assigned events never hold a missed status back.
func (r *Reducer) ApplySnapshot(s Snapshot) (OrderView, bool) {
	r.mu.Lock()

	v := r.viewLocked(s.OrderID)
	changed := false
	if v.Status == "" || s.Version > v.StatusVersion {
		v.Status = s.Status
		v.StatusVersion = s.Version
		v.Version = max(v.Version, s.Version)
		v.Timestamps = s.Timestamps
		v.Trackable = s.Trackable
		if s.DroneID != "" {
			v.DroneID = s.DroneID
		}
		if s.Status == domain.StatusReturningToRestaurant {
			v.Returning = true
		}
		changed = true
	}
	if s.Timestamps.DroneHomeAt != nil && markHome(v, nil) {
		changed = true
	}
	if t := s.Tracking; t != nil && s.Version >= v.StatusVersion && !v.DroneHome {
		if applyPosition(v, t.Position, t.Percent, t.RemainingKm, t.ETAMinutes, t.At, t.Returning) {
			changed = true
		}
	}
	out := *v
	r.mu.Unlock()

	if changed && r.OnChange != nil {
		r.OnChange(out)
	}
	return out, changed
}

func (r *Reducer) viewLocked(orderID string) *OrderView {
	v, ok := r.views[orderID]
	if !ok {
		v = &OrderView{OrderID: orderID}
		r.views[orderID] = v
	}
	return v
}

func (r *Reducer) remember(id string) {
	if id == "" {
		return
	}
	r.seen[id] = struct{}{}
	r.ring = append(r.ring, id)
	if len(r.ring) > maxSeen {
		delete(r.seen, r.ring[0])
		r.ring = r.ring[1:]
	}
}

func reduce(v *OrderView, env ports.Envelope) (bool, error) {
	switch env.Type {
	case ports.EventStatusChanged:
		var p ports.StatusChanged
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false, err
		}
		// Status versions are strictly increasing; equal means already seen.
		if v.Status != "" && env.Version <= v.StatusVersion {
			return false, nil
		}
		v.Status = p.Status
		v.StatusVersion = env.Version
		v.Version = max(v.Version, env.Version)
		v.Timestamps = p.Timestamps
		if p.Refund != nil {
			v.Refund = p.Refund
		}
		if p.Status == domain.StatusReturningToRestaurant {
			v.Returning = true
		}
		if p.Timestamps.DroneHomeAt != nil {
			markHome(v, nil)
		}
		return true, nil

	case ports.EventPositionUpdate, ports.EventReturningHome:
		var p ports.PositionUpdate
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false, err
		}
		// A position taken before the latest lifecycle change is stale.
		if env.Version < v.StatusVersion || v.DroneHome {
			return false, nil
		}
		returning := env.Type == ports.EventReturningHome
		if !applyPosition(v, p.Position, p.Percent, p.RemainingKm, p.ETAMinutes, env.At, returning) {
			return false, nil
		}
		v.Version = max(v.Version, env.Version)
		return true, nil

	case ports.EventDroneAssigned:
		var p ports.DroneAssigned
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false, err
		}
		if env.Version < v.Version || v.DroneID == p.DroneID {
			return false, nil
		}
		v.DroneID = p.DroneID
		if p.Position != nil {
			pos := *p.Position
			v.Position = &pos
		}
		v.Version = max(v.Version, env.Version)
		return true, nil

	case ports.EventArrivedHome:
		var p ports.ArrivedHome
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false, err
		}
		pos := p.Position
		return markHome(v, &pos), nil
	}

	return false, fmt.Errorf("unknown event type %q", env.Type)
}

// applyPosition folds one sample of the current leg. Samples not newer than
// the last one are dropped, an outbound sample never follows the return leg,
// and the first return sample restarts the percent.
func applyPosition(
	v *OrderView,
	pos domain.Coordinates,
	percent, remainingKm, etaMinutes float64,
	at time.Time,
	returning bool,
) bool {
	if !v.PositionAt.IsZero() && !at.After(v.PositionAt) {
		return false
	}
	if !returning && v.Returning {
		return false
	}
	if returning && !v.Returning {
		v.Returning = true
		v.Percent = 0
	}

	v.Position = &pos
	v.Percent = math.Max(v.Percent, percent)
	v.RemainingKm = remainingKm
	v.ETAMinutes = etaMinutes
	v.PositionAt = at
	return true
}

// markHome completes the return leg. pos is nil when only the fact is known.
func markHome(v *OrderView, pos *domain.Coordinates) bool {
	if v.DroneHome {
		return false
	}
	if pos != nil {
		v.Position = pos
	}
	v.Percent = 100
	v.RemainingKm = 0
	v.ETAMinutes = 0
	v.Returning = true
	v.DroneHome = true
	return true
}

package ports

import (
	"context"
	"drone-delivery-service/internal/domain"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventStatusChanged  EventType = "status-changed"
	EventPositionUpdate EventType = "position-update"
	EventDroneAssigned  EventType = "drone-assigned"
	EventReturningHome  EventType = "returning-home"
	EventArrivedHome    EventType = "arrived-home"
)

// Envelope is one server to observer synchronization event.
type Envelope struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	OrderID string          `json:"order_id"`
	Version int64           `json:"version"`
	At      time.Time       `json:"at"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type StatusChanged struct {
	Status     domain.Status            `json:"status"`
	Previous   domain.Status            `json:"previous"`
	Timestamps domain.Timestamps        `json:"timestamps"`
	Refund     *domain.RefundDescriptor `json:"refund,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
}

type PositionUpdate struct {
	Position    domain.Coordinates `json:"position"`
	Percent     float64            `json:"percent"`
	RemainingKm float64            `json:"remaining_km"`
	ETAMinutes  float64            `json:"eta_minutes"`
}

type DroneAssigned struct {
	DroneID  string              `json:"drone_id"`
	Position *domain.Coordinates `json:"position,omitempty"`
}

type ArrivedHome struct {
	DroneID  string             `json:"drone_id"`
	Position domain.Coordinates `json:"position"`
}

// Port: room-scoped event fan-out. Publish must not block on slow observers.
type EventPublisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Port: outbound hand-off to the payment collaborator.
type RefundPublisher interface {
	RequestRefund(ctx context.Context, refund domain.RefundDescriptor) error
}

// NewEnvelope marshals payload into a fresh envelope with a unique id.
func NewEnvelope(t EventType, orderID string, version int64, at time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("new envelope %s: marshal payload: %w", t, err)
	}

	return Envelope{
		ID:      uuid.NewString(),
		Type:    t,
		OrderID: orderID,
		Version: version,
		At:      at.UTC(),
		Payload: b,
	}, nil
}

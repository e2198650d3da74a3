package ports

import (
	"context"
	"drone-delivery-service/internal/domain"
	"errors"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrDroneNotFound = errors.New("drone not found")
	// ErrDroneUnavailable means the drone is not free to take an order.
	ErrDroneUnavailable = errors.New("drone unavailable")
	// ErrVersionConflict means another writer committed first.
	ErrVersionConflict = errors.New("order version conflict")
)

// Port: persistence boundary for the delivery projection of orders.
type OrderRepository interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	// Persist order if the stored version still equals expectedVersion, bumping it by one.
	// Return ErrVersionConflict when another writer got there first.
	SaveOrder(ctx context.Context, order *domain.Order, expectedVersion int64) error
	// List orders currently in any of the given statuses.
	ListOrdersByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Order, error)
}

// Port: read access to the fleet collaborator plus the two fields the core may write.
type DroneRepository interface {
	GetDrone(ctx context.Context, id string) (*domain.Drone, error)
	UpdateDroneLocation(ctx context.Context, id string, loc domain.Coordinates) error
	UpdateDroneStatus(ctx context.Context, id string, status domain.DroneStatus) error
	// Move the drone from available to assigned in one conditional write.
	// Return ErrDroneUnavailable when it is in any other status.
	ClaimDrone(ctx context.Context, id string) error
}

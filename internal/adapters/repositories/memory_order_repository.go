package repositories

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/ports"
	"fmt"
	"sort"
	"sync"
)

// In-memory OrderRepository and DroneRepository with the same version
// semantics as the SQL store. Intended for tests and demos.
type MemoryOrderRepository struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	drones map[string]*domain.Drone
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{
		orders: make(map[string]*domain.Order),
		drones: make(map[string]*domain.Drone),
	}
}

// PutOrder inserts or replaces an order as-is, including its version.
func (m *MemoryOrderRepository) PutOrder(o *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
}

func (m *MemoryOrderRepository) PutDrone(d *domain.Drone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	m.drones[d.ID] = &c
}

func (m *MemoryOrderRepository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("get order id=%s: %w", id, ports.ErrOrderNotFound)
	}
	return o.Clone(), nil
}

func (m *MemoryOrderRepository) SaveOrder(ctx context.Context, o *domain.Order, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.ID]
	if !ok {
		return fmt.Errorf("save order id=%s: %w", o.ID, ports.ErrOrderNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("save order id=%s expected_version=%d: %w", o.ID, expectedVersion, ports.ErrVersionConflict)
	}

	next := o.Clone()
	next.Version = expectedVersion + 1
	m.orders[o.ID] = next
	return nil
}

func (m *MemoryOrderRepository) ListOrdersByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[domain.Status]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}

	out := make([]*domain.Order, 0)
	for _, o := range m.orders {
		if _, ok := want[o.Status]; ok {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryOrderRepository) GetDrone(ctx context.Context, id string) (*domain.Drone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drones[id]
	if !ok {
		return nil, fmt.Errorf("get drone id=%s: %w", id, ports.ErrDroneNotFound)
	}
	c := *d
	return &c, nil
}

func (m *MemoryOrderRepository) UpdateDroneLocation(ctx context.Context, id string, loc domain.Coordinates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drones[id]
	if !ok {
		return fmt.Errorf("update drone location id=%s: %w", id, ports.ErrDroneNotFound)
	}
	l := loc
	d.CurrentLocation = &l
	return nil
}

func (m *MemoryOrderRepository) UpdateDroneStatus(ctx context.Context, id string, status domain.DroneStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drones[id]
	if !ok {
		return fmt.Errorf("update drone status id=%s: %w", id, ports.ErrDroneNotFound)
	}
	d.Status = status
	return nil
}

func (m *MemoryOrderRepository) ClaimDrone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drones[id]
	if !ok {
		return fmt.Errorf("claim drone id=%s: %w", id, ports.ErrDroneNotFound)
	}
	if d.Status != domain.DroneAvailable {
		return fmt.Errorf("claim drone id=%s status=%s: %w", id, d.Status, ports.ErrDroneUnavailable)
	}
	d.Status = domain.DroneAssigned
	return nil
}

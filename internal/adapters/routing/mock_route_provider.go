package routing

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/ports"
	"fmt"
)

type MockPair struct {
	From, To domain.Coordinates
	Meters   int
	Seconds  int
}

// MockRouteProvider answers from a fixed table of pairs with a straight-line geometry.
type MockRouteProvider struct {
	m map[string]ports.RouteResult
}

func NewMockRouteProvider(pairs []MockPair) *MockRouteProvider {
	m := make(map[string]ports.RouteResult, len(pairs))
	for _, p := range pairs {
		m[ports.EstimateKey(p.From, p.To)] = ports.RouteResult{
			DistanceMeters:  p.Meters,
			DurationSeconds: p.Seconds,
			Geometry:        []domain.Coordinates{p.From, p.To},
		}
	}
	return &MockRouteProvider{m: m}
}

func (p *MockRouteProvider) GetRoute(ctx context.Context, origin, destination domain.Coordinates) (ports.RouteResult, error) {
	r, ok := p.m[ports.EstimateKey(origin, destination)]
	if !ok {
		return ports.RouteResult{}, fmt.Errorf("missing pair %v -> %v", origin, destination)
	}

	return r, nil
}

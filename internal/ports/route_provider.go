package ports

import (
	"context"
	"drone-delivery-service/internal/domain"
)

// Road-network distance, travel duration and path geometry between two points.
type RouteResult struct {
	DistanceMeters  int
	DurationSeconds int
	Geometry        []domain.Coordinates
}

// Contract for an external routing service. Its answer is trusted as-is.
type RouteProvider interface {
	// Return the routed distance, duration and geometry from origin to destination.
	GetRoute(ctx context.Context, origin, destination domain.Coordinates) (RouteResult, error)
}

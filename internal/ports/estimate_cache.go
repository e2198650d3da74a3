package ports

import (
	"context"
	"drone-delivery-service/internal/domain"
	"fmt"
)

// Persistent cache of routing answers keyed by an origin/destination pair.
type EstimateCache interface {
	// Return the cached estimate and whether it was found.
	Get(ctx context.Context, key string) (domain.Estimate, bool, error)
	Put(ctx context.Context, key string, est domain.Estimate) error
}

// EstimateKey builds a stable cache key. Coordinates are rounded to ~1m so
// near-identical requests share an entry.
func EstimateKey(origin, destination domain.Coordinates) string {
	return fmt.Sprintf("%.5f,%.5f|%.5f,%.5f", origin.Lat, origin.Lon, destination.Lat, destination.Lon)
}

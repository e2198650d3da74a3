package cache

import (
	"context"
	"database/sql"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/platform/obs"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLEstimateCache is a Postgres-backed cache of routing estimates.
type SQLEstimateCache struct {
	DB *sql.DB
}

func NewSQLEstimateCache(db *sql.DB) *SQLEstimateCache {
	return &SQLEstimateCache{DB: db}
}

// Fetch a cached estimate by key.
func (s *SQLEstimateCache) Get(ctx context.Context, key string) (_ domain.Estimate, _ bool, err error) {
	defer obs.Time(ctx, "estimate.cache.Get")(&err)

	if s.DB == nil {
		return domain.Estimate{}, false, errors.New("estimate cache: db is nil")
	}
	if strings.TrimSpace(key) == "" {
		return domain.Estimate{}, false, errors.New("get estimate cache: key must not be empty")
	}

	q := `
	SELECT distance_km, duration_min, route_geometry, method
	FROM estimate_cache
	WHERE cache_key = $1;
	`

	est, err := scanEstimate(s.DB.QueryRowContext(ctx, q, key))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Estimate{}, false, nil
	}
	if err != nil {
		return domain.Estimate{}, false, fmt.Errorf("get estimate cache: %w", err)
	}

	return est, true, nil
}

// Store an estimate, replacing any previous entry for key.
func (s *SQLEstimateCache) Put(ctx context.Context, key string, est domain.Estimate) error {
	if s.DB == nil {
		return errors.New("estimate cache: db is nil")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("insert estimate cache: key must not be empty")
	}

	geometry, err := json.Marshal(est.RouteGeometry)
	if err != nil {
		return fmt.Errorf("insert estimate cache: encode geometry: %w", err)
	}

	q := `
	INSERT INTO estimate_cache (cache_key, distance_km, duration_min, route_geometry, method, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (cache_key) DO UPDATE
	SET distance_km = EXCLUDED.distance_km,
		duration_min = EXCLUDED.duration_min,
		route_geometry = EXCLUDED.route_geometry,
		method = EXCLUDED.method,
		created_at = EXCLUDED.created_at;
	`
	if _, err := s.DB.ExecContext(ctx, q,
		key, est.DistanceKm, est.DurationMin, string(geometry), string(est.Method), time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert estimate cache key=%q: %w", key, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEstimate(r rowScanner) (domain.Estimate, error) {
	var (
		est      domain.Estimate
		geometry string
		method   string
	)
	if err := r.Scan(&est.DistanceKm, &est.DurationMin, &geometry, &method); err != nil {
		return domain.Estimate{}, err
	}
	if geometry != "" && geometry != "null" {
		if err := json.Unmarshal([]byte(geometry), &est.RouteGeometry); err != nil {
			return domain.Estimate{}, fmt.Errorf("decode geometry: %w", err)
		}
	}
	est.Method = domain.RoutingMethod(method)
	return est, nil
}

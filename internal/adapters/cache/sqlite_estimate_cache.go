package cache

import (
	"context"
	"database/sql"
	"drone-delivery-service/internal/domain"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLite backed cache of routing estimates.
// Keys are expected to be consistent (see ports.EstimateKey).
type SqliteEstimateCache struct {
	DB *sql.DB
}

func NewSqliteEstimateCache(db *sql.DB) *SqliteEstimateCache {
	return &SqliteEstimateCache{DB: db}
}

func (s *SqliteEstimateCache) Get(ctx context.Context, key string) (domain.Estimate, bool, error) {
	if s.DB == nil {
		return domain.Estimate{}, false, errors.New("estimate cache: db is nil")
	}
	if strings.TrimSpace(key) == "" {
		return domain.Estimate{}, false, errors.New("get estimate cache: key must not be empty")
	}

	q := `
	SELECT
		distance_km,
		duration_min,
		route_geometry,
		method
	FROM estimate_cache
	WHERE cache_key = ?;
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

func (s *SqliteEstimateCache) Put(ctx context.Context, key string, est domain.Estimate) error {
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
	INSERT OR REPLACE INTO estimate_cache (
		cache_key,
		distance_km,
		duration_min,
		route_geometry,
		method,
		created_at
	)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.DB.ExecContext(ctx, q,
		key, est.DistanceKm, est.DurationMin, string(geometry), string(est.Method), time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert estimate cache key=%q: %w", key, err)
	}

	return nil
}

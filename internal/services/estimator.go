package services

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/geo"
	"drone-delivery-service/internal/platform/obs"
	"drone-delivery-service/internal/ports"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrEstimateUnavailable = errors.New("estimate unavailable")

// EstimateStrategy is one link of the estimator's fallback chain.
type EstimateStrategy interface {
	Method() domain.RoutingMethod
	Estimate(ctx context.Context, origin, destination domain.Coordinates) (domain.Estimate, error)
}

// Estimator converts two coordinates into a distance/duration answer, trying
// each strategy in order and falling through on any error.
type Estimator struct {
	strategies []EstimateStrategy
}

func NewEstimator(strategies ...EstimateStrategy) *Estimator {
	return &Estimator{strategies: strategies}
}

// DefaultChain is routing (when a provider is configured), then adjusted
// haversine, then plain haversine.
func DefaultChain(
	provider ports.RouteProvider,
	cache ports.EstimateCache,
	timeout time.Duration,
	detourFactor float64,
	speedKmh float64,
) []EstimateStrategy {
	chain := make([]EstimateStrategy, 0, 3)
	if provider != nil {
		chain = append(chain, NewRoutingStrategy(provider, cache, timeout))
	}
	chain = append(chain,
		NewAdjustedHaversine(detourFactor, speedKmh),
		NewFallbackHaversine(speedKmh),
	)
	return chain
}

// Estimate returns the first successful strategy's answer.
// Failures are logged, never returned, until the chain is exhausted.
func (e *Estimator) Estimate(ctx context.Context, origin, destination domain.Coordinates) (_ domain.Estimate, err error) {
	defer obs.Time(ctx, "estimator.Estimate")(&err)

	var errs []error
	for _, s := range e.strategies {
		est, err := s.Estimate(ctx, origin, destination)
		if err == nil {
			est.Method = s.Method()
			return est, nil
		}
		log.Printf("estimate strategy failed: method=%s err=%v", s.Method(), err)
		errs = append(errs, fmt.Errorf("%s: %w", s.Method(), err))
	}

	return domain.Estimate{}, fmt.Errorf("estimate: %w: %w", ErrEstimateUnavailable, errors.Join(errs...))
}

// RoutingStrategy asks the external routing provider, through the cache.
type RoutingStrategy struct {
	Provider ports.RouteProvider
	Cache    ports.EstimateCache
	Timeout  time.Duration

	group singleflight.Group
}

func NewRoutingStrategy(provider ports.RouteProvider, cache ports.EstimateCache, timeout time.Duration) *RoutingStrategy {
	return &RoutingStrategy{Provider: provider, Cache: cache, Timeout: timeout}
}

func (r *RoutingStrategy) Method() domain.RoutingMethod { return domain.MethodRouting }

func (r *RoutingStrategy) Estimate(ctx context.Context, origin, destination domain.Coordinates) (domain.Estimate, error) {
	key := ports.EstimateKey(origin, destination)

	if r.Cache != nil {
		est, ok, err := r.Cache.Get(ctx, key)
		if err != nil {
			log.Printf("estimate cache read failed: key=%s err=%v", key, err)
		} else if ok {
			return est, nil
		}
	}

	// Concurrent hand-offs for the same pair share one provider call.
	v, err, _ := r.group.Do(key, func() (any, error) {
		cctx := ctx
		if r.Timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}

		res, err := r.Provider.GetRoute(cctx, origin, destination)
		if err != nil {
			return nil, err
		}

		est := domain.Estimate{
			DistanceKm:    float64(res.DistanceMeters) / 1000,
			DurationMin:   float64(res.DurationSeconds) / 60,
			RouteGeometry: res.Geometry,
			Method:        domain.MethodRouting,
		}

		if r.Cache != nil {
			if err := r.Cache.Put(ctx, key, est); err != nil {
				log.Printf("estimate cache write failed: key=%s err=%v", key, err)
			}
		}
		return est, nil
	})
	if err != nil {
		return domain.Estimate{}, fmt.Errorf("routing provider: %w", err)
	}

	return v.(domain.Estimate), nil
}

// HaversineStrategy estimates great-circle distance scaled by Factor and
// derives duration from a constant cruise speed.
type HaversineStrategy struct {
	Factor   float64
	SpeedKmh float64
	method   domain.RoutingMethod
}

// NewAdjustedHaversine approximates road detour with a multiplicative factor.
func NewAdjustedHaversine(factor, speedKmh float64) *HaversineStrategy {
	return &HaversineStrategy{Factor: factor, SpeedKmh: speedKmh, method: domain.MethodHaversineAdjusted}
}

func NewFallbackHaversine(speedKmh float64) *HaversineStrategy {
	return &HaversineStrategy{Factor: 1, SpeedKmh: speedKmh, method: domain.MethodHaversineFallback}
}

func (h *HaversineStrategy) Method() domain.RoutingMethod { return h.method }

func (h *HaversineStrategy) Estimate(ctx context.Context, origin, destination domain.Coordinates) (domain.Estimate, error) {
	if !origin.Valid() || !destination.Valid() {
		return domain.Estimate{}, errors.New("haversine: invalid coordinates")
	}
	if h.Factor < 1 || math.IsNaN(h.Factor) || math.IsInf(h.Factor, 0) {
		return domain.Estimate{}, fmt.Errorf("haversine: detour factor %v must be >= 1", h.Factor)
	}
	if h.SpeedKmh <= 0 {
		return domain.Estimate{}, fmt.Errorf("haversine: speed %v must be positive", h.SpeedKmh)
	}

	km := geo.HaversineKm(origin, destination) * h.Factor

	return domain.Estimate{
		DistanceKm:    km,
		DurationMin:   km / h.SpeedKmh * 60,
		RouteGeometry: []domain.Coordinates{origin, destination},
		Method:        h.method,
	}, nil
}

// FeePolicy prices a delivery in minor currency units.
type FeePolicy struct {
	Base  int64
	PerKm int64
	Min   int64
}

func (p FeePolicy) Fee(distanceKm float64) int64 {
	fee := p.Base + int64(math.Round(float64(p.PerKm)*distanceKm))
	if fee < p.Min {
		return p.Min
	}
	return fee
}

type FeeQuote struct {
	domain.Estimate
	Fee int64
}

// Quote estimates the leg and prices it with policy.
func (e *Estimator) Quote(ctx context.Context, origin, destination domain.Coordinates, policy FeePolicy) (FeeQuote, error) {
	est, err := e.Estimate(ctx, origin, destination)
	if err != nil {
		return FeeQuote{}, err
	}
	return FeeQuote{Estimate: est, Fee: policy.Fee(est.DistanceKm)}, nil
}

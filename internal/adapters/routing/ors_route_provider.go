package routing

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/platform/obs"
	"drone-delivery-service/internal/ports"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// ORSRouteProvider implements RouteProvider using the OpenRouteService
// directions endpoint. It returns road-network distance, duration and the
// path geometry. The provider is safe for concurrent use.
type ORSRouteProvider struct {
	session *http.Client
	apiKey  string
	baseURL string
	profile string

	maxAttempts int
	backoff     time.Duration
}

type Option func(*ORSRouteProvider)

// WithBaseURL points the provider at a different ORS host (self-hosted or test server).
func WithBaseURL(u string) Option { return func(o *ORSRouteProvider) { o.baseURL = u } }

func WithProfile(p string) Option { return func(o *ORSRouteProvider) { o.profile = p } }

// WithRetry overrides the attempt budget and the initial backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(o *ORSRouteProvider) {
		if attempts > 0 {
			o.maxAttempts = attempts
		}
		o.backoff = backoff
	}
}

func NewORSRouteProvider(apiKey string, opts ...Option) (*ORSRouteProvider, error) {
	if apiKey == "" {
		return nil, errors.New("ORS api key is empty")
	}

	provider := &ORSRouteProvider{
		session: &http.Client{Timeout: 10 * time.Second},
		apiKey:  apiKey,
		baseURL: "https://api.openrouteservice.org",
		profile: "driving-car",

		maxAttempts: 4,
		backoff:     200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(provider)
	}

	return provider, nil
}

type directionsRequest struct {
	Coordinates [][]float64 `json:"coordinates"`
}

type directionsResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			Summary struct {
				Distance *float64 `json:"distance"`
				Duration *float64 `json:"duration"`
			} `json:"summary"`
		} `json:"properties"`
	} `json:"features"`
}

// GetRoute fetches a single origin->destination route.
func (o *ORSRouteProvider) GetRoute(
	ctx context.Context,
	origin domain.Coordinates,
	destination domain.Coordinates,
) (_ ports.RouteResult, err error) {
	defer obs.Time(ctx, "ors.GetRoute")(&err)

	if !origin.Valid() || !destination.Valid() {
		return ports.RouteResult{}, errors.New("get ORS route: origin and destination must be valid coordinates")
	}

	call, err := o.directions(origin, destination)
	if err != nil {
		return ports.RouteResult{}, err
	}

	resp, err := call.send(ctx, o.maxAttempts, o.backoff)
	if err != nil {
		return ports.RouteResult{}, fmt.Errorf("directions request failed: %w", err)
	}
	defer resp.Body.Close()

	var dr directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return ports.RouteResult{}, fmt.Errorf("decode directions response: %w", err)
	}

	if len(dr.Features) == 0 {
		return ports.RouteResult{}, errors.New("directions response has no route")
	}
	f := dr.Features[0]

	meters := f.Properties.Summary.Distance
	seconds := f.Properties.Summary.Duration
	if meters == nil || seconds == nil {
		return ports.RouteResult{}, errors.New("directions returned invalid summary")
	}

	geometry := make([]domain.Coordinates, 0, len(f.Geometry.Coordinates))
	for i, pair := range f.Geometry.Coordinates {
		c, ok := domain.CoordsFromList(pair)
		if !ok {
			return ports.RouteResult{}, fmt.Errorf("directions returned invalid coordinate at index %d", i)
		}
		geometry = append(geometry, c)
	}

	// ORS returns float metrics; round to nearest integer for domain consistency.
	return ports.RouteResult{
		DistanceMeters:  int(math.Round(*meters)),
		DurationSeconds: int(math.Round(*seconds)),
		Geometry:        geometry,
	}, nil
}

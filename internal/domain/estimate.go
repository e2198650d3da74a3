package domain

// RoutingMethod tags how a distance estimate was produced so degraded answers are
// never presented as authoritative routing.
type RoutingMethod string

const (
	MethodRouting           RoutingMethod = "routing"
	MethodHaversineAdjusted RoutingMethod = "haversine_adjusted"
	MethodHaversineFallback RoutingMethod = "haversine_fallback"
)

// Estimate is the answer of the geolocation estimator.
type Estimate struct {
	DistanceKm    float64       `json:"distance_km"`
	DurationMin   float64       `json:"duration_min"`
	RouteGeometry []Coordinates `json:"route_geometry,omitempty"`
	Method        RoutingMethod `json:"method"`
}

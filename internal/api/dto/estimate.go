package dto

import "drone-delivery-service/internal/domain"

// Point uses pointers so a missing coordinate is distinguishable from 0.
type Point struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
}

func (p Point) Coordinates() domain.Coordinates {
	return domain.Coordinates{Lat: *p.Lat, Lon: *p.Lon}
}

type EstimateRequest struct {
	Origin      Point `json:"origin"`
	Destination Point `json:"destination"`
}

type EstimateResponse struct {
	DistanceKm    float64              `json:"distance_km"`
	DurationMin   float64              `json:"duration_min"`
	Method        domain.RoutingMethod `json:"method"`
	Fee           int64                `json:"fee"`
	RouteGeometry []domain.Coordinates `json:"route_geometry,omitempty"`
}

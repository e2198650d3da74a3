package dto

import (
	"drone-delivery-service/internal/domain"
)

type OrderResponse struct {
	ID                   string               `json:"id"`
	Status               domain.Status        `json:"status"`
	Version              int64                `json:"version"`
	DroneID              string               `json:"drone_id,omitempty"`
	RestaurantLocation   *domain.Coordinates  `json:"restaurant_location,omitempty"`
	DeliveryLocation     *domain.Coordinates  `json:"delivery_location,omitempty"`
	RouteGeometry        []domain.Coordinates `json:"route_geometry,omitempty"`
	Total                int64                `json:"total"`
	PaymentMethod        domain.PaymentMethod `json:"payment_method"`
	PaymentStatus        domain.PaymentStatus `json:"payment_status"`
	CancelReason         string               `json:"cancel_reason,omitempty"`
	DistanceKm           float64              `json:"distance_km,omitempty"`
	EstimatedDurationMin float64              `json:"estimated_duration_min,omitempty"`
	RoutingMethod        domain.RoutingMethod `json:"routing_method,omitempty"`
	Timestamps           domain.Timestamps    `json:"timestamps"`
	ValidTransitions     []domain.Status      `json:"valid_transitions"`
	// Trackable is false for orders missing geodata; they get no live position.
	Trackable bool             `json:"trackable"`
	Tracking  *domain.Tracking `json:"tracking,omitempty"`
}

type AssignDroneRequest struct {
	DroneID string `json:"drone_id" validate:"required,max=64"`
}

type StatusRequest struct {
	Status domain.Status `json:"status" validate:"required"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
	Actor  string `json:"actor" validate:"omitempty,oneof=customer restaurant admin system"`
}

type CancelResponse struct {
	Order  OrderResponse            `json:"order"`
	Refund *domain.RefundDescriptor `json:"refund,omitempty"`
}

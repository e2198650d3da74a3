package handlers

import (
	"drone-delivery-service/internal/api/dto"
	"drone-delivery-service/internal/services"
	"net/http"
)

type EstimateHandler struct {
	Orders OrderService
	Fee    services.FeePolicy
}

// Estimate quotes distance, duration and delivery fee for an arbitrary leg.
// It always answers while the haversine fallbacks are in the chain.
func (h *EstimateHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req dto.EstimateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	q, err := h.Orders.EstimateFee(r.Context(), req.Origin.Coordinates(), req.Destination.Coordinates(), h.Fee)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, dto.EstimateResponse{
		DistanceKm:    q.DistanceKm,
		DurationMin:   q.DurationMin,
		Method:        q.Method,
		Fee:           q.Fee,
		RouteGeometry: q.RouteGeometry,
	})
}

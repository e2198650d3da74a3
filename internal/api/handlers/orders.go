package handlers

import (
	"context"
	"drone-delivery-service/internal/api/dto"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/services"
	"log"
	"net/http"
	"strings"
)

// OrderService is the command surface the HTTP and socket handlers drive.
type OrderService interface {
	Snapshot(ctx context.Context, orderID string) (*domain.Order, error)
	AssignDrone(ctx context.Context, orderID, droneID string) (*domain.Order, error)
	Advance(ctx context.Context, orderID string, to domain.Status) (*domain.Order, error)
	ConfirmHandoff(ctx context.Context, orderID string) (*domain.Order, error)
	ConfirmReceipt(ctx context.Context, orderID string) (*domain.Order, error)
	Cancel(ctx context.Context, orderID, reason string) (services.TransitionResult, error)
	EstimateFee(ctx context.Context, origin, destination domain.Coordinates, policy services.FeePolicy) (services.FeeQuote, error)
	ApplyTelemetry(ctx context.Context, u services.LocationUpdate) error
	Tracking(orderID string) (domain.Tracking, bool)
}

type OrderHandler struct {
	Orders OrderService
}

func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := toOrderResponse(o)
	if t, ok := h.Orders.Tracking(o.ID); ok {
		resp.Tracking = &t
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *OrderHandler) AssignDrone(w http.ResponseWriter, r *http.Request) {
	var req dto.AssignDroneRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	o, err := h.Orders.AssignDrone(r.Context(), r.PathValue("id"), strings.TrimSpace(req.DroneID))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toOrderResponse(o))
}

// UpdateStatus routes a requested status to the command that owns it.
// Statuses the server drives itself (arrival, timeout, return) are rejected.
func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req dto.StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown status")
		return
	}

	id := r.PathValue("id")
	ctx := r.Context()

	var (
		o   *domain.Order
		err error
	)
	switch req.Status {
	case domain.StatusConfirmed, domain.StatusPreparing, domain.StatusReady:
		o, err = h.Orders.Advance(ctx, id, req.Status)
	case domain.StatusDelivering:
		o, err = h.Orders.ConfirmHandoff(ctx, id)
	case domain.StatusDelivered:
		o, err = h.Orders.ConfirmReceipt(ctx, id)
	case domain.StatusCancelled:
		var res services.TransitionResult
		res, err = h.Orders.Cancel(ctx, id, "cancelled via status update")
		o = res.Order
	default:
		writeError(w, r, http.StatusConflict, "status "+string(req.Status)+" is set by the server")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, toOrderResponse(o))
}

func (h *OrderHandler) Handoff(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.ConfirmHandoff(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toOrderResponse(o))
}

func (h *OrderHandler) Receipt(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.ConfirmReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toOrderResponse(o))
}

func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req dto.CancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled"
	}
	id := r.PathValue("id")

	res, err := h.Orders.Cancel(r.Context(), id, reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	log.Printf("cancel requested: order=%s actor=%s applied=%t", id, req.Actor, res.Applied)

	writeJSON(w, r, http.StatusOK, dto.CancelResponse{
		Order:  toOrderResponse(res.Order),
		Refund: res.Refund,
	})
}

func toOrderResponse(o *domain.Order) dto.OrderResponse {
	next := services.ValidTransitionsFrom(o.Status)
	return dto.OrderResponse{
		ID:                   o.ID,
		Status:               o.Status,
		Version:              o.Version,
		DroneID:              o.DroneID,
		RestaurantLocation:   o.RestaurantLocation,
		DeliveryLocation:     o.DeliveryLocation,
		RouteGeometry:        o.RouteGeometry,
		Total:                o.Total,
		PaymentMethod:        o.PaymentMethod,
		PaymentStatus:        o.PaymentStatus,
		CancelReason:         o.CancelReason,
		DistanceKm:           o.DistanceKm,
		EstimatedDurationMin: o.EstimatedDurationMin,
		RoutingMethod:        o.RoutingMethod,
		Timestamps:           o.Timestamps,
		ValidTransitions:     next,
		Trackable:            o.Trackable(),
	}
}

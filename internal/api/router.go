package api

import (
	"drone-delivery-service/internal/api/handlers"
	"drone-delivery-service/internal/realtime"
	"drone-delivery-service/internal/services"
	"net/http"
)

type Deps struct {
	Orders handlers.OrderService
	Hub    *realtime.Hub
	Fee    services.FeePolicy
	Checks map[string]handlers.Check
}

// NewRouter wires HTTP handlers with their dependencies and returns an http.Handler.
// This is the API composition root (handlers stay unaware of concrete adapters).
func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()

	health := &handlers.HealthHandler{Checks: d.Checks}
	orders := &handlers.OrderHandler{Orders: d.Orders}
	estimates := &handlers.EstimateHandler{Orders: d.Orders, Fee: d.Fee}
	socket := &handlers.SocketHandler{Hub: d.Hub, Orders: d.Orders}

	mux.HandleFunc("GET /health", health.Health)
	mux.HandleFunc("GET /orders/{id}", orders.Get)
	mux.HandleFunc("POST /orders/{id}/drone", orders.AssignDrone)
	mux.HandleFunc("POST /orders/{id}/status", orders.UpdateStatus)
	mux.HandleFunc("POST /orders/{id}/handoff", orders.Handoff)
	mux.HandleFunc("POST /orders/{id}/receipt", orders.Receipt)
	mux.HandleFunc("POST /orders/{id}/cancel", orders.Cancel)
	mux.HandleFunc("POST /estimates", estimates.Estimate)
	mux.HandleFunc("GET /ws", socket.Serve)

	return requestIDMiddleware(loggingMiddleware(mux))
}

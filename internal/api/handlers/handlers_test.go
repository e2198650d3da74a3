package handlers

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/ports"
	"drone-delivery-service/internal/services"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeOrders struct {
	order     *domain.Order
	err       error
	advanced  domain.Status
	cancelled string
	quote     services.FeeQuote
	tracking  *domain.Tracking
}

func (f *fakeOrders) Snapshot(ctx context.Context, id string) (*domain.Order, error) {
	return f.order, f.err
}

func (f *fakeOrders) AssignDrone(ctx context.Context, id, droneID string) (*domain.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.order.DroneID = droneID
	return f.order, nil
}

func (f *fakeOrders) Advance(ctx context.Context, id string, to domain.Status) (*domain.Order, error) {
	f.advanced = to
	if f.err != nil {
		return nil, f.err
	}
	f.order.Status = to
	return f.order, nil
}

func (f *fakeOrders) ConfirmHandoff(ctx context.Context, id string) (*domain.Order, error) {
	return f.order, f.err
}

func (f *fakeOrders) ConfirmReceipt(ctx context.Context, id string) (*domain.Order, error) {
	return f.order, f.err
}

func (f *fakeOrders) Cancel(ctx context.Context, id, reason string) (services.TransitionResult, error) {
	f.cancelled = reason
	if f.err != nil {
		return services.TransitionResult{}, f.err
	}
	f.order.Status = domain.StatusCancelled
	return services.TransitionResult{Order: f.order, Applied: true, Refund: f.order.Refund()}, nil
}

func (f *fakeOrders) EstimateFee(ctx context.Context, o, d domain.Coordinates, p services.FeePolicy) (services.FeeQuote, error) {
	return f.quote, f.err
}

func (f *fakeOrders) ApplyTelemetry(ctx context.Context, u services.LocationUpdate) error {
	return f.err
}

func (f *fakeOrders) Tracking(orderID string) (domain.Tracking, bool) {
	if f.tracking == nil {
		return domain.Tracking{}, false
	}
	return *f.tracking, true
}

func newMux(f *fakeOrders) *http.ServeMux {
	orders := &OrderHandler{Orders: f}
	estimates := &EstimateHandler{Orders: f, Fee: services.FeePolicy{Base: 15000, PerKm: 5000, Min: 15000}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders/{id}", orders.Get)
	mux.HandleFunc("POST /orders/{id}/drone", orders.AssignDrone)
	mux.HandleFunc("POST /orders/{id}/status", orders.UpdateStatus)
	mux.HandleFunc("POST /orders/{id}/cancel", orders.Cancel)
	mux.HandleFunc("POST /estimates", estimates.Estimate)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func pendingOrder() *domain.Order {
	return &domain.Order{
		ID:            "order-1",
		Status:        domain.StatusPending,
		Version:       1,
		Total:         120000,
		PaymentMethod: domain.PaymentOnline,
		PaymentStatus: domain.PaymentPaid,
	}
}

func TestGetOrder(t *testing.T) {
	rec := do(t, newMux(&fakeOrders{order: pendingOrder()}), http.MethodGet, "/orders/order-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}

	var got map[string]any
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["id"] != "order-1" || got["status"] != "pending" {
		t.Fatalf("body = %v", got)
	}
	if next, _ := got["valid_transitions"].([]any); len(next) != 2 {
		t.Fatalf("valid_transitions = %v, want confirmed and cancelled", got["valid_transitions"])
	}
}

func TestGetOrder_TrackingAndTrackable(t *testing.T) {
	o := pendingOrder()
	rec := do(t, newMux(&fakeOrders{order: o}), http.MethodGet, "/orders/order-1", "")

	var got map[string]any
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["trackable"] != false || got["tracking"] != nil {
		t.Fatalf("order without geodata: trackable=%v tracking=%v", got["trackable"], got["tracking"])
	}

	o.RestaurantLocation = &domain.Coordinates{Lat: 10.80, Lon: 106.70}
	o.DeliveryLocation = &domain.Coordinates{Lat: 10.82, Lon: 106.63}
	f := &fakeOrders{order: o, tracking: &domain.Tracking{
		Position:  domain.Coordinates{Lat: 10.81, Lon: 106.66},
		Percent:   55,
		Returning: true,
	}}
	rec = do(t, newMux(f), http.MethodGet, "/orders/order-1", "")

	var resp struct {
		Trackable bool             `json:"trackable"`
		Tracking  *domain.Tracking `json:"tracking"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Trackable || resp.Tracking == nil || resp.Tracking.Percent != 55 || !resp.Tracking.Returning {
		t.Fatalf("response = %+v tracking=%+v", resp, resp.Tracking)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("snapshot: %w", ports.ErrOrderNotFound), http.StatusNotFound},
		{"stale", fmt.Errorf("x: %w", services.ErrStaleTransition), http.StatusConflict},
		{"invalid", fmt.Errorf("x: %w", services.ErrInvalidTransition), http.StatusConflict},
		{"telemetry", services.ErrTelemetryDisabled, http.StatusForbidden},
		{"estimate", services.ErrEstimateUnavailable, http.StatusServiceUnavailable},
		{"other", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newMux(&fakeOrders{err: tt.err}), http.MethodGet, "/orders/x", "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	f := &fakeOrders{order: pendingOrder()}
	mux := newMux(f)

	rec := do(t, mux, http.MethodPost, "/orders/order-1/status", `{"status":"confirmed"}`)
	if rec.Code != http.StatusOK || f.advanced != domain.StatusConfirmed {
		t.Fatalf("status = %d advanced=%s", rec.Code, f.advanced)
	}

	rec = do(t, mux, http.MethodPost, "/orders/order-1/status", `{"status":"delivery_failed"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("server-driven status: code = %d, want 409", rec.Code)
	}

	rec = do(t, mux, http.MethodPost, "/orders/order-1/status", `{"status":"teleported"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: code = %d, want 400", rec.Code)
	}
}

func TestBodyValidation(t *testing.T) {
	mux := newMux(&fakeOrders{order: pendingOrder()})

	tests := []struct {
		name, path, body string
	}{
		{"missing drone", "/orders/order-1/drone", `{}`},
		{"unknown field", "/orders/order-1/drone", `{"drone_id":"d1","extra":1}`},
		{"two objects", "/orders/order-1/drone", `{"drone_id":"d1"}{"drone_id":"d2"}`},
		{"bad actor", "/orders/order-1/cancel", `{"reason":"x","actor":"martian"}`},
		{"missing lat", "/estimates", `{"origin":{"lon":106.7},"destination":{"lat":10.8,"lon":106.6}}`},
		{"lat out of range", "/estimates", `{"origin":{"lat":91,"lon":106.7},"destination":{"lat":10.8,"lon":106.6}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, mux, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 body=%s", rec.Code, rec.Body)
			}
		})
	}
}

func TestCancelReturnsRefund(t *testing.T) {
	f := &fakeOrders{order: pendingOrder()}

	rec := do(t, newMux(f), http.MethodPost, "/orders/order-1/cancel", `{"reason":"changed mind","actor":"customer"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if f.cancelled != "changed mind" {
		t.Fatalf("reason = %q", f.cancelled)
	}

	var got struct {
		Refund *domain.RefundDescriptor `json:"refund"`
	}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Refund == nil || got.Refund.Amount != 120000 {
		t.Fatalf("refund = %+v", got.Refund)
	}
}

func TestEstimate(t *testing.T) {
	f := &fakeOrders{quote: services.FeeQuote{
		Estimate: domain.Estimate{DistanceKm: 4.2, DurationMin: 6.3, Method: domain.MethodHaversineAdjusted},
		Fee:      36000,
	}}

	rec := do(t, newMux(f), http.MethodPost, "/estimates",
		`{"origin":{"lat":0,"lon":0},"destination":{"lat":10.8,"lon":106.6}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}

	var got map[string]any
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["method"] != "haversine_adjusted" || got["fee"] != float64(36000) {
		t.Fatalf("body = %v", got)
	}
}

func TestHealth(t *testing.T) {
	h := &HealthHandler{Checks: map[string]Check{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}}

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"redis":"connection refused"`) {
		t.Fatalf("body = %s", rec.Body)
	}
}

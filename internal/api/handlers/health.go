package handlers

import (
	"context"
	"net/http"
	"time"
)

// Check pings one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

type HealthHandler struct {
	Checks map[string]Check
}

// Health reports liveness plus the state of each configured dependency.
// Any failing check turns the response into a 503.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	res := map[string]string{"status": "ok"}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			res[name] = err.Error()
			res["status"] = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		res[name] = "ok"
	}

	writeJSON(w, r, status, res)
}

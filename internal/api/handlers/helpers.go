package handlers

import (
	"drone-delivery-service/internal/ports"
	"drone-delivery-service/internal/services"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode failed: method=%s path=%s err=%v", r.Method, r.URL.Path, err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

// decodeJSON reads exactly one JSON object into v and validates it.
// It writes the 400 response itself and reports whether the caller may continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	defer r.Body.Close()
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, r, http.StatusBadRequest, "body must contain only one JSON object")
		return false
	}

	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeError(w, r, http.StatusBadRequest, "invalid field "+fe.Namespace()+": failed "+fe.Tag())
			return false
		}
		writeError(w, r, http.StatusBadRequest, "invalid request")
		return false
	}

	return true
}

// writeServiceError maps core errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ports.ErrOrderNotFound), errors.Is(err, ports.ErrDroneNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrStaleTransition),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrCommandNotAllowed),
		errors.Is(err, services.ErrDroneUnavailable),
		errors.Is(err, services.ErrNoDroneAssigned):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrTelemetryDisabled):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrEstimateUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "estimate unavailable")
	default:
		log.Printf("request failed: method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

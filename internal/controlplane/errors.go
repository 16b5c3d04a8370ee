package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ananta888/ananta/internal/auth"
	"github.com/ananta888/ananta/internal/models"
	"github.com/ananta888/ananta/internal/modelpool"
)

// Sentinel errors for control plane operations.
var (
	ErrDelegationFailed = errors.New("delegation_failed")
	ErrInvalidJSON      = errors.New("invalid json")
)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// statusFor maps an error to its HTTP status and response body.
func statusFor(err error) (int, errorResponse) {
	var (
		verr *models.ValidationError
		perr *models.PermissionError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorResponse{Error: "validation_failed", Field: verr.Field, Reason: verr.Reason}
	case errors.As(err, &perr):
		return http.StatusForbidden, errorResponse{Error: "forbidden", Reason: perr.Reason}
	case errors.Is(err, ErrInvalidJSON):
		return http.StatusBadRequest, errorResponse{Error: "invalid_json", Reason: err.Error()}
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, errorResponse{Error: "unauthorized"}
	case errors.Is(err, models.ErrNotFound), errors.Is(err, modelpool.ErrNotRegistered):
		return http.StatusNotFound, errorResponse{Error: "not_found", Reason: err.Error()}
	case errors.Is(err, models.ErrLeaseMismatch):
		return http.StatusConflict, errorResponse{Error: "lease_mismatch", Reason: err.Error()}
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, errorResponse{Error: "invalid_transition", Reason: err.Error()}
	case errors.Is(err, ErrDelegationFailed):
		return http.StatusBadGateway, errorResponse{Error: "delegation_failed", Reason: err.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal_error", Reason: err.Error()}
	}
}

// writeError writes err as a JSON error reply.
func writeError(w http.ResponseWriter, err error) {
	status, body := statusFor(err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

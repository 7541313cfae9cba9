package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mscno/pledges/server/pledges"
)

const addressNotRecognizedMessage = "That's not the address that we have for this pledge, please try a different one."

type errorResponse struct {
	Error  string               `json:"error"`
	Fields []pledges.FieldError `json:"fields,omitempty"`
}

// statusFor maps a service error onto an HTTP status and a message safe to
// show the visitor.
func statusFor(err error) (int, errorResponse) {
	var (
		verr *pledges.ValidationError
		cerr *pledges.ConflictError
		derr *pledges.DependencyError
	)
	switch {
	case errors.Is(err, pledges.ErrInvalidLink):
		return http.StatusForbidden, errorResponse{Error: err.Error()}
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, errorResponse{Error: "Please correct the highlighted fields.", Fields: verr.Fields}
	case errors.As(err, &cerr):
		return http.StatusConflict, errorResponse{
			Error:  cerr.Error(),
			Fields: []pledges.FieldError{{Field: cerr.Field, Code: "conflict", Message: cerr.Error()}},
		}
	case errors.Is(err, pledges.ErrAddressNotRecognized):
		return http.StatusBadRequest, errorResponse{Error: addressNotRecognizedMessage}
	case errors.As(err, &derr):
		return http.StatusServiceUnavailable, errorResponse{Error: "A service we depend on is unavailable, please try again."}
	case errors.Is(err, pledges.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: "not found"}
	case errors.Is(err, pledges.ErrSweepInProgress):
		return http.StatusConflict, errorResponse{Error: err.Error()}
	}
	return http.StatusInternalServerError, errorResponse{Error: "internal server error"}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		a.logger.DebugContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pysugar/session-mux/internal/auth/token"
	"github.com/pysugar/session-mux/internal/logging"
	"github.com/pysugar/session-mux/internal/session"
	"github.com/pysugar/session-mux/internal/store"
)

// maxBodySize caps request bodies on every surface.
const maxBodySize = 64 << 20

// GetOrGenerateRequestID retrieves X-Request-ID from header or generates a new one.
// Format: "hook-{id}" if generated.
func GetOrGenerateRequestID(r *http.Request) string {
	if requestID := r.Header.Get(logging.RequestIDHeader); requestID != "" {
		return requestID
	}
	return "hook-" + logging.GenerateRequestID()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	var verr *session.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAccountBanned), errors.Is(err, token.ErrRefreshInProgress):
		return http.StatusConflict
	case errors.Is(err, token.ErrRefreshFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

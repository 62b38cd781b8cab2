package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pysugar/session-mux/internal/auth/token"
	"github.com/pysugar/session-mux/internal/session"
	"github.com/pysugar/session-mux/internal/store"
)

func TestGetOrGenerateRequestID_WithHeader(t *testing.T) {
	req := httptest.NewRequest("POST", "/hooks/request", nil)
	req.Header.Set("X-Request-ID", "client-provided-id")

	result := GetOrGenerateRequestID(req)
	if result != "client-provided-id" {
		t.Errorf("Expected 'client-provided-id', got '%s'", result)
	}
}

func TestGetOrGenerateRequestID_GenerateNew(t *testing.T) {
	req := httptest.NewRequest("POST", "/hooks/request", nil)

	result := GetOrGenerateRequestID(req)
	if !strings.HasPrefix(result, "hook-") || len(result) != len("hook-")+8 {
		t.Errorf("Expected 'hook-' and 8 hex chars, got '%s'", result)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&session.ValidationError{Field: "email", Reason: "is required"}, http.StatusBadRequest},
		{fmt.Errorf("get: %w", store.ErrAccountNotFound), http.StatusNotFound},
		{fmt.Errorf("activate: %w", store.ErrAccountBanned), http.StatusConflict},
		{token.ErrRefreshInProgress, http.StatusConflict},
		{&token.RefreshFailedError{Email: "a@x", Cause: errors.New("boom")}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

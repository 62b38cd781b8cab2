package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/pysugar/session-mux/internal/session"
	"github.com/pysugar/session-mux/internal/version"
)

// AddAccountHandler handles POST /add-account from the browser extension.
func AddAccountHandler(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read request body")
			return
		}

		email, err := coord.Ingest(r.Context(), body)
		if err != nil {
			status := statusForError(err)
			var verr *session.ValidationError
			if errors.As(err, &verr) {
				log.Printf("❌ Bridge: rejected account payload: %v", err)
			} else {
				log.Printf("❌ Bridge: failed to add account: %v", err)
			}
			writeError(w, status, err.Error())
			return
		}

		log.Printf("✅ Bridge: account added - %s", email)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Account added",
			"email":   email,
		})
	}
}

// SetupBridgeHandler handles POST /setup-bridge, the extension's handshake.
func SetupBridgeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExtensionID string `json:"extensionId"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, "Invalid JSON data")
				return
			}
		}
		if req.ExtensionID != "" {
			log.Printf("🔗 Bridge: extension connected - ID: %s", req.ExtensionID)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":        true,
			"message":        "Bridge setup successful",
			"server_version": version.Version,
		})
	}
}

// HealthHandler handles GET /health.
func HealthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"service":   service,
			"timestamp": time.Now().Unix(),
		})
	}
}

package handlers

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/session-mux/internal/db/models"
	"github.com/pysugar/session-mux/internal/session"
	"github.com/pysugar/session-mux/internal/util"
	"github.com/pysugar/session-mux/internal/version"
)

// AccountView is the admin representation of an account. Credentials are masked.
type AccountView struct {
	Email         string        `json:"email"`
	Health        models.Health `json:"health"`
	LimitSnapshot string        `json:"limit_snapshot"`
	ExpiresAt     time.Time     `json:"expires_at"`
	IsValid       bool          `json:"is_valid"`
	IsActive      bool          `json:"is_active"`
	AccessToken   string        `json:"access_token"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AccountsAPIHandler handles GET /api/accounts
func AccountsAPIHandler(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		accounts, err := coord.Store().List(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		active, _, err := coord.Store().GetActive(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		now := time.Now()
		views := make([]AccountView, 0, len(accounts))
		for _, acc := range accounts {
			expiry := acc.Bundle().Expiry()
			views = append(views, AccountView{
				Email:         acc.Email,
				Health:        acc.Health,
				LimitSnapshot: acc.LimitSnapshot,
				ExpiresAt:     expiry,
				IsValid:       expiry.After(now),
				IsActive:      acc.Email == active,
				AccessToken:   util.MaskToken(acc.AccessToken),
				UpdatedAt:     acc.UpdatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accounts": views,
			"count":    len(views),
			"active":   active,
		})
	}
}

// ActivateAccountHandler handles POST /api/accounts/{email}/activate
func ActivateAccountHandler(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		if err := coord.Activate(r.Context(), email); err != nil {
			log.Printf("❌ Failed to activate %s: %v", email, err)
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "active": email})
	}
}

// DeactivateHandler handles POST /api/accounts/deactivate
func DeactivateHandler(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := coord.Deactivate(r.Context()); err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// RefreshAccountHandler handles POST /api/accounts/{email}/refresh
func RefreshAccountHandler(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		expiry, err := coord.Refresh(r.Context(), email)
		if err != nil {
			log.Printf("❌ Failed to refresh account %s: %v", email, err)
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "expires_at": expiry})
	}
}

// DeleteAccountHandler handles DELETE /api/accounts/{email}
func DeleteAccountHandler(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		if err := coord.Delete(r.Context(), email); err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// SweepHandler handles POST /api/sweep and runs one sweep synchronously.
func SweepHandler(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := coord.PeriodicSweep(r.Context())
		writeJSON(w, http.StatusOK, report)
	}
}

// BansHandler handles GET /api/bans
func BansHandler(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var (
			notices []models.BanNotice
			err     error
		)
		if r.URL.Query().Get("pending") == "true" {
			notices, err = coord.Store().PendingBanNotices(ctx)
		} else {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			notices, err = coord.Store().ListBanNotices(ctx, limit)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if notices == nil {
			notices = []models.BanNotice{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"bans":  notices,
			"count": len(notices),
		})
	}
}

// AckBanHandler handles POST /api/bans/{id}/ack
func AckBanHandler(coord *session.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid notice id")
			return
		}
		if err := coord.Store().AckBanNotice(r.Context(), uint(id)); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// VersionHandler handles GET /api/version
func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version.Version,
			"commit":     version.Commit,
			"build_time": version.BuildTime,
		})
	}
}

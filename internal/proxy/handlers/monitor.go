package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pysugar/session-mux/internal/proxy/monitor"
)

// GetHookLogsHandler returns recent adapter decisions
func GetHookLogsHandler(hm *monitor.HookMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
			}
		}
		since, _ := strconv.Atoi(r.URL.Query().Get("since_minutes"))

		logs := hm.GetLogs(limit, since)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"logs":  logs,
			"count": len(logs),
		})
	}
}

// GetHookStatsHandler returns aggregated decision counters
func GetHookStatsHandler(hm *monitor.HookMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := hm.GetStats()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

// ClearHookLogsHandler clears all decision logs
func ClearHookLogsHandler(hm *monitor.HookMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := hm.Clear(); err != nil {
			http.Error(w, "Failed to clear logs: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pysugar/session-mux/internal/logging"
	"github.com/pysugar/session-mux/internal/proxy/hooks"
	"github.com/pysugar/session-mux/internal/util"
)

// FlowAdapter is the decision surface the hook RPC exposes.
type FlowAdapter interface {
	OnRequest(ctx context.Context, f *hooks.Flow) hooks.RequestDecision
	OnResponse(ctx context.Context, f *hooks.Flow) hooks.ResponseDecision
	Stream(f *hooks.Flow) bool
}

// HookRequestResponse is returned by POST /hooks/request.
type HookRequestResponse struct {
	Flow     *hooks.Flow           `json:"flow"`
	Decision hooks.RequestDecision `json:"decision"`
}

// HookResponseResponse is returned by POST /hooks/response.
type HookResponseResponse struct {
	Flow     *hooks.Flow            `json:"flow"`
	Decision hooks.ResponseDecision `json:"decision"`
}

func decodeFlow(w http.ResponseWriter, r *http.Request) (*hooks.Flow, context.Context, bool) {
	var f hooks.Flow
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid flow: "+err.Error())
		return nil, nil, false
	}
	if f.Host == "" {
		writeError(w, http.StatusBadRequest, "invalid flow: host is required")
		return nil, nil, false
	}
	ctx := logging.WithRequestID(r.Context(), GetOrGenerateRequestID(r))
	return &f, ctx, true
}

// HookRequestHandler handles POST /hooks/request
func HookRequestHandler(adapter FlowAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ctx, ok := decodeFlow(w, r)
		if !ok {
			return
		}
		d := adapter.OnRequest(ctx, f)
		if util.IsVerbose() {
			logging.Printf(ctx, "request %s %s%s -> %s", f.Method, f.Host, f.Path, d.Action)
		}
		writeJSON(w, http.StatusOK, HookRequestResponse{Flow: f, Decision: d})
	}
}

// HookResponseHandler handles POST /hooks/response
func HookResponseHandler(adapter FlowAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, ctx, ok := decodeFlow(w, r)
		if !ok {
			return
		}
		d := adapter.OnResponse(ctx, f)
		if util.IsVerbose() || d.Error != "" {
			logging.Printf(ctx, "response %d %s%s -> %s %s", f.StatusCode, f.Host, f.Path, d.Action, d.Error)
		}
		writeJSON(w, http.StatusOK, HookResponseResponse{Flow: f, Decision: d})
	}
}

// HookResponseHeadersHandler handles POST /hooks/responseheaders and tells
// the engine whether to stream the body instead of buffering it.
func HookResponseHeadersHandler(adapter FlowAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, _, ok := decodeFlow(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"stream": adapter.Stream(f)})
	}
}

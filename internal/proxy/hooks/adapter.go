package hooks

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pysugar/session-mux/internal/auth/token"
	"github.com/pysugar/session-mux/internal/config"
	"github.com/pysugar/session-mux/internal/db/models"
	"github.com/pysugar/session-mux/internal/health"
	"github.com/pysugar/session-mux/internal/signal"
	"github.com/pysugar/session-mux/internal/upstream"
	"github.com/pysugar/session-mux/internal/util"
)

// DefaultReloadInterval is how often the snapshot is re-read even without a
// signal change, so refreshed tokens written by the controller are picked up.
const DefaultReloadInterval = time.Minute

// ActiveSource loads the account behind the active pointer.
type ActiveSource interface {
	GetActiveAccount(ctx context.Context) (*models.Account, error)
}

// Refresher performs an on-demand credential refresh.
type Refresher interface {
	Refresh(ctx context.Context, email string) (time.Time, error)
}

// Banner marks an account banned.
type Banner interface {
	Ban(ctx context.Context, email string) (health.Transition, error)
}

// PayloadCache serves the captured bulk-read payload.
type PayloadCache interface {
	Payload() *models.CapturedPayload
	Reload(ctx context.Context) error
}

// Recorder receives one entry per decision.
type Recorder interface {
	Record(entry models.HookLog)
}

// Options configures an Adapter.
type Options struct {
	Surface config.Surface
	// FailOpen lets requests through unmodified when no account is active.
	// When false they are answered with 503.
	FailOpen       bool
	ReloadInterval time.Duration
	MarkerHeader   string
}

// Deps are the collaborators an Adapter calls into. Payloads and Recorder may be nil.
type Deps struct {
	Active    ActiveSource
	Watcher   *signal.Watcher
	Refresher Refresher
	Banner    Banner
	Payloads  PayloadCache
	Recorder  Recorder
}

// snapshot is the adapter's cached view of the active account.
type snapshot struct {
	email    string
	token    string
	expiry   time.Time
	loadedAt time.Time
}

func (s *snapshot) active() bool {
	return s != nil && s.email != "" && s.token != ""
}

// Adapter rewrites intercepted flows for the active account. Readers use the
// cached snapshot and never block on a reload in progress.
type Adapter struct {
	opts Options
	deps Deps

	cur    atomic.Pointer[snapshot]
	loadMu sync.Mutex

	now func() time.Time
}

// NewAdapter creates an adapter. The snapshot is loaded on first use.
func NewAdapter(opts Options, deps Deps) *Adapter {
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = DefaultReloadInterval
	}
	if opts.MarkerHeader == "" {
		opts.MarkerHeader = upstream.DefaultMarkerHeader
	}
	return &Adapter{opts: opts, deps: deps, now: time.Now}
}

// ActiveEmail returns the email of the cached snapshot, if any.
func (a *Adapter) ActiveEmail() string {
	if s := a.cur.Load(); s.active() {
		return s.email
	}
	return ""
}

// OnRequest inspects a request before it is forwarded and mutates f in place.
func (a *Adapter) OnRequest(ctx context.Context, f *Flow) RequestDecision {
	start := a.now()
	d := a.onRequest(ctx, f)
	a.record("request", f, string(d.Action), d.Email, "", start)
	return d
}

func (a *Adapter) onRequest(ctx context.Context, f *Flow) RequestDecision {
	s := a.opts.Surface
	if a.isSelfIssued(f) {
		return RequestDecision{Action: ActionSkipSelf}
	}
	if s.Blocks(f.Host) {
		log.Printf("🚫 Blocked telemetry request: %s%s", f.Host, f.Path)
		return RequestDecision{
			Action: ActionBlock,
			Synthetic: &SyntheticResponse{
				StatusCode: http.StatusNoContent,
				Header:     http.Header{"Content-Type": []string{"text/plain"}},
			},
		}
	}
	if !s.AllowsHost(f.Host) {
		return RequestDecision{Action: ActionIgnore}
	}

	if a.deps.Payloads != nil && s.CaptureTrigger.Matches(f.Method, f.Path) {
		if err := a.deps.Payloads.Reload(ctx); err != nil {
			log.Printf("⚠️ Failed to reload captured payload: %v", err)
		}
	}

	snap := a.ensureFresh(ctx)
	if !snap.active() {
		if !a.opts.FailOpen {
			return RequestDecision{
				Action: ActionReject,
				Synthetic: &SyntheticResponse{
					StatusCode: http.StatusServiceUnavailable,
					Header:     http.Header{"Content-Type": []string{"application/json"}},
					Body:       []byte(`{"error":"no active account"}`),
				},
			}
		}
		if util.IsVerbose() {
			log.Printf("❓ No active account, passing %s%s through", f.Host, f.Path)
		}
		return RequestDecision{Action: ActionPassthrough}
	}

	h := f.requestHeader()
	h.Set(s.AuthHeader, "Bearer "+snap.token)
	for _, name := range s.RequestIDHeaders {
		if v := h.Get(name); v != "" {
			h.Set(name, RegenerateID(v))
		}
	}
	if util.IsVerbose() {
		log.Printf("🔑 %s %s%s as %s (token: %s)", f.Method, f.Host, f.Path, snap.email, util.MaskToken(snap.token))
	}
	return RequestDecision{Action: ActionRewrite, Email: snap.email}
}

// OnResponse inspects an upstream response and mutates f in place.
func (a *Adapter) OnResponse(ctx context.Context, f *Flow) ResponseDecision {
	start := a.now()
	d := a.onResponse(ctx, f)
	a.record("response", f, string(d.Action), d.Email, d.Error, start)
	return d
}

func (a *Adapter) onResponse(ctx context.Context, f *Flow) ResponseDecision {
	s := a.opts.Surface
	if a.isSelfIssued(f) {
		return ResponseDecision{Action: ActionSkipSelf}
	}
	if !s.AllowsHost(f.Host) {
		return ResponseDecision{Action: ActionIgnore}
	}

	snap := a.cur.Load()
	email := ""
	if snap.active() {
		email = snap.email
	}

	switch {
	case f.StatusCode == http.StatusForbidden && s.Protected(f.Path):
		if email == "" {
			log.Printf("⛔ 403 on %s but no active account to ban", f.Path)
			return ResponseDecision{Action: ActionPassthrough}
		}
		log.Printf("⛔ 403 on %s: marking %s banned", f.Path, email)
		d := ResponseDecision{Action: ActionBan, Email: email}
		a.loadMu.Lock()
		defer a.loadMu.Unlock()
		// no request may carry the banned token once this returns
		a.cur.Store(&snapshot{loadedAt: a.now()})
		if _, err := a.deps.Banner.Ban(ctx, email); err != nil {
			log.Printf("❌ Failed to ban %s: %v", email, err)
			d.Error = err.Error()
		}
		a.reloadLocked(ctx)
		return d

	case f.StatusCode == http.StatusUnauthorized:
		if email == "" {
			return ResponseDecision{Action: ActionPassthrough}
		}
		log.Printf("🔄 401 from %s, refreshing %s", f.Host, email)
		d := ResponseDecision{Action: ActionRefresh, Email: email}
		if _, err := a.deps.Refresher.Refresh(ctx, email); err != nil && !errors.Is(err, token.ErrRefreshInProgress) {
			log.Printf("❌ On-demand refresh failed for %s: %v", email, err)
			d.Error = err.Error()
		}
		a.forceReload(ctx)
		return d

	case f.StatusCode == http.StatusOK && s.BulkRead.Matches(f.Method, f.Path):
		if a.deps.Payloads == nil {
			return ResponseDecision{Action: ActionPassthrough, Email: email}
		}
		p := a.deps.Payloads.Payload()
		if p == nil {
			return ResponseDecision{Action: ActionPassthrough, Email: email}
		}
		contentType := p.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		f.ResponseBody = append([]byte(nil), p.Body...)
		h := f.responseHeader()
		h.Set("Content-Length", strconv.Itoa(len(f.ResponseBody)))
		h.Set("Content-Type", contentType)
		h.Del("Content-Encoding")
		log.Printf("📦 Substituted bulk-read response (%d bytes)", len(f.ResponseBody))
		return ResponseDecision{Action: ActionSubstitute, Email: email}
	}
	return ResponseDecision{Action: ActionPassthrough, Email: email}
}

// Stream reports whether the response to f should be streamed to the client
// rather than buffered for OnResponse.
func (a *Adapter) Stream(f *Flow) bool {
	return a.opts.Surface.AllowsHost(f.Host) && a.opts.Surface.Protected(f.Path)
}

// isSelfIssued matches traffic the controller itself sends upstream.
func (a *Adapter) isSelfIssued(f *Flow) bool {
	if f.RequestHeader == nil {
		return false
	}
	if f.RequestHeader.Get(a.opts.MarkerHeader) == "true" {
		return true
	}
	s := a.opts.Surface
	return s.IsIssuer(f.Host) && s.MarkerUserAgent != "" && f.RequestHeader.Get("User-Agent") == s.MarkerUserAgent
}

// ensureFresh returns the snapshot to use, reloading it first when the switch
// signal moved or the periodic interval elapsed. Only the cold start waits for
// a load; otherwise a reload in progress elsewhere is not waited for.
func (a *Adapter) ensureFresh(ctx context.Context) *snapshot {
	snap := a.cur.Load()
	stale, marker, err := a.deps.Watcher.Stale(ctx)
	if err != nil {
		log.Printf("⚠️ Failed to read switch signal: %v", err)
		stale = false
	}
	due := snap == nil || a.now().Sub(snap.loadedAt) >= a.opts.ReloadInterval
	if !stale && !due {
		return snap
	}

	if snap == nil {
		a.loadMu.Lock()
	} else if !a.loadMu.TryLock() {
		return snap
	}
	defer a.loadMu.Unlock()

	if cur := a.cur.Load(); snap == nil && cur != nil {
		return cur
	}
	return a.reload(ctx, stale, marker)
}

// forceReload re-reads the active account, waiting for any reload in progress.
func (a *Adapter) forceReload(ctx context.Context) {
	a.loadMu.Lock()
	defer a.loadMu.Unlock()
	a.reloadLocked(ctx)
}

func (a *Adapter) reloadLocked(ctx context.Context) {
	_, marker, err := a.deps.Watcher.Stale(ctx)
	a.reload(ctx, err == nil, marker)
}

// reload must be called with loadMu held. The marker is read before the
// account so a switch racing the load is seen on the next poll.
func (a *Adapter) reload(ctx context.Context, consume bool, marker int64) *snapshot {
	acc, err := a.deps.Active.GetActiveAccount(ctx)
	if err != nil {
		log.Printf("⚠️ Failed to load active account: %v", err)
		prev := a.cur.Load()
		if prev == nil {
			prev = &snapshot{}
		}
		// keep serving the previous state; retry after the next interval
		next := *prev
		next.loadedAt = a.now()
		a.cur.Store(&next)
		return &next
	}

	next := &snapshot{loadedAt: a.now()}
	if acc != nil {
		next.email = acc.Email
		next.token = acc.AccessToken
		next.expiry = acc.Bundle().Expiry()
	}
	prev := a.cur.Swap(next)
	if consume {
		a.deps.Watcher.Consume(marker)
	}
	if prev == nil || prev.email != next.email {
		if next.email == "" {
			log.Printf("📧 No active account")
		} else {
			log.Printf("📧 Active account: %s (expires: %s)", next.email, next.expiry.Format(time.RFC3339))
		}
	}
	return next
}

// maxRecordedPath caps the request path stored in a hook log row.
const maxRecordedPath = 512

func (a *Adapter) record(phase string, f *Flow, action, email, errText string, start time.Time) {
	if a.deps.Recorder == nil || action == string(ActionIgnore) {
		return
	}
	a.deps.Recorder.Record(models.HookLog{
		Timestamp: start.UnixMilli(),
		Phase:     phase,
		Method:    f.Method,
		Host:      f.Host,
		Path:      util.TruncateLog(f.Path, maxRecordedPath),
		Status:    f.StatusCode,
		Action:    action,
		Email:     email,
		Duration:  a.now().Sub(start).Microseconds(),
		Error:     errText,
	})
}

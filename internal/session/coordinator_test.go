package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/session-mux/internal/auth/token"
	"github.com/pysugar/session-mux/internal/db/dbtest"
	"github.com/pysugar/session-mux/internal/db/models"
	"github.com/pysugar/session-mux/internal/health"
	"github.com/pysugar/session-mux/internal/signal"
	"github.com/pysugar/session-mux/internal/store"
	"github.com/pysugar/session-mux/internal/upstream"
)

type fakeProber struct {
	usage upstream.Usage
	err   error
	calls atomic.Int32
}

func (p *fakeProber) ProbeUsage(ctx context.Context, accessToken string) (upstream.Usage, error) {
	p.calls.Add(1)
	return p.usage, p.err
}

type fakeCapturer struct {
	mu     sync.Mutex
	emails []string
}

func (c *fakeCapturer) EnsureCaptured(ctx context.Context, acc *models.Account) error {
	c.mu.Lock()
	c.emails = append(c.emails, acc.Email)
	c.mu.Unlock()
	return nil
}

type env struct {
	ctx      context.Context
	store    *store.Store
	signal   signal.Signal
	coord    *Coordinator
	prober   *fakeProber
	capturer *fakeCapturer
	issued   *atomic.Int32
	failing  *atomic.Bool
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ctx:      context.Background(),
		prober:   &fakeProber{usage: upstream.Usage{Used: 5, Limit: 100}},
		capturer: &fakeCapturer{},
		issued:   &atomic.Int32{},
		failing:  &atomic.Bool{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.issued.Add(1)
		if e.failing.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"fresh-%s","expires_in":"3600","token_type":"Bearer"}`, r.FormValue("refresh_token"))
	}))
	t.Cleanup(srv.Close)

	database := dbtest.New(t)
	e.store = store.New(database)
	e.signal = signal.NewDBSignal(database)
	machine := health.NewMachine(e.store, e.signal)
	manager := token.NewManager(e.store, machine, token.Config{TokenURL: srv.URL, Timeout: 5 * time.Second})
	e.coord = New(Deps{
		Store:     e.store,
		Refresher: manager,
		Health:    machine,
		Signal:    e.signal,
		Prober:    e.prober,
		Capturer:  e.capturer,
	}, Options{})
	return e
}

func (e *env) seed(t *testing.T, email string, expiry time.Time) {
	t.Helper()
	b := models.Bundle{AccessToken: "tok-" + email, RefreshToken: "rt-" + email, ExpiryMs: expiry.UnixMilli(), IssuerAPIKey: "k"}
	if err := e.store.Upsert(e.ctx, email, b, nil); err != nil {
		t.Fatalf("seed %s: %v", email, err)
	}
}

func (e *env) marker(t *testing.T) int64 {
	t.Helper()
	v, err := e.signal.Current(e.ctx)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestActivate_RefreshesExpiredAccountFirst(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(-time.Second))
	before := e.marker(t)

	if err := e.coord.Activate(e.ctx, "a@x.com"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	acc, _ := e.store.Get(e.ctx, "a@x.com")
	if !acc.Bundle().Expiry().After(time.Now()) {
		t.Errorf("expiry %s not in the future", acc.Bundle().Expiry())
	}
	if acc.AccessToken != "fresh-rt-a@x.com" {
		t.Errorf("access token = %s", acc.AccessToken)
	}
	if active, ok, _ := e.store.GetActive(e.ctx); !ok || active != "a@x.com" {
		t.Errorf("active = %q, %v", active, ok)
	}
	if e.marker(t) <= before {
		t.Error("signal not bumped")
	}
	if len(e.capturer.emails) != 1 || e.capturer.emails[0] != "a@x.com" {
		t.Errorf("capture calls = %v", e.capturer.emails)
	}
}

func TestActivate_ValidAccountSkipsRefresh(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(time.Hour))
	if err := e.coord.Activate(e.ctx, "a@x.com"); err != nil {
		t.Fatal(err)
	}
	if e.issued.Load() != 0 {
		t.Errorf("issuer calls = %d, want 0", e.issued.Load())
	}
}

func TestActivate_RejectsBannedRegardlessOfExpiry(t *testing.T) {
	for name, expiry := range map[string]time.Time{
		"valid":   time.Now().Add(time.Hour),
		"expired": time.Now().Add(-time.Hour),
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			e.seed(t, "a@x.com", expiry)
			e.seed(t, "b@x.com", time.Now().Add(time.Hour))
			if err := e.coord.Activate(e.ctx, "b@x.com"); err != nil {
				t.Fatal(err)
			}
			if _, err := e.coord.Ban(e.ctx, "a@x.com"); err != nil {
				t.Fatal(err)
			}
			before := e.marker(t)

			err := e.coord.Activate(e.ctx, "a@x.com")
			if !errors.Is(err, store.ErrAccountBanned) {
				t.Fatalf("err = %v, want ErrAccountBanned", err)
			}
			if e.issued.Load() != 0 {
				t.Error("banned account must not be refreshed")
			}
			if active, _, _ := e.store.GetActive(e.ctx); active != "b@x.com" {
				t.Errorf("active changed to %q", active)
			}
			if e.marker(t) != before {
				t.Error("signal bumped on rejected activation")
			}
		})
	}
}

func TestActivate_RefreshFailureLeavesPointer(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(-time.Minute))
	e.failing.Store(true)

	err := e.coord.Activate(e.ctx, "a@x.com")
	if !errors.Is(err, token.ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}
	if _, ok, _ := e.store.GetActive(e.ctx); ok {
		t.Error("pointer set despite failed refresh")
	}
	acc, _ := e.store.Get(e.ctx, "a@x.com")
	if acc.Health != models.HealthUnhealthy {
		t.Errorf("health = %s, want unhealthy", acc.Health)
	}
}

// stubRefresher reports a refresh already running elsewhere, then lets the
// test decide how that refresh ends.
type stubRefresher struct {
	calls   atomic.Int32
	onFirst func()
	second  error
}

func (r *stubRefresher) Refresh(ctx context.Context, email string) (time.Time, error) {
	if r.calls.Add(1) == 1 {
		go r.onFirst()
		return time.Time{}, token.ErrRefreshInProgress
	}
	return time.Time{}, r.second
}

func (r *stubRefresher) RefreshIfDue(ctx context.Context, email string, buffer time.Duration) (bool, error) {
	return false, nil
}

func newStubCoordinator(t *testing.T, r *stubRefresher) (*Coordinator, *store.Store) {
	t.Helper()
	database := dbtest.New(t)
	s := store.New(database)
	sig := signal.NewDBSignal(database)
	c := New(Deps{Store: s, Refresher: r, Health: health.NewMachine(s, sig), Signal: sig}, Options{})
	return c, s
}

func TestActivate_WaitsForRefreshInFlight(t *testing.T) {
	r := &stubRefresher{}
	c, s := newStubCoordinator(t, r)
	ctx := context.Background()
	b := models.Bundle{AccessToken: "old", RefreshToken: "rt", ExpiryMs: time.Now().Add(-time.Second).UnixMilli()}
	if err := s.Upsert(ctx, "a@x.com", b, nil); err != nil {
		t.Fatal(err)
	}
	r.onFirst = func() {
		time.Sleep(300 * time.Millisecond)
		fresh := models.Bundle{AccessToken: "landed", RefreshToken: "rt", ExpiryMs: time.Now().Add(time.Hour).UnixMilli()}
		if err := s.UpdateBundle(context.Background(), "a@x.com", fresh); err != nil {
			t.Errorf("update bundle: %v", err)
		}
	}

	if err := c.Activate(ctx, "a@x.com"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if r.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", r.calls.Load())
	}
	active, _ := s.GetActiveAccount(ctx)
	if active == nil || active.AccessToken != "landed" {
		t.Fatalf("active = %+v", active)
	}
}

func TestActivate_GivesUpWhenRefreshInFlightFails(t *testing.T) {
	r := &stubRefresher{second: &token.RefreshFailedError{Email: "a@x.com", Cause: errors.New("invalid_grant")}}
	c, s := newStubCoordinator(t, r)
	ctx := context.Background()
	b := models.Bundle{AccessToken: "old", RefreshToken: "rt", ExpiryMs: time.Now().Add(-time.Second).UnixMilli()}
	if err := s.Upsert(ctx, "a@x.com", b, nil); err != nil {
		t.Fatal(err)
	}
	r.onFirst = func() {
		time.Sleep(300 * time.Millisecond)
		if err := s.SetHealth(context.Background(), "a@x.com", models.HealthUnhealthy); err != nil {
			t.Errorf("set health: %v", err)
		}
	}

	err := c.Activate(ctx, "a@x.com")
	if !errors.Is(err, token.ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if r.calls.Load() != 2 {
		t.Errorf("refresh calls = %d, want 2", r.calls.Load())
	}
	if _, ok, _ := s.GetActive(ctx); ok {
		t.Error("pointer set after a failed refresh")
	}
}

func TestActivate_UnknownAccount(t *testing.T) {
	e := newEnv(t)
	if err := e.coord.Activate(e.ctx, "nobody@x.com"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestBanActiveAccount(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "b@x.com", time.Now().Add(time.Hour))
	e.seed(t, "c@x.com", time.Now().Add(time.Hour))
	if err := e.coord.Activate(e.ctx, "b@x.com"); err != nil {
		t.Fatal(err)
	}
	before := e.marker(t)

	if _, err := e.coord.Ban(e.ctx, "b@x.com"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := e.store.GetActive(e.ctx); ok {
		t.Error("active pointer should be cleared")
	}
	b, _ := e.store.Get(e.ctx, "b@x.com")
	if b.Health != models.HealthBanned {
		t.Errorf("b health = %s", b.Health)
	}
	c, _ := e.store.Get(e.ctx, "c@x.com")
	if c.Health != models.HealthHealthy {
		t.Errorf("c health = %s", c.Health)
	}
	if e.marker(t) <= before {
		t.Error("signal not bumped")
	}
}

func TestDeactivate(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(time.Hour))
	e.coord.Activate(e.ctx, "a@x.com")
	before := e.marker(t)

	if err := e.coord.Deactivate(e.ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := e.store.GetActive(e.ctx); ok {
		t.Error("pointer still set")
	}
	if e.marker(t) <= before {
		t.Error("signal not bumped")
	}
}

func TestDelete_ActiveAccountClearsPointer(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(time.Hour))
	e.seed(t, "b@x.com", time.Now().Add(time.Hour))
	e.coord.Activate(e.ctx, "a@x.com")
	before := e.marker(t)

	if err := e.coord.Delete(e.ctx, "b@x.com"); err != nil {
		t.Fatal(err)
	}
	if e.marker(t) != before {
		t.Error("deleting an inactive account should not bump")
	}
	if err := e.coord.Delete(e.ctx, "a@x.com"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := e.store.GetActive(e.ctx); ok {
		t.Error("pointer still set")
	}
	if e.marker(t) <= before {
		t.Error("signal not bumped")
	}
	if err := e.coord.Delete(e.ctx, "a@x.com"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestRefresh_Manual(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(time.Hour))
	exp, err := e.coord.Refresh(e.ctx, "a@x.com")
	if err != nil {
		t.Fatal(err)
	}
	if !exp.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("expiry = %s", exp)
	}
	if e.issued.Load() != 1 {
		t.Errorf("issuer calls = %d", e.issued.Load())
	}
}

func TestIngest(t *testing.T) {
	e := newEnv(t)
	email, err := e.coord.Ingest(e.ctx, []byte(`{
		"email": "New@X.com",
		"apiKey": "key-1",
		"stsTokenManager": {"accessToken": "at", "refreshToken": "rt", "expirationTime": 1893456000000}
	}`))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if email != "new@x.com" {
		t.Errorf("email = %s", email)
	}
	acc, err := e.store.Get(e.ctx, email)
	if err != nil {
		t.Fatal(err)
	}
	if acc.AccessToken != "at" || acc.RefreshToken != "rt" || acc.IssuerAPIKey != "key-1" || acc.ExpiryMs != 1893456000000 {
		t.Errorf("stored = %+v", acc)
	}
	if acc.Health != models.HealthHealthy || acc.LimitSnapshot != models.DefaultLimitSnapshot {
		t.Errorf("defaults = %s / %s", acc.Health, acc.LimitSnapshot)
	}
}

func TestIngest_SubmittedCasingStillAddressesAccount(t *testing.T) {
	e := newEnv(t)
	payload := fmt.Sprintf(`{"email":"Mixed@X.com","stsTokenManager":{"accessToken":"at","refreshToken":"rt","expirationTime":%d}}`,
		time.Now().Add(5*time.Minute).UnixMilli())
	if _, err := e.coord.Ingest(e.ctx, []byte(payload)); err != nil {
		t.Fatal(err)
	}
	if err := e.coord.Activate(e.ctx, "Mixed@X.com"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := e.coord.Refresh(e.ctx, "Mixed@X.com"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := e.coord.Delete(e.ctx, "Mixed@X.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := e.store.GetActive(e.ctx); ok {
		t.Error("deleting the active account left the pointer set")
	}
}

func TestIngest_ExpiryFromAccessToken(t *testing.T) {
	e := newEnv(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	at, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	payload := fmt.Sprintf(`{"email":"j@x.com","stsTokenManager":{"accessToken":%q,"refreshToken":"rt"}}`, at)
	if _, err := e.coord.Ingest(e.ctx, []byte(payload)); err != nil {
		t.Fatal(err)
	}
	acc, _ := e.store.Get(e.ctx, "j@x.com")
	if acc.ExpiryMs != exp.UnixMilli() {
		t.Errorf("expiry = %d, want %d", acc.ExpiryMs, exp.UnixMilli())
	}
}

func TestIngest_Validation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{name: "empty", payload: ``},
		{name: "not json", payload: `{email`},
		{name: "no email", payload: `{"stsTokenManager":{"accessToken":"a","refreshToken":"r"}}`, field: "email"},
		{name: "bad email", payload: `{"email":"nope","stsTokenManager":{"accessToken":"a","refreshToken":"r"}}`, field: "email"},
		{name: "no bundle", payload: `{"email":"a@x.com"}`, field: "stsTokenManager"},
		{name: "no access token", payload: `{"email":"a@x.com","stsTokenManager":{"refreshToken":"r"}}`, field: "stsTokenManager.accessToken"},
		{name: "no refresh token", payload: `{"email":"a@x.com","stsTokenManager":{"accessToken":"a"}}`, field: "stsTokenManager.refreshToken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.coord.Ingest(e.ctx, []byte(tt.payload))
			var verr *ValidationError
			if !errors.As(err, &verr) || !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
			if list, _ := e.store.List(e.ctx); len(list) != 0 {
				t.Errorf("persisted %d accounts", len(list))
			}
		})
	}
}

func TestIngest_BannedStaysBanned(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(time.Hour))
	e.coord.Ban(e.ctx, "a@x.com")

	_, err := e.coord.Ingest(e.ctx, []byte(`{"email":"a@x.com","stsTokenManager":{"accessToken":"new","refreshToken":"r","expirationTime":1893456000000}}`))
	if err != nil {
		t.Fatal(err)
	}
	acc, _ := e.store.Get(e.ctx, "a@x.com")
	if acc.Health != models.HealthBanned {
		t.Errorf("health = %s, want banned", acc.Health)
	}
	if acc.AccessToken != "new" {
		t.Errorf("bundle not replaced: %s", acc.AccessToken)
	}
}

func TestPeriodicSweep(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "due@x.com", time.Now().Add(30*time.Second))
	e.seed(t, "fresh@x.com", time.Now().Add(time.Hour))
	e.seed(t, "banned@x.com", time.Now().Add(-time.Hour))
	e.coord.Ban(e.ctx, "banned@x.com")
	if err := e.coord.Activate(e.ctx, "fresh@x.com"); err != nil {
		t.Fatal(err)
	}

	r := e.coord.PeriodicSweep(e.ctx)
	if r.Checked != 2 {
		t.Errorf("checked = %d, want 2", r.Checked)
	}
	if len(r.Refreshed) != 1 || r.Refreshed[0] != "due@x.com" {
		t.Errorf("refreshed = %v", r.Refreshed)
	}
	if len(r.Failed) != 0 {
		t.Errorf("failed = %v", r.Failed)
	}
	if e.issued.Load() != 1 {
		t.Errorf("issuer calls = %d, want 1", e.issued.Load())
	}
	if r.Active != "fresh@x.com" || r.Usage != "5/100" {
		t.Errorf("active = %s usage = %s", r.Active, r.Usage)
	}
	acc, _ := e.store.Get(e.ctx, "fresh@x.com")
	if acc.LimitSnapshot != "5/100" {
		t.Errorf("snapshot = %s", acc.LimitSnapshot)
	}
	banned, _ := e.store.Get(e.ctx, "banned@x.com")
	if banned.Health != models.HealthBanned {
		t.Errorf("banned account health = %s", banned.Health)
	}
}

func TestPeriodicSweep_FailuresAreRecorded(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(time.Hour))
	e.seed(t, "due@x.com", time.Now().Add(-time.Minute))
	e.coord.Activate(e.ctx, "a@x.com")
	e.store.SetLimitSnapshot(e.ctx, "a@x.com", "1/10")
	e.failing.Store(true)
	e.prober.err = &upstream.ProbeFailedError{Status: http.StatusInternalServerError, Reason: "boom"}

	r := e.coord.PeriodicSweep(e.ctx)
	if _, ok := r.Failed["due@x.com"]; !ok {
		t.Errorf("failed = %v", r.Failed)
	}
	if r.ProbeErr == "" {
		t.Error("usage check error not reported")
	}

	a, _ := e.store.Get(e.ctx, "a@x.com")
	if a.Health != models.HealthUnhealthy {
		t.Errorf("active health = %s, want unhealthy", a.Health)
	}
	if a.LimitSnapshot != "1/10" {
		t.Errorf("snapshot overwritten: %s", a.LimitSnapshot)
	}
	due, _ := e.store.Get(e.ctx, "due@x.com")
	if due.Health != models.HealthUnhealthy {
		t.Errorf("due health = %s, want unhealthy", due.Health)
	}
}

func TestPeriodicSweep_RateLimitedUsageCheckKeepsHealth(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(time.Hour))
	if err := e.coord.Activate(e.ctx, "a@x.com"); err != nil {
		t.Fatal(err)
	}
	e.prober.err = &upstream.ProbeFailedError{Status: http.StatusTooManyRequests, RetryAfter: time.Minute}

	r := e.coord.PeriodicSweep(e.ctx)
	if r.ProbeErr == "" {
		t.Error("usage check error not reported")
	}
	a, _ := e.store.Get(e.ctx, "a@x.com")
	if a.Health != models.HealthHealthy {
		t.Errorf("health = %s, want healthy", a.Health)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "due@x.com", time.Now().Add(-time.Minute))
	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan struct{})
	go func() {
		e.coord.Run(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for e.issued.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first sweep did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestPeriodicSweep_RefreshingActiveAccountBumpsSignal(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(30*time.Second))
	if err := e.coord.Activate(e.ctx, "a@x.com"); err != nil {
		t.Fatal(err)
	}
	before := e.marker(t)

	r := e.coord.PeriodicSweep(e.ctx)
	if len(r.Refreshed) != 1 || r.Refreshed[0] != "a@x.com" {
		t.Fatalf("refreshed = %v", r.Refreshed)
	}
	if e.marker(t) == before {
		t.Error("signal not bumped after the active account was refreshed")
	}
}

func TestPeriodicSweep_RefreshingInactiveAccountKeepsSignal(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "a@x.com", time.Now().Add(time.Hour))
	e.seed(t, "due@x.com", time.Now().Add(30*time.Second))
	if err := e.coord.Activate(e.ctx, "a@x.com"); err != nil {
		t.Fatal(err)
	}
	before := e.marker(t)

	r := e.coord.PeriodicSweep(e.ctx)
	if len(r.Refreshed) != 1 || r.Refreshed[0] != "due@x.com" {
		t.Fatalf("refreshed = %v", r.Refreshed)
	}
	if e.marker(t) != before {
		t.Error("signal bumped for an inactive account")
	}
}

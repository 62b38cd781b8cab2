package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/session-mux/internal/db/models"
	"github.com/pysugar/session-mux/internal/health"
	"github.com/pysugar/session-mux/internal/store"
	"github.com/pysugar/session-mux/internal/upstream"
	"github.com/pysugar/session-mux/internal/util"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultTokenURL is the issuer's refresh-grant endpoint.
	DefaultTokenURL = "https://securetoken.googleapis.com/v1/token"
	// SweepBuffer is how early the periodic sweep refreshes.
	SweepBuffer = time.Minute
	// OnDemandBuffer is used when a caller needs a currently valid token.
	OnDemandBuffer time.Duration = 0
	// DefaultLeaseTTL bounds how long a crashed holder can block refreshes.
	DefaultLeaseTTL = 2 * time.Minute
)

var (
	ErrRefreshFailed     = errors.New("refresh failed")
	ErrRefreshInProgress = errors.New("refresh already in progress")
	errExpiryNotExtended = errors.New("issuer returned a non-increasing expiry")
)

// RefreshFailedError reports a failed exchange for one account.
type RefreshFailedError struct {
	Email string
	Cause error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("refresh failed for %s: %v", e.Email, e.Cause)
}

func (e *RefreshFailedError) Is(target error) bool { return target == ErrRefreshFailed }

func (e *RefreshFailedError) Unwrap() error { return e.Cause }

// Due reports whether acc should be refreshed: now >= expiry - buffer.
func Due(acc models.Account, buffer time.Duration, now time.Time) bool {
	return !now.Before(acc.Bundle().Expiry().Add(-buffer))
}

// HealthApplier receives the outcome of every exchange.
type HealthApplier interface {
	Apply(ctx context.Context, email string, event health.Event) (health.Transition, error)
}

// Config configures the refresh manager.
type Config struct {
	TokenURL   string
	HTTPClient *http.Client
	Timeout    time.Duration
	LeaseTTL   time.Duration
	// Limiter paces issuer calls; nil means unpaced.
	Limiter *rate.Limiter
}

// Manager refreshes credentials, at most one exchange per email at a time.
type Manager struct {
	store  *store.Store
	health HealthApplier
	leases *leaseTable

	tokenURL   string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewManager creates a new refresh manager
func NewManager(s *store.Store, h HealthApplier, cfg Config) *Manager {
	m := &Manager{
		store:      s,
		health:     h,
		tokenURL:   cfg.TokenURL,
		httpClient: cfg.HTTPClient,
		timeout:    cfg.Timeout,
		limiter:    cfg.Limiter,
		inflight:   make(map[string]struct{}),
	}
	if m.tokenURL == "" {
		m.tokenURL = DefaultTokenURL
	}
	if m.timeout <= 0 {
		m.timeout = upstream.DefaultTimeout
	}
	if m.httpClient == nil {
		m.httpClient = upstream.NewHTTPClient(m.timeout, upstream.DefaultMarker())
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	m.leases = &leaseTable{db: s.DB(), holder: uuid.NewString(), ttl: ttl}
	return m
}

// RefreshIfDue refreshes email when Due with buffer. refreshed is false when
// nothing needed doing.
func (m *Manager) RefreshIfDue(ctx context.Context, email string, buffer time.Duration) (refreshed bool, err error) {
	acc, err := m.store.Get(ctx, email)
	if err != nil {
		return false, err
	}
	if !Due(*acc, buffer, time.Now()) {
		return false, nil
	}
	if _, err := m.Refresh(ctx, email); err != nil {
		return false, err
	}
	return true, nil
}

// Refresh exchanges the account's refresh token for a new bundle. A call made
// while another exchange for the same email is outstanding, in this process
// or another one sharing the database, returns ErrRefreshInProgress.
func (m *Manager) Refresh(ctx context.Context, email string) (time.Time, error) {
	if !m.begin(email) {
		return time.Time{}, ErrRefreshInProgress
	}
	defer m.end(email)

	acquired, err := m.leases.acquire(ctx, email)
	if err != nil {
		return time.Time{}, fmt.Errorf("acquire refresh lease for %s: %w", email, err)
	}
	if !acquired {
		return time.Time{}, ErrRefreshInProgress
	}
	defer m.leases.release(context.WithoutCancel(ctx), email)

	acc, err := m.store.Get(ctx, email)
	if err != nil {
		return time.Time{}, err
	}
	if acc.IsBanned() {
		return time.Time{}, fmt.Errorf("%w: %s", store.ErrAccountBanned, email)
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return time.Time{}, fmt.Errorf("wait for issuer slot: %w", err)
		}
	}

	bundle, err := m.exchange(ctx, acc)
	if err == nil && bundle.ExpiryMs <= acc.ExpiryMs {
		err = errExpiryNotExtended
	}
	if err == nil {
		err = m.store.UpdateBundle(ctx, acc.Email, bundle)
		if errors.Is(err, store.ErrStaleBundle) {
			// a newer bundle landed meanwhile (re-ingestion); the account is fine
			log.Printf("⏳ Discarding refreshed bundle for %s: a newer one is stored", acc.Email)
			return time.Time{}, &RefreshFailedError{Email: acc.Email, Cause: err}
		}
	}
	if err != nil {
		if isPermanentRefreshError(err) {
			log.Printf("🔒 Refresh rejected for %s, re-ingestion needed: %v", acc.Email, err)
		} else {
			log.Printf("❌ Refresh token failed for %s: %v", acc.Email, err)
		}
		if _, herr := m.health.Apply(ctx, acc.Email, health.RefreshFailed); herr != nil {
			log.Printf("⚠️ Failed to record refresh failure for %s: %v", acc.Email, herr)
		}
		return time.Time{}, &RefreshFailedError{Email: acc.Email, Cause: err}
	}

	if _, herr := m.health.Apply(ctx, acc.Email, health.RefreshSucceeded); herr != nil {
		log.Printf("⚠️ Failed to record refresh success for %s: %v", acc.Email, herr)
	}
	log.Printf("✅ Refreshed token for: %s (expires: %s, token: %s)",
		acc.Email, bundle.Expiry().Format(time.RFC3339), util.MaskToken(bundle.AccessToken))
	return bundle.Expiry(), nil
}

// InFlight reports whether this process is refreshing email.
func (m *Manager) InFlight(email string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[email]
	return ok
}

func (m *Manager) begin(email string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[email]; ok {
		return false
	}
	m.inflight[email] = struct{}{}
	return true
}

func (m *Manager) end(email string) {
	m.mu.Lock()
	delete(m.inflight, email)
	m.mu.Unlock()
}

// exchange performs the refresh grant against the issuer.
func (m *Manager) exchange(ctx context.Context, acc *models.Account) (models.Bundle, error) {
	if acc.RefreshToken == "" {
		return models.Bundle{}, errors.New("account has no refresh token")
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	config := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  issuerURL(m.tokenURL, acc.IssuerAPIKey),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tok, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken}).Token()
	if err != nil {
		return models.Bundle{}, err
	}
	if tok.Expiry.IsZero() {
		return models.Bundle{}, errors.New("issuer response missing expires_in")
	}

	bundle := models.Bundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: acc.RefreshToken,
		ExpiryMs:     tok.Expiry.UnixMilli(),
		IssuerAPIKey: acc.IssuerAPIKey,
	}
	// Persist rotated refresh token if provided
	if tok.RefreshToken != "" && tok.RefreshToken != acc.RefreshToken {
		log.Printf("🔄 Rotating refresh token for: %s", acc.Email)
		bundle.RefreshToken = tok.RefreshToken
	}
	return bundle, nil
}

func issuerURL(base, apiKey string) string {
	if apiKey == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "key=" + url.QueryEscape(apiKey)
}

// Permanent reports whether err means the refresh token itself was rejected.
func Permanent(err error) bool {
	return isPermanentRefreshError(err)
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token_expired",
		"invalid_refresh_token",
		"user_disabled",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

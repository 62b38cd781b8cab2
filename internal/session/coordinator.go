// Package session composes the store, the refresh manager, the health machine
// and the switch signal into the operations the controller exposes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/pysugar/session-mux/internal/auth/token"
	"github.com/pysugar/session-mux/internal/db/models"
	"github.com/pysugar/session-mux/internal/health"
	"github.com/pysugar/session-mux/internal/signal"
	"github.com/pysugar/session-mux/internal/store"
	"github.com/pysugar/session-mux/internal/upstream"
)

const (
	// DefaultSweepInterval is how often Run sweeps.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultConcurrency bounds parallel refreshes in one sweep.
	DefaultConcurrency = 4
	// refreshWait bounds how long Activate waits on a refresh started elsewhere.
	refreshWait     = 30 * time.Second
	refreshWaitStep = 250 * time.Millisecond
)

// Refresher renews credentials.
type Refresher interface {
	Refresh(ctx context.Context, email string) (time.Time, error)
	RefreshIfDue(ctx context.Context, email string, buffer time.Duration) (bool, error)
}

// Prober reads the upstream usage counters for a token.
type Prober interface {
	ProbeUsage(ctx context.Context, accessToken string) (upstream.Usage, error)
}

// Capturer stores the bulk-read payload when none exists yet.
type Capturer interface {
	EnsureCaptured(ctx context.Context, acc *models.Account) error
}

// HealthApplier records health events.
type HealthApplier interface {
	Apply(ctx context.Context, email string, event health.Event) (health.Transition, error)
}

// Options tunes the coordinator. Zero values take defaults.
type Options struct {
	SweepBuffer time.Duration
	Concurrency int
}

// Deps are the coordinator's collaborators. Prober and Capturer may be nil.
type Deps struct {
	Store     *store.Store
	Refresher Refresher
	Health    HealthApplier
	Signal    signal.Signal
	Prober    Prober
	Capturer  Capturer
}

// Coordinator is the controller-side facade over account state.
type Coordinator struct {
	store     *store.Store
	refresher Refresher
	health    HealthApplier
	signal    signal.Signal
	prober    Prober
	capturer  Capturer

	sweepBuffer time.Duration
	concurrency int
	now         func() time.Time
	lastNotice  atomic.Uint64
}

// New creates a coordinator.
func New(deps Deps, opts Options) *Coordinator {
	c := &Coordinator{
		store:       deps.Store,
		refresher:   deps.Refresher,
		health:      deps.Health,
		signal:      deps.Signal,
		prober:      deps.Prober,
		capturer:    deps.Capturer,
		sweepBuffer: opts.SweepBuffer,
		concurrency: opts.Concurrency,
		now:         time.Now,
	}
	if c.sweepBuffer <= 0 {
		c.sweepBuffer = token.SweepBuffer
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	return c
}

// Store exposes the underlying account store for read-only listings.
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// Activate makes email the active account. A banned account is rejected
// whatever its expiry; an expired one is refreshed first.
func (c *Coordinator) Activate(ctx context.Context, email string) error {
	acc, err := c.store.Get(ctx, email)
	if err != nil {
		return err
	}
	if acc.IsBanned() {
		return fmt.Errorf("activate %s: %w", acc.Email, store.ErrAccountBanned)
	}

	if token.Due(*acc, token.OnDemandBuffer, c.now()) {
		log.Printf("⏰ Token expired for %s, refreshing before activation", acc.Email)
		if err := c.refreshForActivation(ctx, acc.Email); err != nil {
			return fmt.Errorf("activate %s: %w", acc.Email, err)
		}
	}

	// SetActive re-checks the ban inside its transaction
	if err := c.store.SetActive(ctx, acc.Email); err != nil {
		return err
	}
	c.bump(ctx)
	log.Printf("✅ Activated account: %s", acc.Email)

	if c.capturer != nil {
		if fresh, err := c.store.Get(ctx, acc.Email); err == nil {
			if err := c.capturer.EnsureCaptured(ctx, fresh); err != nil {
				log.Printf("⚠️ Payload capture failed for %s: %v", acc.Email, err)
			}
		}
	}
	return nil
}

// refreshForActivation refreshes email, or waits for a refresh already in
// flight to land a valid token.
func (c *Coordinator) refreshForActivation(ctx context.Context, email string) error {
	_, err := c.refresher.Refresh(ctx, email)
	if !errors.Is(err, token.ErrRefreshInProgress) {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, refreshWait)
	defer cancel()
	ticker := time.NewTicker(refreshWaitStep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", token.ErrRefreshInProgress, ctx.Err())
		case <-ticker.C:
		}
		acc, err := c.store.Get(ctx, email)
		if err != nil {
			return err
		}
		if acc.IsBanned() {
			return store.ErrAccountBanned
		}
		if !token.Due(*acc, token.OnDemandBuffer, c.now()) {
			return nil
		}
		if acc.Health == models.HealthUnhealthy {
			// the other refresh failed; try once more ourselves
			if _, err := c.refresher.Refresh(ctx, email); !errors.Is(err, token.ErrRefreshInProgress) {
				return err
			}
		}
	}
}

// Deactivate clears the active pointer.
func (c *Coordinator) Deactivate(ctx context.Context) error {
	cleared, err := c.store.ClearActive(ctx)
	if err != nil {
		return err
	}
	c.bump(ctx)
	if cleared {
		log.Printf("⏹️ Active account cleared")
	}
	return nil
}

// Delete removes an account. Deleting the active account clears the pointer.
func (c *Coordinator) Delete(ctx context.Context, email string) error {
	cleared, err := c.store.Delete(ctx, email)
	if err != nil {
		return err
	}
	if cleared {
		c.bump(ctx)
	}
	log.Printf("🗑️ Deleted account: %s (was active: %v)", email, cleared)
	return nil
}

// Refresh renews one account now, whatever its expiry.
func (c *Coordinator) Refresh(ctx context.Context, email string) (time.Time, error) {
	acc, err := c.store.Get(ctx, email)
	if err != nil {
		return time.Time{}, err
	}
	if acc.IsBanned() {
		return time.Time{}, fmt.Errorf("refresh %s: %w", acc.Email, store.ErrAccountBanned)
	}
	expiry, err := c.refresher.Refresh(ctx, acc.Email)
	if err != nil {
		return time.Time{}, err
	}
	if active, ok, _ := c.store.GetActive(ctx); ok && active == acc.Email {
		// the adapter picks the new token up on the next poll
		c.bump(ctx)
	}
	return expiry, nil
}

// Ban marks an account banned by hand.
func (c *Coordinator) Ban(ctx context.Context, email string) (health.Transition, error) {
	return c.health.Apply(ctx, email, health.BanSignal)
}

func (c *Coordinator) bump(ctx context.Context) {
	if c.signal == nil {
		return
	}
	if _, err := c.signal.Bump(ctx); err != nil {
		log.Printf("⚠️ Failed to bump active signal: %v", err)
	}
}

package session

import (
	"context"
	"errors"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/pysugar/session-mux/internal/auth/token"
	"github.com/pysugar/session-mux/internal/health"
	"github.com/pysugar/session-mux/internal/upstream"
	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one PeriodicSweep.
type SweepReport struct {
	Checked   int               `json:"checked"`
	Refreshed []string          `json:"refreshed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Skipped   []string          `json:"skipped,omitempty"` // refresh already in flight
	Active    string            `json:"active,omitempty"`
	Usage     string            `json:"usage,omitempty"`
	ProbeErr  string            `json:"probe_error,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// PeriodicSweep refreshes every non-banned account that is due and probes the
// active account's usage. Failures are recorded per account and in the report;
// the sweep itself never fails.
func (c *Coordinator) PeriodicSweep(ctx context.Context) SweepReport {
	start := c.now()
	report := SweepReport{Failed: map[string]string{}}

	accounts, err := c.store.ListRefreshable(ctx)
	if err != nil {
		log.Printf("[Sweep] Failed to list accounts: %v", err)
		report.Failed["*"] = err.Error()
		return report
	}
	report.Checked = len(accounts)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, acc := range accounts {
		email := acc.Email
		g.Go(func() error {
			refreshed, err := c.refresher.RefreshIfDue(gctx, email, c.sweepBuffer)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, token.ErrRefreshInProgress):
				report.Skipped = append(report.Skipped, email)
			case err != nil:
				report.Failed[email] = err.Error()
			case refreshed:
				report.Refreshed = append(report.Refreshed, email)
			}
			// per-account failures never cancel the rest of the sweep
			return nil
		})
	}
	g.Wait()

	if active, ok, _ := c.store.GetActive(ctx); ok && slices.Contains(report.Refreshed, active) {
		c.bump(ctx)
	}
	c.probeActive(ctx, &report)
	report.Duration = c.now().Sub(start)
	if len(report.Refreshed) > 0 || len(report.Failed) > 0 {
		log.Printf("[Sweep] %d checked, %d refreshed, %d failed, %d skipped",
			report.Checked, len(report.Refreshed), len(report.Failed), len(report.Skipped))
	}
	return report
}

// probeActive updates the active account's limit snapshot. A failed probe
// marks the account unhealthy and leaves the previous snapshot in place.
func (c *Coordinator) probeActive(ctx context.Context, report *SweepReport) {
	if c.prober == nil {
		return
	}
	acc, err := c.store.GetActiveAccount(ctx)
	if err != nil {
		log.Printf("[Sweep] Failed to load active account: %v", err)
		return
	}
	if acc == nil {
		return
	}
	report.Active = acc.Email

	usage, err := c.prober.ProbeUsage(ctx, acc.AccessToken)
	if err != nil {
		report.ProbeErr = err.Error()
		var perr *upstream.ProbeFailedError
		if errors.As(err, &perr) && perr.Status == http.StatusTooManyRequests {
			// rate limiting says nothing about the account itself
			log.Printf("[Sweep] Usage probe rate limited for %s (retry after %s)", acc.Email, perr.RetryAfter)
			return
		}
		log.Printf("[Sweep] Usage probe failed for %s: %v", acc.Email, err)
		if _, herr := c.health.Apply(ctx, acc.Email, health.ProbeFailed); herr != nil {
			log.Printf("[Sweep] Failed to record probe failure for %s: %v", acc.Email, herr)
		}
		return
	}
	report.Usage = usage.String()
	if err := c.store.SetLimitSnapshot(ctx, acc.Email, report.Usage); err != nil {
		log.Printf("[Sweep] Failed to store limit snapshot for %s: %v", acc.Email, err)
	}
	if _, herr := c.health.Apply(ctx, acc.Email, health.ProbeSucceeded); herr != nil {
		log.Printf("[Sweep] Failed to record probe success for %s: %v", acc.Email, herr)
	}
}

// Run sweeps immediately and then every interval until ctx is done. Pending
// ban notices are reported after each sweep.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	log.Printf("[Sweep] Starting, interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.PeriodicSweep(ctx)
		c.drainBanNotices(ctx)
		select {
		case <-ctx.Done():
			log.Printf("[Sweep] Stopped")
			return
		case <-ticker.C:
		}
	}
}

// drainBanNotices logs ban notices not reported yet. Acknowledging them is
// left to the admin API.
func (c *Coordinator) drainBanNotices(ctx context.Context) {
	notices, err := c.store.PendingBanNotices(ctx)
	if err != nil {
		log.Printf("[Sweep] Failed to read ban notices: %v", err)
		return
	}
	for _, n := range notices {
		if uint64(n.ID) <= c.lastNotice.Load() {
			continue
		}
		log.Printf("⛔ Account %s was banned at %s (was active: %v)", n.Email, n.BannedAt.Format(time.RFC3339), n.WasActive)
		c.lastNotice.Store(uint64(n.ID))
	}
}

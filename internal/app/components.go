package app

import (
	"fmt"
	"log"

	"github.com/pysugar/session-mux/internal/auth/token"
	"github.com/pysugar/session-mux/internal/capture"
	"github.com/pysugar/session-mux/internal/config"
	"github.com/pysugar/session-mux/internal/db"
	"github.com/pysugar/session-mux/internal/health"
	"github.com/pysugar/session-mux/internal/proxy/monitor"
	"github.com/pysugar/session-mux/internal/session"
	"github.com/pysugar/session-mux/internal/signal"
	"github.com/pysugar/session-mux/internal/store"
	"github.com/pysugar/session-mux/internal/upstream"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// components is the object graph shared by every command.
type components struct {
	cfg      *config.Config
	db       *gorm.DB
	store    *store.Store
	signal   signal.Signal
	machine  *health.Machine
	tokens   *token.Manager
	payloads *capture.Store
	fetcher  *capture.Fetcher
	monitor  *monitor.HookMonitor
	coord    *session.Coordinator
}

func openComponents(cfg *config.Config) (*components, error) {
	database, err := db.InitDB(cfg.Database.Driver, cfg.Database.DSN, cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return buildComponents(cfg, database)
}

func buildComponents(cfg *config.Config, database *gorm.DB) (*components, error) {
	c := &components{cfg: cfg, db: database, store: store.New(database)}

	sig, err := signal.New(cfg.Signal.Kind, cfg.Signal.Path, database)
	if err != nil {
		return nil, err
	}
	c.signal = sig
	c.machine = health.NewMachine(c.store, sig)

	marker := upstream.Marker{Header: cfg.Marker.Header, UserAgent: cfg.Marker.UserAgent}
	var limiter *rate.Limiter
	if cfg.Sweep.IssuerRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Sweep.IssuerRPS), 1)
	}
	c.tokens = token.NewManager(c.store, c.machine, token.Config{
		TokenURL:   cfg.Issuer.TokenURL,
		HTTPClient: upstream.NewHTTPClient(cfg.Issuer.Timeout, marker),
		Timeout:    cfg.Issuer.Timeout,
		LeaseTTL:   cfg.Issuer.LeaseTTL,
		Limiter:    limiter,
	})

	prober := upstream.NewClient(upstream.ClientConfig{
		ProbeURL:      cfg.Probe.URL,
		ClientVersion: cfg.Probe.ClientVersion,
		HTTPClient:    upstream.NewHTTPClient(cfg.Probe.Timeout, marker),
	})

	c.payloads = capture.NewStore(database)
	c.fetcher, err = capture.NewFetcher(capture.FetcherConfig{
		URL:         cfg.Capture.URL,
		RequestFile: cfg.Capture.RequestFile,
		HTTPClient:  upstream.NewHTTPClient(cfg.Capture.Timeout, marker),
	}, c.payloads)
	if err != nil {
		return nil, err
	}
	if !c.fetcher.Enabled() {
		log.Printf("📦 Payload capture disabled (capture.request_file not set)")
	}

	c.monitor = monitor.NewHookMonitor(database)

	deps := session.Deps{
		Store:     c.store,
		Refresher: c.tokens,
		Health:    c.machine,
		Signal:    sig,
		Prober:    prober,
	}
	if c.fetcher.Enabled() {
		deps.Capturer = c.fetcher
	}
	c.coord = session.New(deps, session.Options{
		SweepBuffer: cfg.Sweep.Buffer,
		Concurrency: cfg.Sweep.Concurrency,
	})
	return c, nil
}

func (c *components) Close() {
	c.monitor.Flush()
	if sqlDB, err := c.db.DB(); err == nil {
		sqlDB.Close()
	}
}

package app

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/pysugar/session-mux/internal/capture"
	"github.com/pysugar/session-mux/internal/config"
	"github.com/pysugar/session-mux/internal/proxy/hooks"
	"github.com/pysugar/session-mux/internal/signal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Run the hook RPC server for the interception engine",
	Long:  "Serves request and response decisions for intercepted upstream traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := openComponents(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		adapter, err := newAdapter(context.Background(), c)
		if err != nil {
			return err
		}

		ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := serveAll(ctx, newServer(cfg.Hook.Addr, newHookRouter(adapter))); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

// newAdapter builds the hook adapter over the shared components.
func newAdapter(ctx context.Context, c *components) (*hooks.Adapter, error) {
	surface, resolved, err := config.LoadSurface(c.cfg.Surface.File)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		log.Printf("🗺️ Upstream surface: %s", resolved)
	}
	if c.cfg.Marker.UserAgent != "" {
		surface.MarkerUserAgent = c.cfg.Marker.UserAgent
	}

	cache := capture.NewCache(c.payloads, capture.BulkRead)
	if err := cache.Reload(ctx); err != nil {
		log.Printf("⚠️ Failed to load captured payload: %v", err)
	}
	c.monitor.SetEnabled(c.cfg.Hook.LogDecisions)

	adapter := hooks.NewAdapter(hooks.Options{
		Surface:        surface,
		FailOpen:       c.cfg.Hook.FailOpen,
		ReloadInterval: c.cfg.Hook.ReloadInterval,
		MarkerHeader:   c.cfg.Marker.Header,
	}, hooks.Deps{
		Active:    c.store,
		Watcher:   signal.NewWatcher(c.signal),
		Refresher: c.tokens,
		Banner:    c.machine,
		Payloads:  cache,
		Recorder:  c.monitor,
	})
	log.Printf("🪝 Hook adapter ready (fail open: %v, hosts: %v)", c.cfg.Hook.FailOpen, surface.Hosts)
	return adapter, nil
}

func init() {
	flags := hookCmd.Flags()
	flags.String("hook.addr", "127.0.0.1:8790", "hook RPC listen address")
	flags.Bool("hook.fail_open", true, "pass requests through when no account is active")
	viper.BindPFlag("hook.addr", flags.Lookup("hook.addr"))
	viper.BindPFlag("hook.fail_open", flags.Lookup("hook.fail_open"))

	rootCmd.AddCommand(hookCmd)
}

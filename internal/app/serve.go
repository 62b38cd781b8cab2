package app

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller",
	Long:  "Runs the ingestion bridge, the admin API and the periodic refresh sweep",
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

		ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sweepDone := make(chan struct{})
		go func() {
			defer close(sweepDone)
			c.coord.Run(ctx, cfg.Sweep.Interval)
		}()

		err = serveAll(ctx,
			newServer(cfg.Bridge.Addr, newBridgeRouter(c.coord, cfg.Bridge.ExtensionID)),
			newServer(cfg.Admin.Addr, newAdminRouter(c.coord, c.monitor, cfg.Admin.Password)),
		)
		stop()
		<-sweepDone
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		fmt.Println("Shut down gracefully")
		return nil
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("bridge.addr", "127.0.0.1:8765", "ingestion bridge listen address")
	flags.String("admin.addr", "127.0.0.1:8780", "admin API listen address")
	flags.Duration("sweep.interval", time.Minute, "refresh sweep interval")
	viper.BindPFlag("bridge.addr", flags.Lookup("bridge.addr"))
	viper.BindPFlag("admin.addr", flags.Lookup("admin.addr"))
	viper.BindPFlag("sweep.interval", flags.Lookup("sweep.interval"))

	rootCmd.AddCommand(serveCmd)
}

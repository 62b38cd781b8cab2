// Package app wires the sessionmux command line: the controller, the hook
// RPC server and the account maintenance commands.
package app

import (
	"fmt"
	"os"

	"github.com/pysugar/session-mux/internal/config"
	"github.com/pysugar/session-mux/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sessionmux",
	Short: "Multiplex one client identity over many upstream accounts",
	Long: "SessionMux keeps a pool of upstream accounts, refreshes their credentials,\n" +
		"detects bans, and tells an interception engine which account to inject.",
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: sessionmux.yaml in ., ./config or ~/.config/sessionmux)")
	flags.Bool("verbose", false, "verbose logging")
	flags.String("database.driver", "sqlite", "database driver: sqlite or postgres")
	flags.String("database.dsn", "sessionmux.db", "database file (sqlite) or connection URL (postgres)")
	flags.String("signal.kind", "database", "switch signal: database or file")
	flags.String("signal.path", "", "marker file for the file signal")
	flags.String("surface.file", "", "upstream surface YAML")

	for _, key := range []string{"verbose", "database.driver", "database.dsn", "signal.kind", "signal.path", "surface.file"} {
		viper.BindPFlag(key, flags.Lookup(key))
	}
}

func initConfig() {
	if err := config.Prepare(viper.GetViper(), cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if f := viper.ConfigFileUsed(); f != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", f)
	}
}

// loadConfig decodes the merged flags, environment and file settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if cfg.Verbose {
		util.SetVerbose(true)
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

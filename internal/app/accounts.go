package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pysugar/session-mux/internal/util"
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"acc"},
	Short:   "Manage the account pool",
}

// withCoordinator opens the components for one short-lived command.
func withCoordinator(fn func(ctx context.Context, c *components) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(context.Background(), c)
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(ctx context.Context, c *components) error {
			return printAccounts(ctx, cmd.OutOrStdout(), c)
		})
	},
}

func printAccounts(ctx context.Context, out io.Writer, c *components) error {
	accounts, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	active, _, err := c.store.GetActive(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tEMAIL\tHEALTH\tEXPIRES\tTOKEN\tLIMIT")
	for _, acc := range accounts {
		mark := ""
		if acc.Email == active {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			mark, acc.Email, acc.Health,
			acc.Bundle().Expiry().Format(time.RFC3339),
			util.MaskToken(acc.AccessToken), acc.LimitSnapshot)
	}
	return w.Flush()
}

var accountsActivateCmd = &cobra.Command{
	Use:   "activate <email>",
	Short: "Make an account the active one, refreshing it first if expired",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(ctx context.Context, c *components) error {
			if err := c.coord.Activate(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active account: %s\n", args[0])
			return nil
		})
	},
}

var accountsDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Clear the active account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(ctx context.Context, c *components) error {
			if err := c.coord.Deactivate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "No active account")
			return nil
		})
	},
}

var accountsDeleteCmd = &cobra.Command{
	Use:   "delete <email>",
	Short: "Remove an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(ctx context.Context, c *components) error {
			if err := c.coord.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		})
	},
}

var accountsRefreshCmd = &cobra.Command{
	Use:   "refresh <email>",
	Short: "Refresh an account's credentials now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(ctx context.Context, c *components) error {
			expiry, err := c.coord.Refresh(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %s (expires %s)\n", args[0], expiry.Format(time.RFC3339))
			return nil
		})
	},
}

var accountsImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import an account payload from a file, or stdin when no file is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			payload []byte
			err     error
		)
		if len(args) == 1 && args[0] != "-" {
			payload, err = os.ReadFile(args[0])
		} else {
			payload, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		return withCoordinator(func(ctx context.Context, c *components) error {
			email, err := c.coord.Ingest(ctx, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s\n", email)
			return nil
		})
	},
}

var accountsExportCmd = &cobra.Command{
	Use:   "export [email]",
	Short: "Print accounts in the import format with their current credentials",
	Long: "Prints one account as a JSON object, or every account as a JSON array.\n" +
		"The output contains live refresh tokens.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(ctx context.Context, c *components) error {
			var out any
			if len(args) == 1 {
				record, err := c.coord.Export(ctx, args[0])
				if err != nil {
					return err
				}
				out = record
			} else {
				records, err := c.coord.ExportAll(ctx)
				if err != nil {
					return err
				}
				out = records
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		})
	},
}

var accountsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one refresh sweep and print the report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(ctx context.Context, c *components) error {
			report := c.coord.PeriodicSweep(ctx)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checked %d, refreshed %d, failed %d, skipped %d in %s\n",
				report.Checked, len(report.Refreshed), len(report.Failed), len(report.Skipped), report.Duration)
			for email, reason := range report.Failed {
				fmt.Fprintf(out, "  %s: %s\n", email, reason)
			}
			if report.Active != "" {
				fmt.Fprintf(out, "Active %s: %s\n", report.Active, report.Usage)
			}
			return nil
		})
	},
}

func init() {
	accountsCmd.AddCommand(
		accountsListCmd,
		accountsActivateCmd,
		accountsDeactivateCmd,
		accountsDeleteCmd,
		accountsRefreshCmd,
		accountsImportCmd,
		accountsExportCmd,
		accountsSweepCmd,
	)
	rootCmd.AddCommand(accountsCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// syncCmd runs a single fetch+reconcile+parse cycle for one account and
// exits, for cron-less invocation (e.g. from an external scheduler) or
// manual troubleshooting.
var syncCmd = &cobra.Command{
	Use:   "sync <email>",
	Short: "Run one sync cycle for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		remote := cfg.RemoteByEmail(email)
		if remote == nil {
			return fmt.Errorf("no remote account configured for %s", email)
		}

		eng, err := newEngine(cfg, *remote, logger)
		if err != nil {
			return err
		}
		defer eng.Close()

		result, err := eng.SyncOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync %s: %w", email, err)
		}

		fmt.Printf("%s: fetched %d, parsed %d\n", email, result.Fetched, result.Parsed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

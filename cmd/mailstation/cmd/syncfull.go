package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// syncfullCmd resets an account's fetch cursor and runs a full resync,
// for recovering from a corrupted local mirror or a UIDVALIDITY change
// the engine couldn't reconcile cleanly on its own.
var syncfullCmd = &cobra.Command{
	Use:   "syncfull <email>",
	Short: "Reset the fetch cursor and resync an account from scratch",
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

		if err := eng.ResetCursor(cmd.Context()); err != nil {
			return fmt.Errorf("reset cursor for %s: %w", email, err)
		}

		result, err := eng.SyncOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("full sync %s: %w", email, err)
		}

		fmt.Printf("%s: fetched %d, parsed %d\n", email, result.Fetched, result.Parsed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncfullCmd)
}

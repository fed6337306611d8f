package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailstation/mailstation/internal/query"
)

// searchCmd is a CLI-side smoke test for the search-DSL-to-IMAP-SEARCH
// translator: it prints the canonical query and IMAP SEARCH criteria a
// given query string would produce, without touching any account.
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Translate a search query into IMAP SEARCH criteria",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := query.Translate(args[0])
		if err != nil {
			return fmt.Errorf("translate query: %w", err)
		}

		fmt.Printf("canonical: %s\n", result.Canonical)
		criteria, err := json.MarshalIndent(result.Criteria, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("criteria: %s\n", criteria)
		if result.Options.Thread || result.Options.Threads || result.Options.Draft != "" || len(result.Options.Tags) > 0 {
			fmt.Printf("options: %+v\n", result.Options)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
}

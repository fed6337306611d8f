package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mailstation/mailstation/internal/credentials"
)

// accountCmd groups account-management subcommands. Grounded on msgvault's
// add-account command for the CLI shape, but with OAuth swapped for a
// plain IMAP/SMTP password prompt per §6/§2.2.
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage configured remote accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Store the IMAP/SMTP password for a configured remote account",
	Long: `Reads a password from stdin and stores it under the home directory's
credentials directory, keyed by the account's email. The account itself
(host, port, TLS, username) must already be present in config.toml under
[[remotes]]; this command only supplies the secret config.toml omits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		if cfg.RemoteByEmail(email) == nil {
			return fmt.Errorf("no [[remotes]] entry for %s in config.toml; add one first", email)
		}

		fmt.Printf("Password for %s: ", email)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return fmt.Errorf("empty password")
		}

		if err := credentials.Save(cfg.CredentialsDir(), email, password); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}

		fmt.Printf("Credentials stored for %s\n", email)
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured remote accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Remotes) == 0 {
			fmt.Println("No accounts configured.")
			return nil
		}
		for _, remote := range cfg.Remotes {
			has := "no credentials"
			if credentials.Has(cfg.CredentialsDir(), remote.Email) {
				has = "credentials stored"
			}
			gmail := ""
			if remote.Gmail {
				gmail = " (gmail)"
			}
			fmt.Printf("%s%s - %s:%d - %s\n", remote.Email, gmail, remote.IMAPHost, remote.IMAPPort, has)
		}
		return nil
	},
}

func init() {
	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountListCmd)
	rootCmd.AddCommand(accountCmd)
}

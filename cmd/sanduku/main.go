// Sanduku is a session-authenticated sandbox execution service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku is a session-authenticated sandbox execution service.",
	Long: `Sanduku runs allow-listed commands inside per-session filesystem sandboxes
with hard resource quotas. Clients authenticate with an API token or SSH
public key, receive an isolated sandbox for the lifetime of their session,
and every security-relevant event lands in an append-only audit trail.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, tokenCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

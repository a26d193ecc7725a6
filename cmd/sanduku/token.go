package main

import (
	"fmt"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/auth"
)

var tokenSecret string

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Print the derived API token for a built-in user",
	Long: `Derives the API token for one of the built-in users (admin, devops, user)
from the configured token secret. Hand the printed token to the client;
the server itself only ever stores its hash.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		secret := goutils.Env("SANDUKU_TOKEN_SECRET", tokenSecret)
		if secret == "" {
			return fmt.Errorf("token secret is required (set SANDUKU_TOKEN_SECRET or --secret)")
		}
		fmt.Println(auth.DeriveToken(args[0], secret))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "token secret (defaults to SANDUKU_TOKEN_SECRET)")
}

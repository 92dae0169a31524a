package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mkeller/mailtriage/internal/google"
	"github.com/mkeller/mailtriage/internal/secrets"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Obtain a Google OAuth refresh token for an account",
		Long: `Walk through the out-of-band OAuth flow for the configured Google client.
The printed refresh token goes into the account's refresh_token config field,
either directly or behind a gsm: secret reference.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			clientSecret, err := secrets.New().Resolve(cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("resolve google client secret: %w", err)
			}
			creds := google.Credentials{ClientID: cfg.Google.ClientID, ClientSecret: clientSecret}

			fmt.Println("Open this URL in your browser and approve access:")
			fmt.Println()
			fmt.Println("  " + creds.AuthCodeURL())
			fmt.Println()
			fmt.Print("Paste the authorization code: ")

			reader := bufio.NewReader(os.Stdin)
			code, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read authorization code: %w", err)
			}
			code = strings.TrimSpace(code)
			if code == "" {
				return fmt.Errorf("no authorization code provided")
			}

			token, err := creds.Exchange(context.Background(), code)
			if err != nil {
				return err
			}

			fmt.Println()
			fmt.Println("Refresh token (store this in your account config):")
			fmt.Println()
			fmt.Println("  " + token.RefreshToken)
			return nil
		},
	}
	return cmd
}

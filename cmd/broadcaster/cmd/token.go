package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/hub"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an auth key",
	Long: `Issue an auth key for a user, signed with the hub secret.

The key is printed to stdout and can be passed to subscribe and publish with
--auth-key.

Examples:
  broadcaster token u1 --secret 0123456789abcdef
  broadcaster token u1 --config broadcaster.hcl --ttl 1h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

var (
	tokenSecret string
	tokenTTL    time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("BROADCASTER_SECRET"), "auth key signing secret")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "key lifetime, 0 for no expiry")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	secret := cfg.Server.Secret
	if secret == "" {
		secret = tokenSecret
	}
	if secret == "" {
		return errors.New("a secret is required, set it in the server block, with --secret or BROADCASTER_SECRET")
	}

	keys, err := hub.NewKeys([]byte(secret), cfg.Server.Issuer)
	if err != nil {
		return err
	}

	key, err := keys.Issue(args[0], tokenTTL)
	if err != nil {
		return err
	}

	logger.Debug("Issued auth key", zap.String("user", args[0]), zap.Duration("ttl", tokenTTL))
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

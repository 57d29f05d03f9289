package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/gateway"
	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/pkg/proto"
)

var (
	tokenNew    bool
	tokenSecret string
	tokenTTL    time.Duration
	tokenQuiet  bool
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [client-id]",
		Short: "Mint a gateway bearer token for a client identity",
		Long: `Mint a bearer token the gateway accepts for a client identity.

The token is signed with the gateway secret from the config file, or --secret.

Examples:
  # Token for a fresh random client
  vaultmesh token --config vault.yaml --new

  # Token for an existing client, printed alone for scripts
  TOKEN=$(vaultmesh token --config vault.yaml 3f2a... -q)`,
		Args: cobra.MaximumNArgs(1),
		RunE: runToken,
	}

	cmd.Flags().BoolVar(&tokenNew, "new", false, "mint for a new random client identity")
	cmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (default from config gateway.jwt_secret)")
	cmd.Flags().DurationVar(&tokenTTL, "ttl", gateway.TokenExpiry, "token lifetime")
	cmd.Flags().BoolVarP(&tokenQuiet, "quiet", "q", false, "print only the token")

	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	secret := tokenSecret
	if secret == "" {
		secret = cfg.Gateway.JWTSecret
	}
	if secret == "" {
		return errors.New("no signing secret: set gateway.jwt_secret or pass --secret")
	}

	client, err := tokenClient(args, tokenNew)
	if err != nil {
		return err
	}

	token, expires, err := gateway.NewAuthenticator(secret).GenerateToken(client, tokenTTL)
	if err != nil {
		return err
	}

	if tokenQuiet {
		fmt.Println(token)
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(proto.TokenResponse{
		Token:     token,
		Client:    client.String(),
		ExpiresAt: expires,
	})
}

// tokenClient picks the client identity from args or a fresh random one.
func tokenClient(args []string, fresh bool) (identity.ID, error) {
	switch {
	case fresh && len(args) > 0:
		return identity.Zero, errors.New("pass a client id or --new, not both")
	case fresh:
		return identity.Random(), nil
	case len(args) == 1:
		id, err := identity.Parse(args[0])
		if err != nil {
			return identity.Zero, fmt.Errorf("invalid client id: %w", err)
		}
		return id, nil
	default:
		return identity.Zero, errors.New("pass a client id or --new")
	}
}

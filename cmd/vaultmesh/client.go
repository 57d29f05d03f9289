package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/gateway"
	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/pkg/bytesize"
)

var (
	clientGateway string
	clientToken   string
	clientTimeout time.Duration
	clientQuota   string
	clientOutput  string
	clientExpect  string
)

func newClientCmd() *cobra.Command {
	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a vault gateway",
		Long: `Store and fetch chunks, move version records and exchange messages
through a vault's client gateway.

The token comes from --token or the VAULTMESH_TOKEN environment variable.

Examples:
  export VAULTMESH_TOKEN=$(vaultmesh token --config vault.yaml --new -q)

  vaultmesh client account create --quota 1GB
  ID=$(vaultmesh client put ./photo.jpg)
  vaultmesh client get $ID -o photo.jpg
  vaultmesh client version post my-album $ID
  vaultmesh client message send <recipient> "hello"`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging("")
		},
	}
	clientCmd.PersistentFlags().StringVar(&clientGateway, "gateway", "http://localhost:7480", "gateway base URL")
	clientCmd.PersistentFlags().StringVar(&clientToken, "token", "", "bearer token (default $VAULTMESH_TOKEN)")
	clientCmd.PersistentFlags().DurationVar(&clientTimeout, "timeout", 90*time.Second, "request timeout")

	// Account
	accountCmd := &cobra.Command{Use: "account", Short: "Manage the client account"}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Open an account",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			var quota int64
			if clientQuota != "" {
				q, err := bytesize.Parse(clientQuota)
				if err != nil {
					return fmt.Errorf("invalid quota: %w", err)
				}
				quota = q
			}
			acct, err := c.CreateAccount(ctx, quota)
			if err != nil {
				return err
			}
			return printJSON(acct)
		}),
	}
	createCmd.Flags().StringVar(&clientQuota, "quota", "", "requested quota (default: node default)")
	accountCmd.AddCommand(createCmd)
	accountCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show quota and usage",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			acct, err := c.Account(ctx)
			if err != nil {
				return err
			}
			return printJSON(acct)
		}),
	})
	clientCmd.AddCommand(accountCmd)

	// Chunks
	clientCmd.AddCommand(&cobra.Command{
		Use:   "put <file>",
		Short: "Store a file as a chunk and print its id (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			id, err := c.Put(ctx, data)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		}),
	})
	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a chunk",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			id, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			data, err := c.Get(ctx, id)
			if err != nil {
				return err
			}
			if clientOutput == "" || clientOutput == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(clientOutput, data, 0644)
		}),
	}
	getCmd.Flags().StringVarP(&clientOutput, "output", "o", "", "write to file instead of stdout")
	clientCmd.AddCommand(getCmd)
	clientCmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Drop your copy of a chunk",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			id, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			return c.Delete(ctx, id)
		}),
	})

	// Versions
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Read and move mutable version records",
		Long: `Read and move mutable version records.

A name is either a 64-character hex identity or any other string, which is
hashed to an identity.`,
	}
	versionCmd.AddCommand(&cobra.Command{
		Use:   "get <name>",
		Short: "Show the current version",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			rec, err := c.GetVersion(ctx, versionName(args[0]))
			if err != nil {
				return err
			}
			return printJSON(rec)
		}),
	})
	postCmd := &cobra.Command{
		Use:   "post <name> <chunk-id>",
		Short: "Move a name to a new chunk",
		Long: `Move a name to a new chunk. Without --expect the current version is read
first, so the post only conflicts with a concurrent writer.`,
		Args: cobra.ExactArgs(2),
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			name := versionName(args[0])
			next, err := identity.Parse(args[1])
			if err != nil {
				return err
			}
			expected, err := expectedVersion(ctx, c, name)
			if err != nil {
				return err
			}
			rec, err := c.PostVersion(ctx, name, expected, next)
			var apiErr *gateway.APIError
			if errors.As(err, &apiErr) && rec != nil {
				fmt.Fprintf(os.Stderr, "conflict: %s is at %s\n", args[0], rec.Current)
			}
			if err != nil {
				return err
			}
			return printJSON(rec)
		}),
	}
	postCmd.Flags().StringVar(&clientExpect, "expect", "", "expected current chunk id (\"none\" to create)")
	versionCmd.AddCommand(postCmd)
	clientCmd.AddCommand(versionCmd)

	// Messages
	messageCmd := &cobra.Command{Use: "message", Short: "Send and receive messages"}
	messageCmd.AddCommand(&cobra.Command{
		Use:   "send <recipient> <body>",
		Short: "Send a message (body - reads stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			recipient, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			body := []byte(args[1])
			if args[1] == "-" {
				if body, err = io.ReadAll(os.Stdin); err != nil {
					return err
				}
			}
			id, err := c.SendMessage(ctx, recipient, body)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		}),
	})
	messageCmd.AddCommand(&cobra.Command{
		Use:   "poll",
		Short: "List your inbox",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			msgs, err := c.PollMessages(ctx)
			if err != nil {
				return err
			}
			return printJSON(msgs)
		}),
	})
	messageCmd.AddCommand(&cobra.Command{
		Use:   "delete <message-id>",
		Short: "Remove a message from your inbox",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			return c.DeleteMessage(ctx, args[0])
		}),
	})
	clientCmd.AddCommand(messageCmd)
	clientCmd.AddCommand(&cobra.Command{
		Use:   "outbox",
		Short: "List messages you sent that are not yet deleted",
		Args:  cobra.NoArgs,
		RunE: withClient(func(ctx context.Context, c *gateway.Client, args []string) error {
			entries, err := c.PollOutbox(ctx)
			if err != nil {
				return err
			}
			return printJSON(entries)
		}),
	})

	return clientCmd
}

type clientFunc func(ctx context.Context, c *gateway.Client, args []string) error

func withClient(fn clientFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		token := clientToken
		if token == "" {
			token = os.Getenv("VAULTMESH_TOKEN")
		}
		if token == "" {
			return errors.New("no token: pass --token or set VAULTMESH_TOKEN")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
		defer cancel()
		return fn(ctx, gateway.NewClient(clientGateway, token), args)
	}
}

// versionName accepts a hex identity or hashes any other string.
func versionName(s string) identity.ID {
	if id, err := identity.Parse(s); err == nil {
		return id
	}
	return identity.FromName(s)
}

func expectedVersion(ctx context.Context, c *gateway.Client, name identity.ID) (identity.ID, error) {
	switch clientExpect {
	case "none":
		return identity.Zero, nil
	case "":
		rec, err := c.GetVersion(ctx, name)
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) && apiErr.Status == 404 {
			return identity.Zero, nil
		}
		if err != nil {
			return identity.Zero, err
		}
		return identity.Parse(rec.Current)
	default:
		return identity.Parse(clientExpect)
	}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(io.LimitReader(os.Stdin, gateway.MaxChunkBytes+1))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > gateway.MaxChunkBytes {
		return nil, fmt.Errorf("%s is %s, larger than the %s chunk limit",
			path, bytesize.Format(info.Size()), bytesize.Format(gateway.MaxChunkBytes))
	}
	return os.ReadFile(path)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

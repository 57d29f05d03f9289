package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/config"
)

func newIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the node identity, creating the node key if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)

			key, err := config.EnsureNodeKey(cfg.PrivateKey)
			if err != nil {
				return fmt.Errorf("node key: %w", err)
			}
			fp, err := key.Fingerprint()
			if err != nil {
				return err
			}

			fmt.Printf("ID:          %s\n", key.ID)
			fmt.Printf("Fingerprint: %s\n", fp)
			fmt.Printf("Key:         %s\n", cfg.PrivateKey)
			return nil
		},
	}
}

// vaultmesh is a content-addressed storage vault node.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/config"
	"github.com/vaultmesh/vaultmesh/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Hidden flag set by the service manager.
	serviceRun bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "vaultmesh",
		Short: "VaultMesh - content-addressed storage vault",
		Long: `VaultMesh runs a storage vault: one node of a network that stores
immutable chunks, mutable version records and client mailboxes, replicated
across the nodes closest to each identity.

QUICK START - try a network in one process:

  vaultmesh simulate --nodes 8 --chunks 50

QUICK START - run a node:

  vaultmesh id --config vault.yaml          # create the node key
  vaultmesh serve --config vault.yaml

  # Mint a client token and store a file through the gateway:
  TOKEN=$(vaultmesh token --config vault.yaml --new -q)
  vaultmesh client put ./photo.jpg --gateway http://localhost:7480 --token $TOKEN

For more help on any command, use: vaultmesh <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (default from config, else info)")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newIDCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newClientCmd())
	rootCmd.AddCommand(newServiceCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vaultmesh %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging configures the global logger. The --log-level flag wins over
// the configured level.
func setupLogging(configured string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	name := logLevel
	if name == "" {
		name = configured
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// setupServiceLogging writes to a log file as well as stderr, since some
// service managers drop stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logFile, err := os.OpenFile("/var/log/vaultmesh-service.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}

// loadConfig reads --config, or returns the defaults when no file is given.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// runAsService is the entry point when the service manager starts the binary.
func runAsService() {
	setupServiceLogging()

	configPath := svc.ConfigPathFromArgs(os.Args)
	log.Info().
		Str("version", Version).
		Str("config", configPath).
		Msg("starting as service")

	cfg := svc.DefaultConfig("", configPath, "")
	prg := &svc.Program{ConfigPath: configPath, Run: runServeFromService}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vaultmesh/vaultmesh/internal/chunkstore"
	"github.com/vaultmesh/vaultmesh/internal/config"
	"github.com/vaultmesh/vaultmesh/internal/gateway"
	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/logging/loki"
	"github.com/vaultmesh/vaultmesh/internal/metrics"
	"github.com/vaultmesh/vaultmesh/internal/routing"
	"github.com/vaultmesh/vaultmesh/internal/store"
	"github.com/vaultmesh/vaultmesh/internal/tracing"
	"github.com/vaultmesh/vaultmesh/internal/vault"
)

const metricsInterval = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a vault node",
		Long: `Run a vault node: the overlay listener, every vault persona, and
optionally the client gateway and the Prometheus endpoint.

The node stops cleanly on SIGINT or SIGTERM, flushing its record store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServeFromService(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level := cfg.LogLevel; level != "" {
		setupLogging(level)
	}
	return runServe(ctx, cfg)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	key, err := config.EnsureNodeKey(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("node key: %w", err)
	}
	if cfg.Loki.URL != "" {
		stopShipping := shipLogs(cfg, key.ID)
		defer stopShipping()
	}
	logger := log.Logger.With().Str("node", key.ID.Short()).Logger()

	records, err := store.Open(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer func() {
		if err := records.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close record store")
		}
	}()

	chunkOpts := chunkstore.Options{CacheEntries: cfg.Storage.CacheEntries}
	if cfg.Storage.Encrypt {
		master, err := key.StorageKey()
		if err != nil {
			return err
		}
		chunkOpts.MasterKey = &master
	}
	chunks, err := chunkstore.Open(filepath.Join(cfg.DataDir, "chunks"), chunkOpts)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}

	peers, err := meshPeers(cfg.Peers)
	if err != nil {
		return err
	}
	router := routing.NewMeshRouter(key.ID, peers, routing.MeshOptions{
		GroupSize:   cfg.Replication.CloseGroupSize,
		SendTimeout: cfg.Timeouts.Hop.Std(),
	}, logger)

	vm := metrics.New(nil, key.ID.Short())
	v, err := vault.New(vault.Config{
		Router:            router,
		Store:             records,
		Chunks:            chunks,
		Logger:            logger,
		Metrics:           vm,
		ReplicaCount:      cfg.Replication.ReplicaCount,
		RetryBudget:       cfg.Replication.RetryBudget,
		HopTimeout:        cfg.Timeouts.Hop.Std(),
		ClientTimeout:     cfg.Timeouts.Client.Std(),
		TransferRetries:   cfg.Transfer.MaxRetries,
		TransferBackoff:   cfg.Transfer.Backoff.Std(),
		RedeliverInterval: cfg.Messaging.RedeliverInterval.Std(),
		MaxVersionHistory: cfg.Versions.MaxHistory,
		DefaultQuota:      cfg.Accounts.DefaultQuota.Bytes(),
		MaxQuota:          cfg.Accounts.MaxQuota.Bytes(),
		RequireAccount:    cfg.Accounts.RequireAccount,
		Capacity:          cfg.Storage.Capacity.Bytes(),
		RateLimit:         int(cfg.RateLimit.MessagesPerSecond),
		RateBurst:         cfg.RateLimit.Burst,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("name", cfg.Name).
		Str("id", key.ID.String()).
		Str("listen", cfg.Listen).
		Int("peers", len(peers)).
		Str("version", Version).
		Msg("Starting vaultmesh")

	if err := v.Start(ctx); err != nil {
		return fmt.Errorf("start vault: %w", err)
	}
	defer v.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return serveHTTP(gctx, "overlay", cfg.Listen, router.Handler()) })

	if cfg.Gateway.Listen != "" {
		gw := gateway.New(v, gateway.NewAuthenticator(cfg.Gateway.JWTSecret), logger)
		g.Go(func() error { return serveHTTP(gctx, "gateway", cfg.Gateway.Listen, gw) })
	}
	if cfg.Metrics.Listen != "" {
		collector := metrics.NewCollector(vm, v)
		g.Go(func() error {
			collector.Run(gctx, metricsInterval)
			return nil
		})
		var recorder *tracing.Recorder
		if cfg.Metrics.Trace {
			if recorder, err = tracing.Start(tracing.DefaultBufferSize, 0); err != nil {
				logger.Warn().Err(err).Msg("failed to start runtime tracing")
			} else {
				logger.Info().Msg("runtime tracing enabled")
				defer recorder.Stop()
			}
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/debug/trace", recorder)
		g.Go(func() error { return serveHTTP(gctx, "metrics", cfg.Metrics.Listen, mux) })
	}

	err = g.Wait()
	logger.Info().Msg("shutting down vault")
	return err
}

// shipLogs tees the global logger to Loki. The returned func pushes what is
// left and stops the shipper.
func shipLogs(cfg *config.Config, node identity.ID) func() {
	labels := map[string]string{
		"node":    node.Short(),
		"name":    cfg.Name,
		"version": Version,
	}
	for k, v := range cfg.Loki.Labels {
		labels[k] = v
	}
	shipper := loki.New(loki.Config{
		URL:           cfg.Loki.URL,
		Labels:        labels,
		BatchSize:     cfg.Loki.BatchSize,
		FlushInterval: cfg.Loki.FlushInterval.Std(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		shipper.Run(ctx)
		close(done)
	}()

	log.Logger = log.Output(zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr},
		shipper,
	))
	log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")

	return func() {
		cancel()
		<-done
	}
}

func meshPeers(in []config.PeerConfig) ([]routing.Peer, error) {
	peers := make([]routing.Peer, 0, len(in))
	for i, p := range in {
		peer := routing.Peer{Address: p.Address}
		if p.ID != "" {
			id, err := identity.Parse(p.ID)
			if err != nil {
				return nil, fmt.Errorf("peers[%d]: %w", i, err)
			}
			peer.ID = id
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// serveHTTP runs h on addr until ctx is done.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("listen", addr).Msgf("starting %s listener", name)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s listener: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

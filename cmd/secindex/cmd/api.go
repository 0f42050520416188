package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/secindex/internal/index"
	"github.com/kailas-cloud/secindex/internal/metrics"
	"github.com/kailas-cloud/secindex/internal/storage"
	chiTransport "github.com/kailas-cloud/secindex/internal/transport/chi"
	healthuc "github.com/kailas-cloud/secindex/internal/usecase/health"
	"github.com/kailas-cloud/secindex/internal/usecase/replica"
	searchuc "github.com/kailas-cloud/secindex/internal/usecase/search"
	"github.com/kailas-cloud/secindex/internal/version"
)

func newAPICmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve searches from a replica of the published index",
		Long: `Polls the object store for the domain's index snapshot, restores it when it
changes and serves GET /api/v1/search. /health reports an error until the
first snapshot has been restored.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAPI(ctx, *env)
		},
	}
}

func runAPI(ctx context.Context, env string) error {
	a, err := loadApp(env)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.log

	log.Info("Starting secindex API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("storage_driver", cfg.Storage.Driver),
	)

	metrics.RegisterPipelineMetrics()

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	engine, err := index.NewEngine(a.domain.Schema, index.Options{
		AwaitRestore:   true,
		QueryCacheSize: cfg.Index.QueryCacheSize,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer func() { _ = engine.Close() }()

	keys := storage.NewKeys(cfg.Storage.IndexPrefix)
	syncer := replica.New(engine, store, a.domain.Name, keys.SnapshotKey(a.domain.Name), cfg.Index.SyncInterval(), log)

	server := chiTransport.NewServer(
		searchuc.New(engine, cfg.Index.MaxPageSize),
		healthuc.New(store, nil, engine),
		log,
	).WithDefaultLimit(cfg.Index.DefaultPageSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncer.Run(gctx) })
	g.Go(func() error { return serveHTTP(gctx, cfg.HTTP, server.Router(cfg.Auth.APIKeys), log) })

	err = g.Wait()
	log.Info("Server stopped gracefully")
	return err
}

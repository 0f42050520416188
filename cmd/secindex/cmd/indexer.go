package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/secindex/internal/index"
	"github.com/kailas-cloud/secindex/internal/metrics"
	"github.com/kailas-cloud/secindex/internal/retry"
	"github.com/kailas-cloud/secindex/internal/storage"
	"github.com/kailas-cloud/secindex/internal/storage/fs"
	chiTransport "github.com/kailas-cloud/secindex/internal/transport/chi"
	healthuc "github.com/kailas-cloud/secindex/internal/usecase/health"
	"github.com/kailas-cloud/secindex/internal/usecase/indexer"
	"github.com/kailas-cloud/secindex/internal/usecase/notify"
	searchuc "github.com/kailas-cloud/secindex/internal/usecase/search"
	"github.com/kailas-cloud/secindex/internal/version"
)

// bridgeMaxRetries bounds how long a single notification is retried before it is dropped.
const bridgeMaxRetries = 8

func newIndexerCmd(env *string) *cobra.Command {
	var serve bool

	cmd := &cobra.Command{
		Use:   "indexer",
		Short: "Consume stored-object events and publish index snapshots",
		Long: `Runs the single writer for the configured domain: consumes the stored topic,
indexes documents, publishes indexed/failed events and uploads snapshots.

Only one indexer per domain may run; a second one exits while the lock is held.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runIndexer(ctx, *env, serve)
		},
	}

	cmd.Flags().BoolVar(&serve, "serve", false, "Also serve search, health and metrics from the writer's index")

	return cmd
}

func runIndexer(ctx context.Context, env string, serve bool) error {
	a, err := loadApp(env)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.log

	log.Info("Starting secindex indexer",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.String("bus_driver", cfg.Bus.Driver),
		zap.String("storage_driver", cfg.Storage.Driver),
	)

	lock, err := indexer.AcquireWriterLock(cfg.Index.LockPath)
	if err != nil {
		if errors.Is(err, indexer.ErrWriterLocked) {
			log.Error("Another indexer holds the writer lock", zap.String("path", cfg.Index.LockPath))
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	metrics.RegisterPipelineMetrics()

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	b, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	t := topics(cfg)
	if cfg.Bus.CreateTopics {
		if err := b.Create(ctx, t.All()); err != nil {
			return fmt.Errorf("create topics: %w", err)
		}
	}

	engine, err := index.NewEngine(a.domain.Schema, index.Options{
		JournalPath:    cfg.Index.JournalPath,
		QueryCacheSize: cfg.Index.QueryCacheSize,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer func() { _ = engine.Close() }()

	keys := storage.NewKeys(cfg.Storage.IndexPrefix)
	snapshotKey := keys.SnapshotKey(a.domain.Name)
	// A writer that lost its journal continues from the published snapshot, not from empty.
	err = retry.Do(ctx, retryConfig(cfg.Retry, -1), func() error {
		_, err := indexer.RestoreLatest(ctx, engine, store, snapshotKey, log)
		return err
	})
	if err != nil {
		return fmt.Errorf("restore index: %w", err)
	}

	pipeline := indexer.New(b, store, a.domain.Codec, engine, keys, indexer.Config{
		Domain:      a.domain.Name,
		Group:       cfg.Bus.Group,
		Topics:      t,
		BatchSize:   cfg.Index.BatchSize,
		BatchLinger: cfg.Index.BatchLinger(),
		Retry:       retryConfig(cfg.Retry, -1),
	}, log)
	snapshotter := indexer.NewSnapshotter(
		engine, store, a.domain.Name, snapshotKey, cfg.Index.SnapshotInterval(), log,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return snapshotter.Run(gctx) })

	if cfg.Storage.Watch {
		fsStore, ok := store.(*fs.Store)
		if !ok {
			return fmt.Errorf("storage.watch requires the fs driver")
		}
		bridge := notify.New(b, t.Stored, keys, retryConfig(cfg.Retry, bridgeMaxRetries), log)
		forward := func(ctx context.Context, payload []byte) error {
			if err := bridge.Forward(ctx, payload); err != nil && ctx.Err() == nil {
				log.Error("Notification dropped; run reindex to recover", zap.Error(err))
			}
			return nil
		}
		g.Go(func() error {
			if err := fsStore.Watch(gctx, forward); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
		log.Info("Forwarding filesystem notifications", zap.String("topic", t.Stored))
	}

	if serve {
		var busPinger healthuc.Pinger
		if p, ok := b.(pinger); ok {
			busPinger = p
		}
		server := chiTransport.NewServer(
			searchuc.New(engine, cfg.Index.MaxPageSize),
			healthuc.New(store, busPinger, engine),
			log,
		).WithDefaultLimit(cfg.Index.DefaultPageSize)
		g.Go(func() error { return serveHTTP(gctx, cfg.HTTP, server.Router(cfg.Auth.APIKeys), log) })
	}

	err = g.Wait()
	log.Info("Indexer stopped", zap.Uint64("sequence", engine.Sequence()))
	return err
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/storage/s3"
)

func newCreateTopicsCmd(env *string) *cobra.Command {
	var withBucket bool

	cmd := &cobra.Command{
		Use:   "create-topics",
		Short: "Create the domain's stored, indexed and failed topics",
		Long: `Creates the configured topics (idempotent). With --bucket and the s3 storage
driver, the bucket is created as well.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCreateTopics(ctx, *env, withBucket, cmd)
		},
	}

	cmd.Flags().BoolVar(&withBucket, "bucket", false, "Also create the s3 bucket if it does not exist")

	return cmd
}

func runCreateTopics(ctx context.Context, env string, withBucket bool, cmd *cobra.Command) error {
	a, err := loadApp(env)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.log

	b, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	names := topics(cfg).All()
	if err := b.Create(ctx, names); err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, name := range names {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "topic %s ready\n", name)
	}

	if !withBucket {
		return nil
	}
	if cfg.Storage.Driver != "s3" {
		log.Info("Skipping bucket creation", zap.String("storage_driver", cfg.Storage.Driver))
		return nil
	}
	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	s3Store, ok := store.(*s3.Store)
	if !ok {
		return fmt.Errorf("unexpected storage type %T", store)
	}
	if err := s3Store.EnsureBucket(ctx, cfg.Storage.Region); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "bucket %s ready\n", cfg.Storage.Bucket)
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/storage"
	"github.com/kailas-cloud/secindex/internal/usecase/reindex"
)

func newReindexCmd(env *string) *cobra.Command {
	var (
		opts   reindex.Options
		dryRun bool
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Republish stored objects to the stored topic",
		Long: `Lists objects under --prefix, keeps the keys matching --match (doublestar
syntax, e.g. "sbom/**/*.json") and publishes a stored event for each one.
The running indexer picks them up like fresh uploads.`,
		Example: `  secindex reindex --prefix sbom/ --match "sbom/**/*.cdx.json"
  secindex reindex --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReindex(ctx, cmd, *env, opts, dryRun, quiet)
		},
	}

	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "Only list keys under this prefix")
	cmd.Flags().StringVar(&opts.Match, "match", "", "Doublestar pattern keys must match")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count matching keys without publishing")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Disable the progress bar")

	return cmd
}

func runReindex(
	ctx context.Context, cmd *cobra.Command, env string,
	opts reindex.Options, dryRun, quiet bool,
) error {
	a, err := loadApp(env)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.log

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

	topic := topics(cfg).Stored
	svc := reindex.New(store, b, topic, storage.NewKeys(cfg.Storage.IndexPrefix), log)

	total, err := svc.Count(ctx, opts)
	if err != nil {
		return err
	}
	if dryRun || total == 0 {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d objects match\n", total)
		return err
	}

	if !quiet {
		bar := progressbar.NewOptions(total,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionSetDescription("[cyan]Publishing[reset]"),
			progressbar.OptionOnCompletion(func() {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr())
			}),
		)
		opts.Progress = func(published int) {
			_ = bar.Set(published)
		}
		defer func() { _ = bar.Finish() }()
	}

	stats, err := svc.Run(ctx, opts)
	if err != nil {
		return err
	}

	log.Info("Reindex complete",
		zap.String("topic", topic),
		zap.Int("listed", stats.Listed),
		zap.Int("published", stats.Published),
		zap.Int("skipped", stats.Skipped),
	)
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "published %d of %d listed objects to %s\n",
		stats.Published, stats.Listed, topic)
	return err
}

// Package cmd provides the CLI commands for secindex.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/codec"
	"github.com/kailas-cloud/secindex/internal/config"
	logpkg "github.com/kailas-cloud/secindex/internal/logger"
	"github.com/kailas-cloud/secindex/internal/version"
)

// NewRootCmd creates the root command for the secindex CLI.
func NewRootCmd() *cobra.Command {
	var env string

	cmd := &cobra.Command{
		Use:   "secindex",
		Short: "Security document ingestion and search",
		Long: `secindex indexes SBOM, VEX and CVE documents from an object store into a
full-text index and serves searches from replicas that restore published snapshots.

Run one 'indexer' per domain and any number of 'api' replicas.`,
		Version:      version.Version,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate("secindex version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&env, "env", config.GetEnv(),
		"Configuration environment; loads config/<env>.yaml")

	cmd.AddCommand(newIndexerCmd(&env))
	cmd.AddCommand(newAPICmd(&env))
	cmd.AddCommand(newCreateTopicsCmd(&env))
	cmd.AddCommand(newReindexCmd(&env))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// app is the state every long-running command starts from.
type app struct {
	cfg    config.Config
	domain codec.Domain
	log    *zap.Logger
}

func loadApp(env string) (*app, error) {
	cfg, err := config.Load(env)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	domain, err := codec.Lookup(cfg.Domain)
	if err != nil {
		return nil, err
	}

	log, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	return &app{cfg: cfg, domain: domain, log: log}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
}

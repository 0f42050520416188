package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/secindex/internal/bus"
	"github.com/kailas-cloud/secindex/internal/bus/kafka"
	"github.com/kailas-cloud/secindex/internal/bus/memory"
	busredis "github.com/kailas-cloud/secindex/internal/bus/redis"
	"github.com/kailas-cloud/secindex/internal/config"
	"github.com/kailas-cloud/secindex/internal/retry"
	"github.com/kailas-cloud/secindex/internal/storage"
	"github.com/kailas-cloud/secindex/internal/storage/fs"
	"github.com/kailas-cloud/secindex/internal/storage/s3"
)

const readinessTimeout = 30 * time.Second

// pinger is implemented by the bus backends that can check connectivity.
type pinger interface {
	Ping(ctx context.Context) error
}

// openBus creates the configured bus and waits until it responds.
func openBus(ctx context.Context, cfg config.Config, log *zap.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "kafka":
		clientID, _ := os.Hostname()
		b, err := kafka.NewBus(kafka.Config{
			Brokers:           cfg.Bus.Brokers,
			ClientID:          clientID,
			Partitions:        cfg.Bus.Partitions,
			ReplicationFactor: cfg.Bus.ReplicationFactor,
			Username:          cfg.Bus.Username,
			Password:          cfg.Bus.Password,
			SASLMechanism:     cfg.Bus.SASLMechanism,
			TLS:               cfg.Bus.TLS,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka bus: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
		defer cancel()
		if err := b.Ping(pingCtx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("kafka not ready: %w", err)
		}
		log.Info("Connected to kafka",
			zap.Strings("brokers", cfg.Bus.Brokers),
			zap.String("sasl", cfg.Bus.SASLMechanism),
			zap.Bool("tls", cfg.Bus.TLS),
		)
		return b, nil
	case "redis":
		b, err := busredis.NewBus(busredis.Config{
			Addrs:     cfg.Bus.Addrs,
			Username:  cfg.Bus.Username,
			Password:  cfg.Bus.Password,
			DB:        cfg.Bus.DB,
			KeyPrefix: cfg.Bus.KeyPrefix,
			Consumer:  cfg.Bus.Consumer,
			MaxLen:    cfg.Bus.MaxLen,
			ClaimIdle: time.Duration(cfg.Bus.ClaimIdleSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("redis bus: %w", err)
		}
		if err := b.WaitForReady(ctx, readinessTimeout); err != nil {
			_ = b.Close()
			return nil, err
		}
		log.Info("Connected to redis", zap.Strings("addrs", cfg.Bus.Addrs))
		return b, nil
	case "memory":
		log.Warn("Using in-memory bus; events do not survive a restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}

// openStorage creates the configured object store.
func openStorage(ctx context.Context, cfg config.Config, log *zap.Logger) (storage.Storage, error) {
	enc, err := storage.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Driver {
	case "s3":
		s, err := s3.NewStore(s3.Config{
			Endpoint:    cfg.Storage.Endpoint,
			Bucket:      cfg.Storage.Bucket,
			Region:      cfg.Storage.Region,
			AccessKey:   cfg.Storage.AccessKey,
			SecretKey:   cfg.Storage.SecretKey,
			UseSSL:      cfg.Storage.UseSSL,
			Compression: enc,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("s3 not ready: %w", err)
		}
		log.Info("Connected to object store",
			zap.String("endpoint", cfg.Storage.Endpoint),
			zap.String("bucket", cfg.Storage.Bucket),
		)
		return s, nil
	case "fs":
		s, err := fs.Open(fs.Config{Path: cfg.Storage.Path, Compression: enc, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("fs storage: %w", err)
		}
		log.Info("Opened filesystem store", zap.String("path", cfg.Storage.Path))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// topics returns the configured topic names.
func topics(cfg config.Config) bus.Topics {
	return bus.Topics{
		Stored:  cfg.Bus.Topics.Stored,
		Indexed: cfg.Bus.Topics.Indexed,
		Failed:  cfg.Bus.Topics.Failed,
	}
}

// retryConfig converts the retry section. maxRetries < 0 retries forever.
func retryConfig(c config.RetryConfig, maxRetries int) retry.Config {
	return retry.Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Duration(c.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.MaxDelayMs) * time.Millisecond,
		Multiplier:   c.Multiplier,
		Jitter:       !c.DisableJitter,
	}
}

// Package retry implements exponential backoff for transport and storage calls.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt. Negative retries forever.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay grows after each retry.
	Multiplier float64

	// Jitter scales each delay by a random factor in [0.5, 1.0).
	Jitter bool
}

// DefaultConfig retries forever, from 500ms up to 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   -1,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Backoff yields successive delays for one retry sequence. Not safe for concurrent use.
type Backoff struct {
	cfg     Config
	delay   time.Duration
	attempt int
}

// NewBackoff creates a Backoff starting at cfg.InitialDelay.
func NewBackoff(cfg Config) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Backoff{cfg: cfg, delay: cfg.InitialDelay}
}

// Next returns the next delay and advances the sequence.
func (b *Backoff) Next() time.Duration {
	wait := b.delay
	if b.cfg.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()*0.5))
	}

	b.attempt++
	b.delay = time.Duration(float64(b.delay) * b.cfg.Multiplier)
	if b.cfg.MaxDelay > 0 && b.delay > b.cfg.MaxDelay {
		b.delay = b.cfg.MaxDelay
	}
	return wait
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restarts the sequence after a success.
func (b *Backoff) Reset() {
	b.delay = b.cfg.InitialDelay
	b.attempt = 0
}

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	return Sleep(ctx, b.Next())
}

// Sleep pauses for d, returning early with ctx.Err() if ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do executes fn with exponential backoff until it succeeds, retries run out, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions that also return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	b := NewBackoff(cfg)

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		if cfg.MaxRetries >= 0 && b.Attempt() >= cfg.MaxRetries {
			return zero, fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, err)
		}

		if werr := b.Wait(ctx); werr != nil {
			return zero, werr
		}
	}
}

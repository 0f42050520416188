package redis

import (
	"time"

	"github.com/redis/rueidis"
)

// NewBusForTest creates a Bus with an injected client (for testing).
// Blocking reads use a short timeout. Claiming stays off unless cfg.ClaimIdle is set.
func NewBusForTest(c rueidis.Client, cfg Config) *Bus {
	if cfg.Consumer == "" {
		cfg.Consumer = "test-consumer"
	}
	if cfg.ClaimIdle == 0 {
		cfg.ClaimIdle = -1
	}
	b := newBus(c, cfg)
	b.block = 10 * time.Millisecond
	return b
}

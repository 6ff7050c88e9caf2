// Package ratelimit provides a limiter for throttling progress-event
// emission so a fast local transfer doesn't flood an event sink.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config configures a progress-event limiter.
type Config struct {
	EventsPerSecond float64
	Burst           int
}

// DefaultConfig returns a limiter tuned for smooth UI progress updates
// (roughly one event every 100ms, with a small burst allowance for the
// first few chunks of a transfer).
func DefaultConfig() Config {
	return Config{
		EventsPerSecond: 10,
		Burst:           5,
	}
}

// Limiter gates how often PartProgress/progress-style events may be emitted.
// Boundary events (PartDone, ChunkDone, state transitions) are never gated —
// callers should bypass the limiter for those.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	config  Config
}

// New creates a Limiter from cfg, applying defaults for zero fields.
func New(cfg Config) *Limiter {
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.EventsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.Burst),
		config:  cfg,
	}
}

// Allow reports whether a progress event may be emitted right now.
func (l *Limiter) Allow() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter.Allow()
}

// Wait blocks until a progress event may be emitted or ctx is cancelled.
// Transfer engines should prefer Allow for non-blocking throttling and
// reserve Wait for a final flush before a state transition.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Reset rebuilds the underlying token bucket from the original config,
// clearing any accumulated burst credit.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter = rate.NewLimiter(rate.Limit(l.config.EventsPerSecond), l.config.Burst)
}

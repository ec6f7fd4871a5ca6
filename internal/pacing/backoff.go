package pacing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mapforge/tilefetch/internal/telemetry"
)

// ExponentialBackoff grows a delay multiplicatively on each failure, capped
// at a maximum, and sleeps that delay before the next attempt is allowed. A
// success resets the delay to its base value.
type ExponentialBackoff struct {
	base   time.Duration
	max    time.Duration
	factor float64

	mu      sync.Mutex
	current time.Duration

	sleep  sleeper
	logger *zap.Logger
}

// NewExponentialBackoff builds an ExponentialBackoff strategy.
func NewExponentialBackoff(cfg Config, logger *zap.Logger) *ExponentialBackoff {
	base := cfg.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := cfg.MaxDelay
	if max <= 0 {
		max = time.Minute
	}
	factor := cfg.Factor
	if factor <= 1 {
		factor = 2
	}
	return &ExponentialBackoff{
		base:    base,
		max:     max,
		factor:  factor,
		current: base,
		sleep:   sleepCtx,
		logger:  logger,
	}
}

// Name identifies the strategy in logs and metrics.
func (s *ExponentialBackoff) Name() string { return "exponential_backoff" }

// Before is a no-op; the delay is applied on failure in After.
func (s *ExponentialBackoff) Before(_ context.Context) error { return nil }

// After resets the delay on success. On failure it multiplies the delay by
// the configured factor, caps it at the maximum, and sleeps that long before
// returning.
func (s *ExponentialBackoff) After(ctx context.Context, success bool) {
	s.mu.Lock()
	if success {
		s.current = s.base
		s.mu.Unlock()
		return
	}
	next := time.Duration(float64(s.current) * s.factor)
	if next > s.max {
		next = s.max
	}
	s.current = next
	s.mu.Unlock()

	s.logger.Warn("fetch failed, backing off", zap.Duration("delay", next))
	s.sleep(ctx, next)
	telemetry.ObservePacingDelay(s.Name(), next)
}

// Delay reports the backoff that the next failure path would sleep from.
func (s *ExponentialBackoff) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Package pacing implements request pacing strategies that decide when a
// tile fetch may be issued. Strategies compose: callers run every strategy's
// Before hook ahead of a request and every After hook once the outcome is
// known, in configured order.
package pacing

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mapforge/tilefetch/internal/clock"
)

// Strategy paces fetch attempts. Before may block the caller; After records
// the outcome and may block as well (failure backoff).
type Strategy interface {
	Name() string
	Before(ctx context.Context) error
	After(ctx context.Context, success bool)
}

// Config describes one configured strategy entry.
type Config struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	// rate_limit
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// time_based
	RunMinutes   int `mapstructure:"run_minutes"`
	PauseMinutes int `mapstructure:"pause_minutes"`
	BatchSize    int `mapstructure:"batch_size"`

	// exponential_backoff
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Factor    float64       `mapstructure:"factor"`
}

const defaultRequestsPerSecond = 5

// New builds a Strategy from configuration. Unrecognized types fail closed:
// a conservative default rate limiter is substituted instead of aborting.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) Strategy {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	switch normalizeType(cfg.Type) {
	case "rate_limit":
		return NewRateLimit(cfg)
	case "time_based":
		return NewTimeBased(cfg, clk, logger)
	case "exponential_backoff":
		return NewExponentialBackoff(cfg, logger)
	default:
		logger.Warn("unknown pacing strategy type, substituting default rate limiter",
			zap.String("type", cfg.Type),
			zap.Float64("requests_per_second", defaultRequestsPerSecond),
		)
		return NewRateLimit(Config{RequestsPerSecond: defaultRequestsPerSecond})
	}
}

// NewAll builds strategies for every config entry, preserving order.
func NewAll(cfgs []Config, clk clock.Clock, logger *zap.Logger) []Strategy {
	strategies := make([]Strategy, 0, len(cfgs))
	for _, cfg := range cfgs {
		strategies = append(strategies, New(cfg, clk, logger))
	}
	return strategies
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.ReplaceAll(t, "-", "_")
}

// sleeper pauses the caller, honoring context cancellation. Tests substitute
// a recording implementation.
type sleeper func(ctx context.Context, d time.Duration)

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

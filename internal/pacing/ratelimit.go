package pacing

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/mapforge/tilefetch/internal/telemetry"
)

// RateLimit enforces a minimum inter-request interval of 1/requests_per_second.
// The underlying token bucket sleeps only the residual time since the last
// request was admitted.
type RateLimit struct {
	limiter *rate.Limiter
}

// NewRateLimit builds a RateLimit strategy.
func NewRateLimit(cfg Config) *RateLimit {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	return &RateLimit{
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Name identifies the strategy in logs and metrics.
func (s *RateLimit) Name() string { return "rate_limit" }

// Before blocks until the limiter admits the next request.
func (s *RateLimit) Before(ctx context.Context) error {
	start := time.Now()
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObservePacingDelay(s.Name(), waited)
	}
	return nil
}

// After is a no-op for rate limiting.
func (s *RateLimit) After(_ context.Context, _ bool) {}

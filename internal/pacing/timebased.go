package pacing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mapforge/tilefetch/internal/clock"
	"github.com/mapforge/tilefetch/internal/telemetry"
)

// TimeBased downloads in batches: after the configured run duration or batch
// size is reached it pauses for the configured duration, then starts a fresh
// batch. The elapsed clock and the counter reset at each batch boundary.
type TimeBased struct {
	run       time.Duration
	pause     time.Duration
	batchSize int

	mu         sync.Mutex
	count      int
	batchStart time.Time

	clk    clock.Clock
	sleep  sleeper
	logger *zap.Logger
}

// NewTimeBased builds a TimeBased strategy.
func NewTimeBased(cfg Config, clk clock.Clock, logger *zap.Logger) *TimeBased {
	run := cfg.RunMinutes
	if run <= 0 {
		run = 5
	}
	pause := cfg.PauseMinutes
	if pause <= 0 {
		pause = 1
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &TimeBased{
		run:        time.Duration(run) * time.Minute,
		pause:      time.Duration(pause) * time.Minute,
		batchSize:  batchSize,
		batchStart: clk.Now(),
		clk:        clk,
		sleep:      sleepCtx,
		logger:     logger,
	}
}

// Name identifies the strategy in logs and metrics.
func (s *TimeBased) Name() string { return "time_based" }

// Before pauses between batches when the run duration or batch size has been
// exceeded, then resets the batch state.
func (s *TimeBased) Before(ctx context.Context) error {
	s.mu.Lock()
	elapsed := s.clk.Now().Sub(s.batchStart)
	exceeded := elapsed > s.run || s.count >= s.batchSize
	s.mu.Unlock()

	if !exceeded {
		return nil
	}

	s.logger.Info("batch limit reached, pausing",
		zap.Duration("elapsed", elapsed),
		zap.Duration("pause", s.pause),
	)
	s.sleep(ctx, s.pause)
	telemetry.ObservePacingDelay(s.Name(), s.pause)

	s.mu.Lock()
	s.batchStart = s.clk.Now()
	s.count = 0
	s.mu.Unlock()
	return ctx.Err()
}

// After counts the completed attempt toward the current batch.
func (s *TimeBased) After(_ context.Context, _ bool) {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
}

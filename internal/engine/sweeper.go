// ABOUTME: Background sweeper abandoning idle conversations on a timer
// ABOUTME: Also purges old closed conversations on a slower cadence

package engine

import (
	"context"
	"log/slog"
	"time"
)

// purgeEvery is how many sweep cycles pass between purge runs.
const purgeEvery = 12

// SweeperConfig controls the background maintenance cadence.
type SweeperConfig struct {
	// Interval between idle sweeps.
	Interval time.Duration

	// Retention is how long terminal conversations are kept before the
	// purge removes them. Zero disables purging.
	Retention time.Duration
}

// DefaultSweeperConfig returns the production cadence.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  5 * time.Minute,
		Retention: 90 * 24 * time.Hour,
	}
}

// Sweeper drives the engine's idle sweep and retention purge from a timer.
type Sweeper struct {
	engine *Engine
	cfg    SweeperConfig
	logger *slog.Logger
}

// NewSweeper creates a sweeper. Pass nil logger for default.
func NewSweeper(engine *Engine, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}
	return &Sweeper{
		engine: engine,
		cfg:    cfg,
		logger: logger.With("component", "sweeper"),
	}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.cfg.Interval)
	cycles := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.engine.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("idle sweep failed", "error", err)
			}
			cycles++
			if s.cfg.Retention > 0 && cycles%purgeEvery == 0 {
				if _, err := s.engine.PurgeClosed(ctx, s.cfg.Retention); err != nil && ctx.Err() == nil {
					s.logger.Error("retention purge failed", "error", err)
				}
			}
		}
	}
}

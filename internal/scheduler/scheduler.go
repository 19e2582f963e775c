// Package scheduler runs the outer cycle loop: invoke a cycle, sleep,
// repeat. Failures back off exponentially and never crash the process;
// an operator reading the log can tell "no new scans" apart from
// "device unreachable" because the cycle's own error is logged verbatim.
package scheduler

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Config controls cycle cadence and failure backoff.
type Config struct {
	Interval   time.Duration // sleep after a successful cycle
	MaxBackoff time.Duration // cap for the failure backoff
	Multiplier float64       // backoff growth per consecutive failure
	Jitter     float64       // random factor (0-1) applied to backoff
}

// DefaultConfig returns the cadence used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Minute,
		MaxBackoff: 30 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Scheduler repeatedly invokes a cycle function until its context is
// cancelled.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Scheduler, filling unset Config fields from defaults.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = def.Jitter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, logger: logger}
}

// Run blocks, invoking cycle on each pass. A cycle error is logged and
// treated as "nothing this cycle"; consecutive failures stretch the wait
// exponentially until a cycle succeeds again.
func (s *Scheduler) Run(ctx context.Context, cycle func(context.Context) error) {
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))

	failures := 0
	for {
		if err := cycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			s.logger.Error("cycle failed",
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
		} else {
			failures = 0
		}

		wait := s.NextDelay(failures)
		s.logger.Debug("sleeping until next cycle", zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-time.After(wait):
		}
	}
	s.logger.Info("scheduler stopped")
}

// NextDelay returns the wait before the next cycle given the number of
// consecutive failures so far: the plain interval after a success,
// exponential backoff (jittered, capped at MaxBackoff) otherwise.
func (s *Scheduler) NextDelay(failures int) time.Duration {
	if failures <= 0 {
		return s.cfg.Interval
	}
	wait := float64(s.cfg.Interval) * math.Pow(s.cfg.Multiplier, float64(failures-1))
	if wait > float64(s.cfg.MaxBackoff) {
		wait = float64(s.cfg.MaxBackoff)
	}
	if s.cfg.Jitter > 0 {
		wait += wait * s.cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

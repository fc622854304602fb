package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"folio/internal/domain"
	"folio/internal/metrics"
	"folio/internal/service/orchestrator"
)

// Tick results, also used as metric labels.
const (
	ResultRan          = "ran"
	ResultMarketClosed = "market_closed"
	ResultAllRunning   = "all_running"
	ResultFailed       = "failed"
)

type Runner interface {
	Sources() []domain.Source
	RunCycle(ctx context.Context, req orchestrator.CycleRequest) (domain.CycleReport, error)
}

type RunningChecker interface {
	Running(src domain.Source) bool
}

type Config struct {
	Interval           time.Duration
	OutsideMarketHours bool
	Hours              MarketHours
}

// Scheduler triggers a non-interactive refresh cycle on every interval.
type Scheduler struct {
	cfg     Config
	runner  Runner
	state   RunningChecker
	now     func() time.Time
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l.With().Str("component", "scheduler").Logger() }
}

func New(cfg Config, runner Runner, state RunningChecker, opts ...Option) *Scheduler {
	s := &Scheduler{cfg: cfg, runner: runner, state: state, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick runs one cycle unless the market is closed with outside-hours refresh
// disabled, or every source is already updating.
func (s *Scheduler) Tick(ctx context.Context) (string, error) {
	if !s.cfg.OutsideMarketHours && !s.cfg.Hours.IsOpen(s.now()) {
		s.metrics.Tick(ResultMarketClosed)
		s.log.Debug().Msg("auto-refresh skipped: market closed")
		return ResultMarketClosed, nil
	}
	sources := s.runner.Sources()
	if s.allRunning(sources) {
		s.metrics.Tick(ResultAllRunning)
		s.log.Debug().Msg("auto-refresh skipped: refresh already in progress")
		return ResultAllRunning, nil
	}
	if _, err := s.runner.RunCycle(ctx, orchestrator.CycleRequest{Trigger: "scheduled"}); err != nil {
		s.metrics.Tick(ResultFailed)
		return ResultFailed, err
	}
	s.metrics.Tick(ResultRan)
	return ResultRan, nil
}

func (s *Scheduler) allRunning(sources []domain.Source) bool {
	if len(sources) == 0 {
		return false
	}
	for _, src := range sources {
		if !s.state.Running(src) {
			return false
		}
	}
	return true
}

// Run ticks every interval until ctx is cancelled or the orchestrator
// closes. The first tick happens one interval after start.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.cfg.Interval).Bool("outside_market_hours", s.cfg.OutsideMarketHours).Msg("auto-refresh started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("auto-refresh stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				if errors.Is(err, orchestrator.ErrClosed) {
					return err
				}
				s.log.Error().Err(err).Msg("auto-refresh cycle failed")
			}
		}
	}
}

package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the expiry sweep every six hours.
const DefaultSweepSchedule = "0 */6 * * *"

const sweepTimeout = time.Minute

var errMissingSweepTarget = errors.New("sweeper requires an expiry sweeper")

// ExpirySweeper removes rooms past their retention window.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

type SweeperConfig struct {
	Target   ExpirySweeper
	Schedule string
	Logger   *zap.Logger
}

// Sweeper runs the expiry sweep on a cron schedule, out of band from request handling.
type Sweeper struct {
	target   ExpirySweeper
	schedule cron.Schedule
	spec     string
	logger   *zap.Logger
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Target == nil {
		return nil, errMissingSweepTarget
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("rooms: invalid sweep schedule %q: %w", spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Sweeper{
		target:   cfg.Target,
		schedule: schedule,
		spec:     spec,
		logger:   logger,
	}, nil
}

// RunOnce performs a single bounded sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	return s.target.SweepExpired(sweepCtx)
}

// Run sweeps once immediately and then on every scheduled tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.runLogged(ctx)

	scheduler := cron.New()
	scheduler.Schedule(s.schedule, cron.FuncJob(func() {
		s.runLogged(ctx)
	}))
	scheduler.Start()
	s.logger.Info("room sweeper started", zap.String("schedule", s.spec))

	<-ctx.Done()
	<-scheduler.Stop().Done()
	s.logger.Info("room sweeper stopped")
}

func (s *Sweeper) runLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("room sweep failed", zap.Error(err))
	}
}

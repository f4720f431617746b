package license

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"wasender/internal/runtime/supervisor"
	logx "wasender/pkg/logx"
)

// Sweeper runs SweepExpirations on the configured cron schedule.
type Sweeper struct {
	coord *Coordinator
	log   logx.Logger
	c     *cron.Cron
	sup   *supervisor.Supervisor
}

func NewSweeper(coord *Coordinator, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{
		coord: coord,
		log:   log.With(logx.String("component", "license.sweeper")),
	}
}

// Start registers the sweep job and runs it once immediately so a long
// downtime does not leave stale active licenses until the next tick.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.c != nil {
		return nil
	}
	c := cron.New()
	spec := s.coord.cfg.SweepSchedule
	if _, err := c.AddFunc(spec, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.c = c
	c.Start()
	s.log.Info("expiry sweep scheduled", logx.String("schedule", spec))
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	s.sup.Go0("license.sweep.initial", s.runOnce)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.c == nil {
		return
	}
	stopCtx := s.c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("expiry sweep did not stop in time")
	}
	if s.sup != nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.sup.Wait(waitCtx); err != nil {
			s.log.Warn("initial sweep did not stop in time", logx.Err(err))
		}
		s.sup = nil
	}
	s.c = nil
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.coord.SweepExpirations(sweepCtx); err != nil {
		s.log.Error("expiry sweep failed", logx.Err(err))
	}
}

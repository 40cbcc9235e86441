package snapshot

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// NextDaily returns the next time strictly after now at hour:00 in loc.
func NextDaily(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}

// Scheduler runs a job once a day at a fixed local hour.
type Scheduler struct {
	Hour         int
	Location     *time.Location
	RunAtStartup bool

	nowFunc   func() time.Time
	afterFunc func(d time.Duration) <-chan time.Time
}

// NewScheduler creates a daily scheduler.
func NewScheduler(hour int, loc *time.Location, runAtStartup bool) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		Hour:         hour,
		Location:     loc,
		RunAtStartup: runAtStartup,
		nowFunc:      time.Now,
		afterFunc:    time.After,
	}
}

// Run blocks until ctx is done, calling job at every scheduled time.
// Jobs run sequentially, so a slow job delays the next check.
func (s *Scheduler) Run(ctx context.Context, job func(ctx context.Context)) {
	log := zap.L().With(zap.String("component", "snapshot.scheduler"))

	if s.RunAtStartup {
		log.Info("running startup ingest")
		job(ctx)
	}

	for {
		next := NextDaily(s.nowFunc(), s.Hour, s.Location)
		wait := next.Sub(s.nowFunc())
		log.Info("next scheduled ingest", zap.Time("at", next), zap.Duration("in", wait))

		select {
		case <-ctx.Done():
			return
		case <-s.afterFunc(wait):
		}
		job(ctx)
	}
}

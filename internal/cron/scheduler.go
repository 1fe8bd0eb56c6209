package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DispatchFunc is called for every trigger that matches a minute.
type DispatchFunc func(ctx context.Context, expr string, scheduled time.Time)

// Scheduler fires triggers at most once per matching minute. Triggers are
// matched against UTC wall-clock time.
type Scheduler struct {
	schedules []*Schedule
	dispatch  DispatchFunc
	logger    *zap.Logger
	now       func() time.Time

	last    time.Time
	running sync.WaitGroup
}

func utcNow() time.Time { return time.Now().UTC() }

// NewScheduler parses every expression up front so a bad trigger fails at
// startup rather than silently never firing.
func NewScheduler(exprs []string, dispatch DispatchFunc, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{dispatch: dispatch, logger: logger, now: utcNow}
	for _, expr := range exprs {
		sched, err := Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("cron trigger %q: %w", expr, err)
		}
		s.schedules = append(s.schedules, sched)
	}
	return s, nil
}

// Triggers returns the configured expressions.
func (s *Scheduler) Triggers() []string {
	out := make([]string, len(s.schedules))
	for i, sched := range s.schedules {
		out[i] = sched.Expr
	}
	return out
}

// Tick starts a dispatch for every trigger matching the minute of t, each
// on its own goroutine, and returns the expressions fired without waiting
// for them. A minute that was already ticked is ignored.
func (s *Scheduler) Tick(ctx context.Context, t time.Time) []string {
	minute := t.UTC().Truncate(time.Minute)
	if !s.last.IsZero() && !minute.After(s.last) {
		return nil
	}
	s.last = minute

	var fired []string
	for _, sched := range s.schedules {
		if sched.Matches(minute) {
			fired = append(fired, sched.Expr)
			s.running.Add(1)
			go func(expr string) {
				defer s.running.Done()
				s.dispatch(ctx, expr, minute)
			}(sched.Expr)
		}
	}
	return fired
}

// Wait blocks until every dispatch started by Tick has returned.
func (s *Scheduler) Wait() { s.running.Wait() }

// Run ticks at the start of every minute until ctx is cancelled, then
// waits for running dispatches.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.schedules) == 0 {
		return
	}
	s.logger.Info("cron scheduler started", zap.Strings("triggers", s.Triggers()))
	for {
		now := s.now()
		wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.Wait()
			s.logger.Info("cron scheduler stopped")
			return
		case <-timer.C:
			s.Tick(ctx, s.now())
		}
	}
}

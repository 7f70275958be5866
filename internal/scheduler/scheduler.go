// Package scheduler triggers periodic drains on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Target receives scheduled drain requests. Trigger must not block.
type Target interface {
	Trigger()
}

// Connectivity reports whether the remote service is believed reachable.
type Connectivity interface {
	Online() bool
}

// Scheduler triggers the target on a cron schedule while online.
type Scheduler struct {
	spec    string
	target  Target
	online  Connectivity
	cron    *cron.Cron
	entryID cron.EntryID
}

// New creates a scheduler. spec is a standard five-field cron expression or
// a descriptor such as "@every 5m"; an empty spec disables scheduling.
// online may be nil.
func New(spec string, target Target, online Connectivity) *Scheduler {
	return &Scheduler{
		spec:   spec,
		target: target,
		online: online,
		cron:   cron.New(),
	}
}

// Enabled reports whether a schedule is configured.
func (s *Scheduler) Enabled() bool {
	return s.spec != ""
}

// Start registers the schedule and starts the cron runner. It is a no-op
// when scheduling is disabled.
func (s *Scheduler) Start() error {
	if !s.Enabled() {
		slog.Info("scheduler disabled", "component", "scheduler")
		return nil
	}

	id, err := s.cron.AddFunc(s.spec, s.fire)
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.spec, err)
	}
	s.entryID = id
	s.cron.Start()

	slog.Info("scheduler started",
		"component", "scheduler",
		"schedule", s.spec,
		"next", s.Next(),
	)
	return nil
}

// Stop stops the cron runner and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped", "component", "scheduler")
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	if s.Enabled() {
		s.Stop()
	}
	return nil
}

// Next returns the next scheduled activation, or the zero time when the
// scheduler is disabled or not started.
func (s *Scheduler) Next() time.Time {
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

func (s *Scheduler) fire() {
	if s.online != nil && !s.online.Online() {
		slog.Debug("scheduled drain skipped while offline", "component", "scheduler")
		return
	}
	slog.Debug("scheduled drain triggered", "component", "scheduler")
	s.target.Trigger()
}

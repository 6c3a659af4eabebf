// Package scheduler runs stored delegation schedules: a poll loop picks up
// due schedules and submits their delegation requests through the
// communication facade.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/meshwork/plexus/internal/config"
	"github.com/meshwork/plexus/internal/delegate"
	"github.com/meshwork/plexus/internal/schedule"
	"github.com/meshwork/plexus/internal/store"
)

// Submitter runs one delegation. Implemented by the comms service.
type Submitter interface {
	Delegate(ctx context.Context, req delegate.Request) (*delegate.Result, error)
}

type Scheduler struct {
	store        *store.Store
	submit       Submitter
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, submit Submitter, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		submit:       submit,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(time.Now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sched := range due {
		s.execute(ctx, sched)
	}
}

func (s *Scheduler) execute(ctx context.Context, sched store.DelegationSchedule) {
	slog.Info("executing scheduled delegation", "id", sched.ID, "name", sched.Name)

	lastStatus, lastError := "success", ""
	if err := s.run(ctx, sched); err != nil {
		lastStatus, lastError = "error", err.Error()
		slog.Error("scheduled delegation failed", "id", sched.ID, "error", err)
	}

	var nextRun *time.Time
	if spec, err := schedule.Parse(sched.Schedule); err == nil {
		if next, ok := spec.Next(time.Now()); ok {
			nextRun = &next
		}
	}

	if err := s.store.UpdateScheduleRun(sched.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", sched.ID, "error", err)
	}

	// One-off schedules with no future run are marked completed.
	if nextRun == nil {
		slog.Info("no next run, completing schedule", "id", sched.ID, "name", sched.Name)
		if err := s.store.UpdateScheduleStatus(sched.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", sched.ID, "error", err)
		}
	}
}

// run decodes the stored request template and submits it with a fresh
// delegation ID, so every firing produces a distinct run.
func (s *Scheduler) run(ctx context.Context, sched store.DelegationSchedule) error {
	var req delegate.Request
	if err := json.Unmarshal([]byte(sched.Request), &req); err != nil {
		return err
	}
	req.DelegationID = uuid.New().String()
	for i := range req.Tasks {
		req.Tasks[i].TaskID = ""
	}

	res, err := s.submit.Delegate(ctx, req)
	if err != nil {
		return err
	}
	if !res.Success {
		if res.Error != "" {
			return fmt.Errorf("delegation %s: %s", res.DelegationID, res.Error)
		}
		return fmt.Errorf("delegation %s completed with %d failed tasks", res.DelegationID, res.FailedTasks)
	}
	return nil
}

package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/schedule"
)

// RunPhase is the external executor's view of a job run.
type RunPhase string

const (
	PhaseActive    RunPhase = "Active"
	PhaseFailed    RunPhase = "Failed"
	PhaseSucceeded RunPhase = "Succeeded"
)

// RunStatus reports whether a run exists for a job and what phase it is in.
type RunStatus struct {
	Exists bool
	Phase  RunPhase
}

// ExecutionTracker is the external workflow-engine collaborator.
type ExecutionTracker interface {
	GetRunStatus(ctx context.Context, jobID string) (RunStatus, error)
}

// JobCanceler cancels a job with an attributed message. Implemented by the
// workflow engine.
type JobCanceler interface {
	CancelJob(ctx context.Context, jobID, message string) error
}

// Config holds reaper configuration.
type Config struct {
	// MinAge is how long a running job must go without updates before the
	// reaper checks its external run. Default: 1h.
	MinAge time.Duration

	// Schedule sets the scan cadence. Default: every 10 minutes.
	Schedule schedule.Schedule

	// Retention is how long terminal jobs keep their work items and batch
	// ledger rows. Zero disables retention cleanup.
	Retention time.Duration

	// BatchSize caps how many stalled jobs one cycle examines. Default: 100.
	BatchSize int
}

// Reaper repairs drift between the engine's bookkeeping and the external
// executor by canceling jobs whose run is absent or terminated with failure.
type Reaper struct {
	store   core.Storage
	tracker ExecutionTracker
	jobs    JobCanceler
	config  Config
	logger  *slog.Logger
}

// New creates a reaper.
func New(store core.Storage, tracker ExecutionTracker, jobs JobCanceler, cfg Config) *Reaper {
	if cfg.MinAge <= 0 {
		cfg.MinAge = time.Hour
	}
	if cfg.Schedule == nil {
		cfg.Schedule = schedule.Every(10 * time.Minute)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reaper{store: store, tracker: tracker, jobs: jobs, config: cfg, logger: slog.Default()}
}

// Start runs reap cycles on the configured schedule until the context is
// cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	return runLoop(ctx, r.config.Schedule, func() {
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reaper cycle failed", "error", err)
		}
	})
}

// RunOnce performs a single reap cycle.
func (r *Reaper) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-r.config.MinAge)
	stalled, err := r.store.GetStalledJobs(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return err
	}

	for _, job := range stalled {
		status, err := r.tracker.GetRunStatus(ctx, job.ID)
		if err != nil {
			r.logger.Warn("execution tracker lookup failed", "job_id", job.ID, "error", err)
			continue
		}
		if status.Exists && status.Phase != PhaseFailed {
			continue
		}

		reason := "no active execution found for this job"
		if status.Exists {
			reason = "the external execution terminated with failure"
		}
		msg := fmt.Sprintf("Canceled by the orphan reaper: %s", reason)
		if err := r.jobs.CancelJob(ctx, job.ID, msg); err != nil {
			r.logger.Error("failed to cancel orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		r.logger.Info("orphaned job canceled", "job_id", job.ID, "reason", reason)
	}

	if r.config.Retention > 0 {
		purged, err := r.store.PurgeTerminalJobArtifacts(ctx, time.Now().Add(-r.config.Retention))
		if err != nil {
			return err
		}
		if purged > 0 {
			r.logger.Info("purged terminal job artifacts", "rows", purged)
		}
	}
	return nil
}

// runLoop invokes fn on the schedule until the context ends.
func runLoop(ctx context.Context, s schedule.Schedule, fn func()) error {
	for {
		wait := time.Until(s.Next(time.Now()))
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			fn()
		}
	}
}

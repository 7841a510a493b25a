package workflow

import (
	"context"
	"time"

	"github.com/trellis-data/trellis/pkg/core"
)

// CancelJob marks the job canceled, cancels all of its non-terminal work
// items, and records the attributed message. No further batches close and no
// items dispatch for the job afterward; both the claim and batch-close paths
// check job status. Canceling a terminal job returns ErrJobTerminal.
func (e *Engine) CancelJob(ctx context.Context, jobID, message string) error {
	var changed *core.JobStateChanged

	err := e.store.Transaction(ctx, func(tx core.Storage) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return core.ErrJobTerminal
		}
		prev := job.Status
		job.Status = core.JobCanceled
		if message != "" {
			job.Message = message
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		if _, err := tx.CancelJobWorkItems(ctx, jobID); err != nil {
			return err
		}
		changed = &core.JobStateChanged{Job: job, Previous: prev, Timestamp: time.Now()}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("job canceled", "job_id", jobID, "message", message)
	e.emit(changed)
	return nil
}

// PauseJob stops further dispatch for the job; running items finish
// normally. The previous status is kept for restoration.
func (e *Engine) PauseJob(ctx context.Context, jobID string) error {
	return e.store.Transaction(ctx, func(tx core.Storage) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return core.ErrJobTerminal
		}
		if job.Status == core.JobPaused {
			return nil
		}
		job.PreviousStatus = job.Status
		job.Status = core.JobPaused
		return tx.UpdateJob(ctx, job)
	})
}

// ResumeJob restores a paused job to its pre-pause status.
func (e *Engine) ResumeJob(ctx context.Context, jobID string) error {
	return e.store.Transaction(ctx, func(tx core.Storage) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != core.JobPaused {
			return core.ErrJobNotPaused
		}
		job.Status = job.PreviousStatus
		if job.Status == "" || job.Status == core.JobPaused {
			job.Status = core.JobRunning
		}
		job.PreviousStatus = ""
		return tx.UpdateJob(ctx, job)
	})
}

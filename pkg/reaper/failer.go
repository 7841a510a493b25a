package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/schedule"
)

// Completer applies a work item completion through the engine. Implemented
// by the workflow engine.
type Completer interface {
	CompleteWorkItem(ctx context.Context, itemID int64, update core.WorkItemUpdate) error
}

// FailerConfig holds work failer configuration.
type FailerConfig struct {
	// Timeout is how long an item may stay running before it is failed.
	// Default: 1h.
	Timeout time.Duration

	// Schedule sets the scan cadence. Default: every minute.
	Schedule schedule.Schedule

	// BatchSize caps how many stuck items one cycle fails. Default: 100.
	BatchSize int
}

// Failer times out stuck running work items, feeding the normal retry and
// failure path rather than leaving work silently stuck.
type Failer struct {
	store     core.Storage
	completer Completer
	config    FailerConfig
	logger    *slog.Logger
}

// NewFailer creates a work failer.
func NewFailer(store core.Storage, completer Completer, cfg FailerConfig) *Failer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.Schedule == nil {
		cfg.Schedule = schedule.Every(time.Minute)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Failer{store: store, completer: completer, config: cfg, logger: slog.Default()}
}

// Start runs fail cycles on the configured schedule until the context is
// cancelled.
func (f *Failer) Start(ctx context.Context) error {
	return runLoop(ctx, f.config.Schedule, func() {
		if err := f.RunOnce(ctx); err != nil {
			f.logger.Error("work failer cycle failed", "error", err)
		}
	})
}

// RunOnce performs a single timeout scan.
func (f *Failer) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-f.config.Timeout)
	stuck, err := f.store.GetStuckWorkItems(ctx, cutoff, f.config.BatchSize)
	if err != nil {
		return err
	}

	for _, item := range stuck {
		update := core.WorkItemUpdate{
			Status:    core.WorkItemFailed,
			SubStatus: fmt.Sprintf("work item timed out after %s", f.config.Timeout),
		}
		if err := f.completer.CompleteWorkItem(ctx, item.ID, update); err != nil {
			f.logger.Error("failed to time out work item", "work_item_id", item.ID, "error", err)
			continue
		}
		f.logger.Warn("work item timed out", "work_item_id", item.ID,
			"job_id", item.JobID, "service_id", item.ServiceID)
	}
	return nil
}

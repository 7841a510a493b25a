package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/discovery"
	"github.com/trellis-data/trellis/pkg/progress"
	"github.com/trellis-data/trellis/pkg/security"
)

// CompleteWorkItem applies a worker's completion report for a running item
// and advances the job: recording outputs in the aggregation ledger, closing
// any batches whose membership became final, continuing discovery paging,
// propagating step exhaustion, and refreshing job progress/status. The whole
// decision runs in one storage transaction.
//
// Updates for already-terminal items are accepted as no-ops, because network
// retries are expected. Updates for items that were never claimed are
// rejected with ErrInvalidTransition.
func (e *Engine) CompleteWorkItem(ctx context.Context, itemID int64, update core.WorkItemUpdate) error {
	if len(update.Results) > security.MaxResultsPerItem {
		return core.Validation("completion carries %d results, the limit is %d",
			len(update.Results), security.MaxResultsPerItem)
	}

	var events []core.Event
	var created []*core.WorkItem
	var ops map[int]*core.DataOperation

	err := e.store.Transaction(ctx, func(tx core.Storage) error {
		// The transaction may be retried; start each attempt clean.
		events = events[:0]
		created = created[:0]
		ops = make(map[int]*core.DataOperation)

		item, err := tx.GetWorkItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item.Status.Terminal() {
			return nil
		}
		if item.Status != core.WorkItemRunning {
			return core.ErrInvalidTransition
		}
		if !core.ValidWorkItemTransition(item.Status, update.Status) || !update.Status.Terminal() {
			return core.ErrInvalidTransition
		}

		job, err := tx.GetJob(ctx, item.JobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			// Late completion for a canceled or failed job.
			item.Status = core.WorkItemCanceled
			item.SubStatus = "job is no longer running"
			return tx.UpdateWorkItem(ctx, item)
		}

		item.SubStatus = update.SubStatus
		item.DurationMs = update.DurationMs
		if item.DurationMs == 0 && item.StartedAt != nil {
			item.DurationMs = time.Since(*item.StartedAt).Milliseconds()
		}

		switch update.Status {
		case core.WorkItemFailed:
			return e.handleFailure(ctx, tx, job, item, update, &events)
		case core.WorkItemCanceled:
			item.Status = core.WorkItemCanceled
			if err := tx.UpdateWorkItem(ctx, item); err != nil {
				return err
			}
			events = append(events, &core.WorkItemUpdated{
				Item:      item,
				Duration:  time.Duration(item.DurationMs) * time.Millisecond,
				Timestamp: time.Now(),
			})
			// A canceled item never delivers outputs, so its downstream
			// batches can never become complete; the job ends with it.
			return e.cancelJobForItem(ctx, tx, job, item, &events)
		default: // successful, warning
			item.Status = update.Status
			item.Results = core.StringList(update.Results)
			item.OutputItemSizes = core.Int64List(update.OutputItemSizes)
			if err := tx.UpdateWorkItem(ctx, item); err != nil {
				return err
			}
		}
		events = append(events, &core.WorkItemUpdated{
			Item:      item,
			Duration:  time.Duration(item.DurationMs) * time.Millisecond,
			Timestamp: time.Now(),
		})

		steps, err := tx.GetWorkflowSteps(ctx, job.ID)
		if err != nil {
			return err
		}
		step := stepAt(steps, item.StepIndex)
		if step == nil {
			return core.ErrStepNotFound
		}

		if item.Status.Succeeded() {
			if step.StepIndex == 0 && !step.IsComplete {
				if err := e.handlePaging(ctx, tx, job, step, update); err != nil {
					return err
				}
			}
			if next := stepAt(steps, item.StepIndex+1); next != nil {
				if err := e.batcher.RecordOutputs(ctx, tx, next, item); err != nil {
					return err
				}
			} else {
				appendResultLinks(job, item)
			}
		}

		newItems, err := e.advance(ctx, tx, job, steps, &events, ops)
		if err != nil {
			return err
		}
		created = append(created, newItems...)

		return e.refreshJob(ctx, tx, job, steps, &events)
	})
	if err != nil {
		return err
	}

	e.emit(events...)
	if len(created) > 0 {
		e.dispatchDirect(ctx, created, ops)
	}
	return nil
}

// handleFailure re-queues the same logical unit of work until the retry
// limit is exhausted; a fatal or retries-exhausted failure fails the
// enclosing job and cancels its remaining items.
func (e *Engine) handleFailure(ctx context.Context, tx core.Storage, job *core.Job, item *core.WorkItem, update core.WorkItemUpdate, events *[]core.Event) error {
	if !update.Fatal && item.RetryCount < e.config.MaxRetries {
		item.RetryCount++
		item.Status = core.WorkItemReady
		item.StartedAt = nil
		if err := tx.UpdateWorkItem(ctx, item); err != nil {
			return err
		}
		e.logger.Warn("work item re-queued after failure",
			"work_item_id", item.ID, "job_id", job.ID,
			"retry", item.RetryCount, "sub_status", item.SubStatus)
		*events = append(*events, &core.WorkItemUpdated{Item: item, Timestamp: time.Now()})
		return nil
	}

	item.Status = core.WorkItemFailed
	if err := tx.UpdateWorkItem(ctx, item); err != nil {
		return err
	}
	*events = append(*events, &core.WorkItemUpdated{Item: item, Timestamp: time.Now()})

	reason := update.SubStatus
	if reason == "" {
		reason = "unknown error"
	}
	return e.failJob(ctx, tx, job,
		fmt.Sprintf("service %s failed: %s", item.ServiceID, reason), events)
}

func (e *Engine) failJob(ctx context.Context, tx core.Storage, job *core.Job, message string, events *[]core.Event) error {
	prev := job.Status
	job.Status = core.JobFailed
	job.Message = message
	if err := tx.UpdateJob(ctx, job); err != nil {
		return err
	}
	if _, err := tx.CancelJobWorkItems(ctx, job.ID); err != nil {
		return err
	}
	e.logger.Error("job failed", "job_id", job.ID, "message", message)
	*events = append(*events, &core.JobStateChanged{Job: job, Previous: prev, Timestamp: time.Now()})
	return nil
}

// cancelJobForItem cancels the enclosing job after a worker reported one of
// its items canceled.
func (e *Engine) cancelJobForItem(ctx context.Context, tx core.Storage, job *core.Job, item *core.WorkItem, events *[]core.Event) error {
	prev := job.Status
	job.Status = core.JobCanceled
	job.Message = fmt.Sprintf("service %s canceled the request", item.ServiceID)
	if err := tx.UpdateJob(ctx, job); err != nil {
		return err
	}
	if _, err := tx.CancelJobWorkItems(ctx, job.ID); err != nil {
		return err
	}
	e.logger.Warn("job canceled by worker",
		"job_id", job.ID, "work_item_id", item.ID, "service_id", item.ServiceID)
	*events = append(*events, &core.JobStateChanged{Job: job, Previous: prev, Timestamp: time.Now()})
	return nil
}

// handlePaging continues granule discovery after a successful page: records
// the catalog's total hit count (and any capacity advisory) from the first
// page, then either creates the next page's work item with the carried
// cursor or marks discovery exhausted.
func (e *Engine) handlePaging(ctx context.Context, tx core.Storage, job *core.Job, step *core.WorkflowStep, update core.WorkItemUpdate) error {
	if update.TotalHits != nil {
		hits := *update.TotalHits
		n := hits
		if step.GranuleLimit > 0 && n > step.GranuleLimit {
			n = step.GranuleLimit
		}
		job.NumInputGranules = n

		limit := discovery.GranuleLimit{
			Value:  step.GranuleLimit,
			Reason: discovery.LimitReason(step.LimitReason),
		}
		if msg := discovery.AdvisoryMessage(hits, limit, step.ServiceID); msg != "" {
			job.Message = msg
		}
	}

	items, err := tx.GetStepWorkItems(ctx, job.ID, step.StepIndex)
	if err != nil {
		return err
	}
	produced := 0
	for _, it := range items {
		if it.Status.Terminal() {
			produced += len(it.Results)
		}
	}

	if update.NextCursor == "" || (step.GranuleLimit > 0 && produced >= step.GranuleLimit) {
		step.IsComplete = true
		return tx.UpdateWorkflowStep(ctx, step)
	}

	next := &core.WorkItem{
		JobID:         job.ID,
		StepIndex:     step.StepIndex,
		ServiceID:     step.ServiceID,
		Status:        core.WorkItemReady,
		CatalogCursor: update.NextCursor,
	}
	if err := tx.CreateWorkItems(ctx, []*core.WorkItem{next}); err != nil {
		return err
	}
	step.WorkItemCount++
	return tx.UpdateWorkflowStep(ctx, step)
}

// advance walks the chain left to right, closing batches whose membership
// became final and propagating exhaustion: a step's production is complete
// once its upstream is exhausted, every upstream item is terminal, and no
// unassigned ledger rows remain.
func (e *Engine) advance(ctx context.Context, tx core.Storage, job *core.Job, steps []*core.WorkflowStep, events *[]core.Event, ops map[int]*core.DataOperation) ([]*core.WorkItem, error) {
	var created []*core.WorkItem

	for i := 1; i < len(steps); i++ {
		upstream, down := steps[i-1], steps[i]

		upstreamItems, err := tx.GetStepWorkItems(ctx, job.ID, upstream.StepIndex)
		if err != nil {
			return nil, err
		}

		items, err := e.batcher.CloseBatches(ctx, tx, down, upstreamItems, upstream.IsComplete)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			members, err := tx.AssignedBatchItems(ctx, it.ID)
			if err != nil {
				return nil, err
			}
			var size int64
			for _, m := range members {
				size += m.SizeBytes
			}
			*events = append(*events, &core.BatchClosed{
				JobID:      job.ID,
				StepIndex:  down.StepIndex,
				WorkItemID: it.ID,
				NumInputs:  len(members),
				SizeBytes:  size,
				Timestamp:  time.Now(),
			})
		}
		if len(items) > 0 {
			if _, ok := ops[down.StepIndex]; !ok {
				op, err := core.UnmarshalOperation(down.Operation)
				if err != nil {
					return nil, err
				}
				ops[down.StepIndex] = op
			}
			created = append(created, items...)
		}

		if !down.IsComplete && upstream.IsComplete && allTerminal(upstreamItems) {
			unassigned, err := tx.UnassignedBatchItems(ctx, job.ID, down.StepIndex)
			if err != nil {
				return nil, err
			}
			if len(unassigned) == 0 {
				down.IsComplete = true
				if err := tx.UpdateWorkflowStep(ctx, down); err != nil {
					return nil, err
				}
			}
		}
	}
	return created, nil
}

// refreshJob recomputes progress and promotes the job to successful once
// every step is exhausted and every item is terminal with usable output.
func (e *Engine) refreshJob(ctx context.Context, tx core.Storage, job *core.Job, steps []*core.WorkflowStep, events *[]core.Event) error {
	if job.Status.Terminal() {
		return nil
	}

	states := make([]progress.StepState, len(steps))
	for i, st := range steps {
		items, err := tx.GetStepWorkItems(ctx, job.ID, st.StepIndex)
		if err != nil {
			return err
		}
		states[i] = progress.StepState{Step: st, Items: items}
	}

	prev := job.Status
	summary := progress.Evaluate(states, job.Progress)
	job.Progress = summary.Progress
	if summary.Complete {
		job.Status = core.JobSuccessful
		if job.Message == "" {
			job.Message = "Job completed successfully"
		}
	}
	if err := tx.UpdateJob(ctx, job); err != nil {
		return err
	}
	if job.Status != prev {
		e.logger.Info("job state changed", "job_id", job.ID, "from", prev, "to", job.Status)
		*events = append(*events, &core.JobStateChanged{Job: job, Previous: prev, Timestamp: time.Now()})
	}
	return nil
}

func stepAt(steps []*core.WorkflowStep, index int) *core.WorkflowStep {
	for _, st := range steps {
		if st.StepIndex == index {
			return st
		}
	}
	return nil
}

func allTerminal(items []*core.WorkItem) bool {
	for _, item := range items {
		if !item.Status.Terminal() {
			return false
		}
	}
	return true
}

// appendResultLinks records a final step item's outputs as job result
// artifact references.
func appendResultLinks(job *core.Job, item *core.WorkItem) {
	for _, loc := range item.Results {
		job.Links = append(job.Links, core.Link{Href: loc, Rel: "data"})
	}
}

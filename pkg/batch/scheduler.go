package batch

import (
	"context"

	"github.com/trellis-data/trellis/pkg/core"
)

// DefaultItemSizeBytes is assumed for output items whose size is unknown.
// One byte never blocks count-based thresholds and keeps size-based
// thresholds able to close eventually.
const DefaultItemSizeBytes = 1

// Scheduler groups completed upstream outputs into downstream batches under
// count or byte-size thresholds. All methods must be called inside the same
// storage transaction as the completion update that triggered them; the
// transaction serializes closure decisions per step.
type Scheduler struct {
	defaultItemSize int64
}

// NewScheduler creates a batch scheduler. defaultItemSize is used when an
// output item's size is unreported; values below 1 fall back to
// DefaultItemSizeBytes.
func NewScheduler(defaultItemSize int64) *Scheduler {
	if defaultItemSize < 1 {
		defaultItemSize = DefaultItemSizeBytes
	}
	return &Scheduler{defaultItemSize: defaultItemSize}
}

// RecordOutputs appends a completed upstream item's outputs to the ledger of
// the downstream step. The insert is idempotent: rows are keyed by the
// producing item's sequence and item index, so a retried completion
// notification cannot double-count.
func (s *Scheduler) RecordOutputs(ctx context.Context, tx core.Storage, downstream *core.WorkflowStep, item *core.WorkItem) error {
	rows := make([]*core.BatchItem, 0, len(item.Results))
	for i, loc := range item.Results {
		size := int64(0)
		if i < len(item.OutputItemSizes) {
			size = item.OutputItemSizes[i]
		}
		if size < 1 {
			size = s.defaultItemSize
		}
		rows = append(rows, &core.BatchItem{
			JobID:        item.JobID,
			StepIndex:    downstream.StepIndex,
			SourceItemID: item.ID,
			ItemIndex:    i,
			Location:     loc,
			SizeBytes:    size,
		})
	}
	return tx.AppendBatchItems(ctx, rows)
}

// CloseBatches closes every batch whose membership is final and creates the
// downstream work item for each. upstream is the producing step's full item
// list in sequence order; upstreamComplete indicates no more upstream items
// will be created. The final, possibly undersized remainder closes once the
// upstream step is exhausted and every upstream item is terminal.
//
// Returns the downstream work items created, in partition order.
func (s *Scheduler) CloseBatches(ctx context.Context, tx core.Storage, downstream *core.WorkflowStep, upstream []*core.WorkItem, upstreamComplete bool) ([]*core.WorkItem, error) {
	rows, err := tx.UnassignedBatchItems(ctx, downstream.JobID, downstream.StepIndex)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var eligible []*core.BatchItem
	flush := false
	if downstream.IsBatched {
		// Only items from the contiguous terminal prefix of upstream
		// sequences have final positions; anything later could still be
		// preceded by outputs from an incomplete earlier item.
		bound := contiguousTerminalBound(upstream)
		for _, row := range rows {
			if row.SourceItemID <= bound {
				eligible = append(eligible, row)
			}
		}
		flush = upstreamComplete && allTerminal(upstream)
	} else {
		// Unbatched: every upstream output becomes its own downstream item
		// immediately, no ordering constraint.
		eligible = rows
	}

	chunks := s.partition(downstream, eligible, flush)

	var created []*core.WorkItem
	for _, chunk := range chunks {
		item := &core.WorkItem{
			JobID:     downstream.JobID,
			StepIndex: downstream.StepIndex,
			ServiceID: downstream.ServiceID,
			Status:    core.WorkItemReady,
		}
		if err := tx.CreateWorkItems(ctx, []*core.WorkItem{item}); err != nil {
			return nil, err
		}
		ids := make([]int64, len(chunk))
		for i, row := range chunk {
			ids[i] = row.ID
		}
		if err := tx.AssignBatchItems(ctx, ids, item.ID); err != nil {
			return nil, err
		}
		downstream.WorkItemCount++
		created = append(created, item)
	}

	if len(created) > 0 {
		if err := tx.UpdateWorkflowStep(ctx, downstream); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// partition splits the eligible rows into closed batches. A batch closes the
// instant the running count or byte sum reaches its threshold, not after
// exceeding it. With flush set, the remainder closes as a final batch.
func (s *Scheduler) partition(step *core.WorkflowStep, eligible []*core.BatchItem, flush bool) [][]*core.BatchItem {
	var chunks [][]*core.BatchItem

	switch {
	case step.IsBatched && step.MaxBatchInputs > 0:
		for len(eligible) >= step.MaxBatchInputs {
			chunks = append(chunks, eligible[:step.MaxBatchInputs])
			eligible = eligible[step.MaxBatchInputs:]
		}
	case step.IsBatched && step.MaxBatchSizeBytes > 0:
		start := 0
		var sum int64
		for i, row := range eligible {
			sum += row.SizeBytes
			if sum >= step.MaxBatchSizeBytes {
				chunks = append(chunks, eligible[start:i+1])
				start = i + 1
				sum = 0
			}
		}
		eligible = eligible[start:]
	default:
		for _, row := range eligible {
			chunks = append(chunks, []*core.BatchItem{row})
		}
		eligible = nil
	}

	if flush && len(eligible) > 0 {
		chunks = append(chunks, eligible)
	}
	return chunks
}

// contiguousTerminalBound returns the highest upstream sequence number such
// that every item up to and including it is terminal. Items in sequence
// order; 0 when the first item is still in flight.
func contiguousTerminalBound(upstream []*core.WorkItem) int64 {
	var bound int64
	for _, item := range upstream {
		if !item.Status.Terminal() {
			break
		}
		bound = item.ID
	}
	return bound
}

func allTerminal(items []*core.WorkItem) bool {
	for _, item := range items {
		if !item.Status.Terminal() {
			return false
		}
	}
	return true
}

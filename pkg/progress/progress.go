package progress

import (
	"github.com/trellis-data/trellis/pkg/core"
)

// StepState pairs a workflow step with its work items in sequence order.
type StepState struct {
	Step  *core.WorkflowStep
	Items []*core.WorkItem
}

// Summary is the aggregate view of a job derived from its steps and items.
type Summary struct {
	// Progress is the 0-100 completion percentage, already clamped so it
	// never falls below the previously stored value.
	Progress int

	// Complete is set when every step's item production is exhausted and
	// every produced item finished with usable output. A failed or canceled
	// item can never contribute output, so either one blocks completion.
	Complete bool

	// Failed is set when any item is terminally failed (retries exhausted).
	Failed bool

	// Canceled is set when any item is canceled.
	Canceled bool
}

// Evaluate computes the job summary. current is the job's stored progress,
// used to keep the reported value monotone while expected totals are still
// estimates.
func Evaluate(steps []StepState, current int) Summary {
	var sum Summary
	if len(steps) == 0 {
		sum.Progress = current
		return sum
	}

	allComplete := true
	for _, st := range steps {
		if !st.Step.IsComplete {
			allComplete = false
		}
		for _, item := range st.Items {
			if item.Status == core.WorkItemFailed {
				sum.Failed = true
			}
			if item.Status == core.WorkItemCanceled {
				sum.Canceled = true
			}
			if !item.Status.Terminal() {
				allComplete = false
			}
		}
	}
	sum.Complete = allComplete && !sum.Failed && !sum.Canceled

	last := steps[len(steps)-1]
	done := 0
	for _, item := range last.Items {
		if item.Status.Succeeded() {
			done++
		}
	}

	// totalExpectedFinalBatches is only knowable once the last step's
	// production is exhausted; until then assume at least one more batch so
	// the estimate stays conservative.
	expected := last.Step.WorkItemCount
	if !last.Step.IsComplete {
		expected++
	}
	if expected < 1 {
		expected = 1
	}

	p := 100 * done / expected
	if p < current {
		p = current
	}
	if sum.Complete {
		p = 100
	} else if p > 99 {
		p = 99
	}
	sum.Progress = p
	return sum
}

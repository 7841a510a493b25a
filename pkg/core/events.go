package core

import "time"

// Event is the interface for all engine events.
type Event interface {
	eventMarker()
}

// WorkItemClaimed is emitted when a worker claims a ready item.
type WorkItemClaimed struct {
	Item      *WorkItem
	Timestamp time.Time
}

func (*WorkItemClaimed) eventMarker() {}

// WorkItemUpdated is emitted when a work item reaches a terminal status or
// is re-queued for retry.
type WorkItemUpdated struct {
	Item      *WorkItem
	Duration  time.Duration
	Timestamp time.Time
}

func (*WorkItemUpdated) eventMarker() {}

// BatchClosed is emitted when the aggregation scheduler closes a batch and
// creates its downstream work item.
type BatchClosed struct {
	JobID      string
	StepIndex  int
	WorkItemID int64
	NumInputs  int
	SizeBytes  int64
	Timestamp  time.Time
}

func (*BatchClosed) eventMarker() {}

// JobStateChanged is emitted when a job's status or progress changes.
type JobStateChanged struct {
	Job       *Job
	Previous  JobStatus
	Timestamp time.Time
}

func (*JobStateChanged) eventMarker() {}

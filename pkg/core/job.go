package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobAccepted   JobStatus = "accepted"
	JobRunning    JobStatus = "running"
	JobPaused     JobStatus = "paused"
	JobSuccessful JobStatus = "successful"
	JobFailed     JobStatus = "failed"
	JobCanceled   JobStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobSuccessful || s == JobFailed || s == JobCanceled
}

// WorkItemStatus represents the current state of a work item.
type WorkItemStatus string

const (
	WorkItemReady      WorkItemStatus = "ready"
	WorkItemQueued     WorkItemStatus = "queued"
	WorkItemRunning    WorkItemStatus = "running"
	WorkItemSuccessful WorkItemStatus = "successful"
	WorkItemFailed     WorkItemStatus = "failed"
	WorkItemCanceled   WorkItemStatus = "canceled"
	WorkItemWarning    WorkItemStatus = "warning"
)

// Terminal reports whether the status admits no further transitions.
// Warning is terminal: the item finished, but with a diagnostic attached.
func (s WorkItemStatus) Terminal() bool {
	switch s {
	case WorkItemSuccessful, WorkItemFailed, WorkItemCanceled, WorkItemWarning:
		return true
	}
	return false
}

// Succeeded reports whether the item produced usable output.
func (s WorkItemStatus) Succeeded() bool {
	return s == WorkItemSuccessful || s == WorkItemWarning
}

// ValidWorkItemTransition reports whether from → to is a legal state change.
// Terminal → same terminal is legal so duplicate completion updates stay
// idempotent at the storage layer.
func ValidWorkItemTransition(from, to WorkItemStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case WorkItemReady:
		return to == WorkItemQueued || to == WorkItemRunning || to == WorkItemCanceled
	case WorkItemQueued:
		return to == WorkItemRunning || to == WorkItemCanceled
	case WorkItemRunning:
		return to.Terminal() || to == WorkItemReady // ready = retry re-queue
	}
	return false
}

// Link references a result artifact produced for a job.
type Link struct {
	Href  string `json:"href"`
	Title string `json:"title,omitempty"`
	Rel   string `json:"rel,omitempty"`
	Type  string `json:"type,omitempty"`
}

// LinkList stores job links as a JSON column.
type LinkList []Link

func (l LinkList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *LinkList) Scan(src any) error {
	return scanJSON(src, l)
}

// StringList stores a list of output locations as a JSON column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// Int64List stores output item sizes as a JSON column, parallel to the
// results list.
type Int64List []int64

func (l Int64List) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *Int64List) Scan(src any) error {
	return scanJSON(src, l)
}

func scanJSON(src, dst any) error {
	if src == nil {
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	}
	return fmt.Errorf("unsupported column type %T", src)
}

// Job is the top-level tracked unit of one user request's asynchronous
// execution. Progress and status derive from the workflow step / work item
// aggregate; they are only set directly by the final step, the reaper, or a
// cancel request.
type Job struct {
	ID               string    `gorm:"primaryKey;size:36"`
	Username         string    `gorm:"index;size:255;not null"`
	RequestID        string    `gorm:"size:36"`
	Status           JobStatus `gorm:"index;size:20;default:'accepted'"`
	PreviousStatus   JobStatus `gorm:"size:20"` // status before pause, for restoration
	Progress         int       `gorm:"default:0"`
	NumInputGranules int       `gorm:"default:0"`
	Message          string    `gorm:"type:text"`
	Links            LinkList  `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime;index"`
}

// WorkflowStep is one stage (backend service) in a job's fixed processing
// chain. Steps execute left-to-right by StepIndex, but a step may begin
// consuming upstream output before the upstream step fully finishes.
type WorkflowStep struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	JobID     string `gorm:"uniqueIndex:idx_steps_job_step;size:36;not null"`
	StepIndex int    `gorm:"uniqueIndex:idx_steps_job_step;not null"`
	ServiceID string `gorm:"index;size:255;not null"`

	// Operation is the serialized DataOperation snapshot as of this step.
	Operation []byte `gorm:"type:bytes"`

	IsBatched         bool
	MaxBatchInputs    int
	MaxBatchSizeBytes int64

	// GranuleLimit and LimitReason only apply to discovery steps: the
	// effective granule cap for the request and which candidate produced it.
	GranuleLimit int    `gorm:"default:0"`
	LimitReason  string `gorm:"size:20"`

	// WorkItemCount is the running total of work items created for this step.
	WorkItemCount int `gorm:"default:0"`

	// IsComplete is set once no more work items will be created for the step.
	IsComplete bool `gorm:"default:false"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// WorkItem is one dispatchable unit of work for a workflow step: one granule
// page for discovery steps, or one aggregation batch for batched steps.
//
// The auto-increment ID doubles as the item's stable sequence number. It is
// assigned at creation and never changes, which is what makes batch
// partitioning independent of completion order.
type WorkItem struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	JobID     string         `gorm:"index;size:36;not null"`
	StepIndex int            `gorm:"index;not null"`
	ServiceID string         `gorm:"index;size:255;not null"`
	Status    WorkItemStatus `gorm:"index;size:20;default:'ready'"`

	// SubStatus is a free-text diagnostic, e.g. why the item is a warning.
	SubStatus string `gorm:"size:512"`

	// CatalogCursor is the opaque resume token for discovery items.
	CatalogCursor string `gorm:"size:512"`

	Results         StringList `gorm:"type:text"`
	OutputItemSizes Int64List  `gorm:"type:text"`
	DurationMs      int64      `gorm:"default:0"`
	RetryCount      int        `gorm:"default:0"`
	StartedAt       *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime;index"`
}

// BatchItem is one upstream output item recorded in the aggregation ledger
// for a downstream batched step. Rows are ordered by the producing work
// item's sequence number and item index; AssignedItemID is set once the row
// has been consumed by a closed batch.
type BatchItem struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	JobID     string `gorm:"index:idx_batch_items_step;size:36;not null"`
	StepIndex int    `gorm:"index:idx_batch_items_step;not null"` // downstream step

	SourceItemID int64 `gorm:"uniqueIndex:idx_batch_items_source;not null"`
	ItemIndex    int   `gorm:"uniqueIndex:idx_batch_items_source;not null"`

	Location  string `gorm:"size:1024"`
	SizeBytes int64  `gorm:"default:0"`

	AssignedItemID *int64 `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

package core

import (
	"context"
	"time"
)

// Starter is the interface for long-running background components
// (discovery worker, reaper, work failer).
type Starter interface {
	Start(ctx context.Context) error
}

// Storage defines the persistence layer for jobs, workflow steps, work
// items and the batch aggregation ledger. The persisted store is the single
// source of truth and the only point of mutual exclusion in the engine.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Transaction runs fn against a transactional view of the storage.
	// Claim and batch-closure decisions happen inside a single transaction.
	Transaction(ctx context.Context, fn func(tx Storage) error) error

	// Job lifecycle
	CreateJob(ctx context.Context, job *Job, steps []*WorkflowStep) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	ListJobs(ctx context.Context, username string, limit int) ([]*Job, error)
	GetStalledJobs(ctx context.Context, notUpdatedSince time.Time, limit int) ([]*Job, error)
	PurgeTerminalJobArtifacts(ctx context.Context, olderThan time.Time) (int64, error)

	// Workflow steps
	GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*WorkflowStep, error)
	GetWorkflowSteps(ctx context.Context, jobID string) ([]*WorkflowStep, error)
	UpdateWorkflowStep(ctx context.Context, step *WorkflowStep) error

	// Work items
	CreateWorkItems(ctx context.Context, items []*WorkItem) error
	GetWorkItem(ctx context.Context, id int64) (*WorkItem, error)
	ClaimWorkItem(ctx context.Context, serviceID string) (*WorkItem, error)
	UpdateWorkItem(ctx context.Context, item *WorkItem) error
	GetStepWorkItems(ctx context.Context, jobID string, stepIndex int) ([]*WorkItem, error)
	ReadyCount(ctx context.Context, serviceID string) (int64, error)
	GetStuckWorkItems(ctx context.Context, startedBefore time.Time, limit int) ([]*WorkItem, error)
	CancelJobWorkItems(ctx context.Context, jobID string) (int64, error)

	// Batch aggregation ledger
	AppendBatchItems(ctx context.Context, rows []*BatchItem) error
	UnassignedBatchItems(ctx context.Context, jobID string, stepIndex int) ([]*BatchItem, error)
	AssignBatchItems(ctx context.Context, ids []int64, workItemID int64) error
	AssignedBatchItems(ctx context.Context, workItemID int64) ([]*BatchItem, error)
}

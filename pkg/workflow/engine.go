package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trellis-data/trellis/pkg/batch"
	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/discovery"
	"github.com/trellis-data/trellis/pkg/invocation"
	"github.com/trellis-data/trellis/pkg/security"
)

// Config holds engine configuration.
type Config struct {
	// MaxRetries is the retry limit per work item before the enclosing job
	// fails. Default: 3.
	MaxRetries int

	// DefaultItemSizeBytes is assumed for output items with no reported
	// size. Default: batch.DefaultItemSizeBytes.
	DefaultItemSizeBytes int64

	// Invokers maps serviceID to the invocation style for services that are
	// not pull-queue dispatched. Missing entries default to pull-queue.
	Invokers map[string]invocation.Invoker
}

// StepDefinition describes one stage of a service chain when submitting a
// request.
type StepDefinition struct {
	ServiceID         string
	IsBatched         bool
	MaxBatchInputs    int
	MaxBatchSizeBytes int64
}

// Engine coordinates the workflow state machine over the persisted store.
type Engine struct {
	store   core.Storage
	batcher *batch.Scheduler
	config  Config
	logger  *slog.Logger

	mu        sync.RWMutex
	eventSubs []chan core.Event
}

// New creates an engine over the given storage.
func New(store core.Storage, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	cfg.MaxRetries = security.ClampRetries(cfg.MaxRetries)
	return &Engine{
		store:   store,
		batcher: batch.NewScheduler(cfg.DefaultItemSizeBytes),
		config:  cfg,
		logger:  slog.Default(),
	}
}

// Store returns the engine's storage, for embedding callers.
func (e *Engine) Store() core.Storage {
	return e.store
}

// Subscribe returns a channel of engine events. Slow subscribers drop
// events rather than blocking the engine.
func (e *Engine) Subscribe() <-chan core.Event {
	ch := make(chan core.Event, 100)
	e.mu.Lock()
	e.eventSubs = append(e.eventSubs, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) emit(events ...core.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ev := range events {
		for _, sub := range e.eventSubs {
			select {
			case sub <- ev:
			default:
			}
		}
	}
}

// SubmitJob accepts a request: it persists the job with one workflow step
// per chain entry, snapshots the operation onto each step, and creates the
// first discovery work item. limit is the request's effective granule cap.
func (e *Engine) SubmitJob(ctx context.Context, op *core.DataOperation, chain []StepDefinition, limit discovery.GranuleLimit) (*core.Job, error) {
	if len(op.Sources) == 0 {
		return nil, core.Validation("no data sources specified")
	}
	if len(chain) == 0 {
		return nil, core.Validation("no service chain configured for the request")
	}
	for _, def := range chain {
		if err := security.ValidateServiceID(def.ServiceID); err != nil {
			return nil, err
		}
	}

	job := &core.Job{
		Username:  op.User,
		RequestID: op.RequestID,
		Status:    core.JobAccepted,
	}

	steps := make([]*core.WorkflowStep, len(chain))
	for i, def := range chain {
		snapshot, err := op.Clone().Marshal()
		if err != nil {
			return nil, err
		}
		steps[i] = &core.WorkflowStep{
			StepIndex:         i,
			ServiceID:         def.ServiceID,
			Operation:         snapshot,
			IsBatched:         def.IsBatched,
			MaxBatchInputs:    def.MaxBatchInputs,
			MaxBatchSizeBytes: def.MaxBatchSizeBytes,
		}
	}
	steps[0].GranuleLimit = limit.Value
	steps[0].LimitReason = string(limit.Reason)
	steps[0].WorkItemCount = 1

	err := e.store.Transaction(ctx, func(tx core.Storage) error {
		if err := tx.CreateJob(ctx, job, steps); err != nil {
			return err
		}
		first := &core.WorkItem{
			JobID:     job.ID,
			StepIndex: 0,
			ServiceID: steps[0].ServiceID,
			Status:    core.WorkItemReady,
		}
		return tx.CreateWorkItems(ctx, []*core.WorkItem{first})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("job accepted", "job_id", job.ID, "user", job.Username,
		"steps", len(steps), "granule_limit", limit.Value)
	e.emit(&core.JobStateChanged{Job: job, Previous: "", Timestamp: time.Now()})
	return job, nil
}

// WorkPayload is what a polling worker receives with a claimed item.
type WorkPayload struct {
	Item      *core.WorkItem
	Operation *core.DataOperation
	// Inputs are the batch member references assigned to the item, in
	// sequence order. Empty for discovery items.
	Inputs []*core.BatchItem
}

// ClaimWork atomically claims one ready item for the service and returns
// its payload. Returns (nil, nil) when no work is ready.
func (e *Engine) ClaimWork(ctx context.Context, serviceID string) (*WorkPayload, error) {
	if err := security.ValidateServiceID(serviceID); err != nil {
		return nil, err
	}
	item, err := e.store.ClaimWorkItem(ctx, serviceID)
	if err != nil || item == nil {
		return nil, err
	}

	step, err := e.store.GetWorkflowStep(ctx, item.JobID, item.StepIndex)
	if err != nil {
		return nil, err
	}
	op, err := core.UnmarshalOperation(step.Operation)
	if err != nil {
		return nil, err
	}
	inputs, err := e.store.AssignedBatchItems(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	e.emit(&core.WorkItemClaimed{Item: item, Timestamp: time.Now()})
	return &WorkPayload{Item: item, Operation: op, Inputs: inputs}, nil
}

// ReadyCount returns the number of dispatchable items for a service.
func (e *Engine) ReadyCount(ctx context.Context, serviceID string) (int64, error) {
	if err := security.ValidateServiceID(serviceID); err != nil {
		return 0, err
	}
	return e.store.ReadyCount(ctx, serviceID)
}

// GetJob returns a job by ID.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// ListJobs returns a user's jobs, most recent first. An empty username
// lists all jobs.
func (e *Engine) ListJobs(ctx context.Context, username string, limit int) ([]*core.Job, error) {
	return e.store.ListJobs(ctx, username, limit)
}

func (e *Engine) invokerFor(serviceID string) invocation.Invoker {
	if inv, ok := e.config.Invokers[serviceID]; ok {
		return inv
	}
	return invocation.PullQueueInvoker{}
}

// dispatchDirect pushes newly created items to direct-invocation services.
// Pull-queue services ignore this; their workers poll.
func (e *Engine) dispatchDirect(ctx context.Context, items []*core.WorkItem, ops map[int]*core.DataOperation) {
	for _, item := range items {
		inv := e.invokerFor(item.ServiceID)
		if _, ok := inv.(invocation.PullQueueInvoker); ok {
			continue
		}
		op := ops[item.StepIndex]
		go func(item *core.WorkItem, op *core.DataOperation) {
			if _, err := inv.Invoke(ctx, item, op); err != nil {
				e.logger.Error("direct invocation failed",
					"work_item_id", item.ID, "service_id", item.ServiceID, "error", err)
			}
		}(item, op)
	}
}

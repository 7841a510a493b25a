// Package trellis orchestrates data-transformation workflows: it discovers
// the granules matching a request, fans them out to backend services over a
// transactional pull queue, aggregates outputs into deterministic batches,
// and tracks per-job progress until every step is done.
//
// This is the main package users should import. It re-exports all public
// types from the internal pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Create storage and engine
//	db, _ := gorm.Open(sqlite.Open("trellis.db"), &gorm.Config{})
//	store := trellis.NewGormStorage(db)
//	store.Migrate(context.Background())
//	engine := trellis.NewEngine(store, trellis.EngineConfig{})
//
//	// Submit a request
//	chain, limit, _ := cfg.ChainFor(op)
//	job, _ := engine.SubmitJob(ctx, op, chain, limit)
//
//	// Serve the worker protocol
//	http.ListenAndServe(":4000", trellis.Handler(engine))
package trellis

import (
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/trellis-data/trellis/api"
	"github.com/trellis-data/trellis/pkg/config"
	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/discovery"
	"github.com/trellis-data/trellis/pkg/invocation"
	"github.com/trellis-data/trellis/pkg/reaper"
	"github.com/trellis-data/trellis/pkg/schedule"
	"github.com/trellis-data/trellis/pkg/security"
	"github.com/trellis-data/trellis/pkg/storage"
	"github.com/trellis-data/trellis/pkg/workflow"
)

// Type aliases for the public API surface
type (
	// Job represents one transformation request and its lifecycle.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// WorkflowStep is one stage of a job's service chain.
	WorkflowStep = core.WorkflowStep

	// WorkItem is one dispatchable unit of work within a step.
	WorkItem = core.WorkItem

	// WorkItemStatus represents the current state of a work item.
	WorkItemStatus = core.WorkItemStatus

	// WorkItemUpdate carries a worker's completion report.
	WorkItemUpdate = core.WorkItemUpdate

	// BatchItem is one ledger row linking an upstream output to a
	// downstream batch.
	BatchItem = core.BatchItem

	// DataOperation describes what a request asks a service chain to do.
	DataOperation = core.DataOperation

	// Source identifies one collection and its requested variables.
	Source = core.Source

	// Link is a result location attached to a job.
	Link = core.Link

	// Storage defines the persistence layer.
	Storage = core.Storage

	// Event is the interface for all engine events.
	Event = core.Event

	// WorkItemClaimed is emitted when a worker claims an item.
	WorkItemClaimed = core.WorkItemClaimed

	// WorkItemUpdated is emitted when a completion is applied.
	WorkItemUpdated = core.WorkItemUpdated

	// BatchClosed is emitted when an aggregation batch closes.
	BatchClosed = core.BatchClosed

	// JobStateChanged is emitted on job status transitions.
	JobStateChanged = core.JobStateChanged

	// Engine coordinates the workflow state machine.
	Engine = workflow.Engine

	// EngineConfig holds engine configuration.
	EngineConfig = workflow.Config

	// StepDefinition describes one stage of a service chain at submit time.
	StepDefinition = workflow.StepDefinition

	// WorkPayload is what a polling worker receives with a claimed item.
	WorkPayload = workflow.WorkPayload

	// GranuleLimit is the effective cap applied to a request's granules.
	GranuleLimit = discovery.GranuleLimit

	// CatalogClient searches the granule catalog.
	CatalogClient = discovery.CatalogClient

	// ObjectStore stages discovered granule records.
	ObjectStore = discovery.ObjectStore

	// DiscoveryWorker runs catalog paging for accepted jobs.
	DiscoveryWorker = discovery.Worker

	// DiscoveryConfig holds discovery worker configuration.
	DiscoveryConfig = discovery.Config

	// Reaper cancels orphaned jobs whose executions are gone.
	Reaper = reaper.Reaper

	// ReaperConfig holds reaper configuration.
	ReaperConfig = reaper.Config

	// Failer times out stuck running work items.
	Failer = reaper.Failer

	// FailerConfig holds work failer configuration.
	FailerConfig = reaper.FailerConfig

	// ExecutionTracker reports external execution liveness to the reaper.
	ExecutionTracker = reaper.ExecutionTracker

	// RunStatus is an execution tracker's report for one job.
	RunStatus = reaper.RunStatus

	// Invoker dispatches work to a backend service.
	Invoker = invocation.Invoker

	// ServiceConfig is the parsed service chain configuration.
	ServiceConfig = config.Config

	// Schedule defines when a recurring task should run next.
	Schedule = schedule.Schedule

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// APIOption configures the HTTP handler.
	APIOption = api.Option
)

// Job status constants
const (
	JobAccepted   = core.JobAccepted
	JobRunning    = core.JobRunning
	JobPaused     = core.JobPaused
	JobSuccessful = core.JobSuccessful
	JobFailed     = core.JobFailed
	JobCanceled   = core.JobCanceled
)

// External run phase constants
const (
	PhaseActive    = reaper.PhaseActive
	PhaseFailed    = reaper.PhaseFailed
	PhaseSucceeded = reaper.PhaseSucceeded
)

// Work item status constants
const (
	WorkItemReady      = core.WorkItemReady
	WorkItemQueued     = core.WorkItemQueued
	WorkItemRunning    = core.WorkItemRunning
	WorkItemSuccessful = core.WorkItemSuccessful
	WorkItemFailed     = core.WorkItemFailed
	WorkItemCanceled   = core.WorkItemCanceled
	WorkItemWarning    = core.WorkItemWarning
)

// Security limits
const (
	MaxServiceIDLength  = security.MaxServiceIDLength
	MaxRetries          = security.MaxRetries
	MaxMessageLength    = security.MaxMessageLength
	MaxCatalogPageSize  = security.MaxCatalogPageSize
	MaxBatchInputsLimit = security.MaxBatchInputsLimit
)

// Error variables
var (
	ErrJobNotFound       = core.ErrJobNotFound
	ErrWorkItemNotFound  = core.ErrWorkItemNotFound
	ErrStepNotFound      = core.ErrStepNotFound
	ErrJobTerminal       = core.ErrJobTerminal
	ErrJobNotPaused      = core.ErrJobNotPaused
	ErrInvalidServiceID  = core.ErrInvalidServiceID
	ErrInvalidTransition = core.ErrInvalidTransition
)

// NewEngine creates a workflow engine over the given storage.
func NewEngine(store Storage, cfg EngineConfig) *Engine {
	return workflow.New(store, cfg)
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewDiscoveryWorker creates the built-in catalog discovery worker, using
// the engine both to claim items and to apply their completions.
func NewDiscoveryWorker(engine *Engine, catalog CatalogClient, objects ObjectStore, cfg DiscoveryConfig) *DiscoveryWorker {
	return discovery.NewWorker(engine.Store(), catalog, objects, engine, cfg)
}

// NewReaper creates the orphaned-job reaper.
func NewReaper(store Storage, tracker ExecutionTracker, canceler reaper.JobCanceler, cfg ReaperConfig) *Reaper {
	return reaper.New(store, tracker, canceler, cfg)
}

// NewFailer creates the stuck work item failer.
func NewFailer(store Storage, completer reaper.Completer, cfg FailerConfig) *Failer {
	return reaper.NewFailer(store, completer, cfg)
}

// Handler creates the HTTP handler for the worker protocol.
func Handler(engine *Engine, opts ...APIOption) http.Handler {
	return api.Handler(engine, opts...)
}

// LoadConfig reads and parses a service chain configuration file.
func LoadConfig(path string) (*ServiceConfig, error) {
	return config.Load(path)
}

// ParseConfig parses service chain configuration bytes.
func ParseConfig(data []byte) (*ServiceConfig, error) {
	return config.Parse(data)
}

// API option functions

// WithMiddleware wraps the HTTP handler with middleware.
func WithMiddleware(mw func(http.Handler) http.Handler) APIOption {
	return api.WithMiddleware(mw)
}

// WithContext provides a lifecycle context for the handler's background
// goroutines.
func WithContext(ctx context.Context) APIOption {
	return api.WithContext(ctx)
}

// ValidateServiceID validates a backend service identifier.
func ValidateServiceID(id string) error {
	return security.ValidateServiceID(id)
}

// Schedule constructors

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Cron creates a schedule from a cron expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/security"
)

// DefaultServiceID is the service identifier of the built-in granule
// discovery step.
const DefaultServiceID = "trellis/query-catalog"

// Completer applies a work item completion through the engine, so the
// normal batching and paging machinery runs for discovery output too.
type Completer interface {
	CompleteWorkItem(ctx context.Context, itemID int64, update core.WorkItemUpdate) error
}

// Config holds discovery worker configuration.
type Config struct {
	ServiceID    string
	PageSize     int
	PollInterval time.Duration
	CatalogRetry *RetryConfig
	ClaimRetry   *RetryConfig
}

// Worker is the built-in worker for discovery work items. It polls the
// store for ready items of the discovery service, queries one catalog page
// per item, stages each granule's metadata in the object store, and reports
// the staged locations as the item's outputs.
type Worker struct {
	store     core.Storage
	catalog   CatalogClient
	objects   ObjectStore
	completer Completer
	config    Config
	logger    *slog.Logger
}

// NewWorker creates a discovery worker.
func NewWorker(store core.Storage, catalog CatalogClient, objects ObjectStore, completer Completer, cfg Config) *Worker {
	if cfg.ServiceID == "" {
		cfg.ServiceID = DefaultServiceID
	}
	cfg.PageSize = security.ClampPageSize(cfg.PageSize)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.CatalogRetry == nil {
		rc := DefaultRetryConfig()
		cfg.CatalogRetry = &rc
	}
	if cfg.ClaimRetry == nil {
		// Longer backoff for claims to avoid hammering the DB during outages
		rc := RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.2,
		}
		cfg.ClaimRetry = &rc
	}
	return &Worker{
		store:     store,
		catalog:   catalog,
		objects:   objects,
		completer: completer,
		config:    cfg,
		logger:    slog.Default(),
	}
}

// Start begins processing discovery items. Blocks until the context is
// cancelled.
func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			item, err := w.claimWithRetry(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					w.logger.Error("failed to claim discovery item after retries", "error", err)
				}
				continue
			}
			if item != nil {
				w.processItem(ctx, item)
			}
		}
	}
}

func (w *Worker) claimWithRetry(ctx context.Context) (*core.WorkItem, error) {
	var item *core.WorkItem
	err := retryWithBackoff(ctx, *w.config.ClaimRetry, func() error {
		var claimErr error
		item, claimErr = w.store.ClaimWorkItem(ctx, w.config.ServiceID)
		return claimErr
	})
	return item, err
}

func (w *Worker) processItem(ctx context.Context, item *core.WorkItem) {
	start := time.Now()

	update := w.runPage(ctx, item)
	update.DurationMs = time.Since(start).Milliseconds()

	err := retryWithBackoff(ctx, *w.config.ClaimRetry, func() error {
		return w.completer.CompleteWorkItem(ctx, item.ID, update)
	})
	if err != nil {
		w.logger.Error("failed to complete discovery item after retries",
			"work_item_id", item.ID, "job_id", item.JobID, "error", err)
		return
	}
	w.logger.Debug("discovery page processed",
		"work_item_id", item.ID, "job_id", item.JobID,
		"granules", len(update.Results), "status", update.Status)
}

// runPage executes one catalog page query for the claimed item and builds
// its completion update.
func (w *Worker) runPage(ctx context.Context, item *core.WorkItem) core.WorkItemUpdate {
	step, err := w.store.GetWorkflowStep(ctx, item.JobID, item.StepIndex)
	if err != nil {
		return failure(fmt.Sprintf("load workflow step: %v", err), false)
	}
	op, err := core.UnmarshalOperation(step.Operation)
	if err != nil {
		return failure(fmt.Sprintf("decode operation: %v", err), true)
	}

	pageLimit := w.config.PageSize
	if remaining, err := w.remainingGranules(ctx, item, step); err != nil {
		return failure(fmt.Sprintf("count discovered granules: %v", err), false)
	} else if remaining < pageLimit {
		pageLimit = remaining
	}
	if pageLimit < 1 {
		// The limit was reached by earlier pages; end paging with no output.
		return core.WorkItemUpdate{Status: core.WorkItemWarning, SubStatus: "granule limit reached"}
	}

	var page *Page
	err = retryWithBackoff(ctx, *w.config.CatalogRetry, func() error {
		var searchErr error
		page, searchErr = w.catalog.Search(ctx, QueryFromOperation(op), item.CatalogCursor, pageLimit)
		return searchErr
	})
	if err != nil {
		return failure(core.Catalog(err).Error(), false)
	}

	if item.CatalogCursor == "" && page.TotalHits == 0 {
		return failure("No matching granules found", true)
	}

	update := core.WorkItemUpdate{
		Status:     core.WorkItemSuccessful,
		NextCursor: page.NextCursor,
	}
	if item.CatalogCursor == "" {
		hits := page.TotalHits
		update.TotalHits = &hits
	}

	for i, granule := range page.Items {
		data, err := json.Marshal(granule)
		if err != nil {
			return failure(fmt.Sprintf("encode granule %s: %v", granule.ID, err), false)
		}
		path := granulePath(op, item, i)
		location, err := w.objects.Put(ctx, path, data)
		if err != nil {
			return failure(fmt.Sprintf("stage granule catalog: %v", err), false)
		}
		update.Results = append(update.Results, location)
		update.OutputItemSizes = append(update.OutputItemSizes, granule.SizeBytes)
	}
	return update
}

// remainingGranules returns how many granules the step may still produce
// under its effective limit, based on the output of earlier pages.
func (w *Worker) remainingGranules(ctx context.Context, item *core.WorkItem, step *core.WorkflowStep) (int, error) {
	siblings, err := w.store.GetStepWorkItems(ctx, item.JobID, item.StepIndex)
	if err != nil {
		return 0, err
	}
	produced := 0
	for _, sibling := range siblings {
		if sibling.ID != item.ID && sibling.Status.Terminal() {
			produced += len(sibling.Results)
		}
	}
	return step.GranuleLimit - produced, nil
}

func granulePath(op *core.DataOperation, item *core.WorkItem, index int) string {
	staging := strings.TrimSuffix(op.StagingLocation, "/")
	if staging == "" {
		staging = "staging"
	}
	return fmt.Sprintf("%s/%s/%d/granule_%d.json", staging, item.JobID, item.ID, index)
}

func failure(subStatus string, fatal bool) core.WorkItemUpdate {
	return core.WorkItemUpdate{
		Status:    core.WorkItemFailed,
		SubStatus: subStatus,
		Fatal:     fatal,
	}
}

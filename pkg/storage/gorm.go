package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/security"
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB exposes the underlying handle for embedding callers (metrics, tests).
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Job{},
		&core.WorkflowStep{},
		&core.WorkItem{},
		&core.BatchItem{},
	)
}

// Transaction runs fn against a transactional view of the storage.
func (s *GormStorage) Transaction(ctx context.Context, fn func(tx core.Storage) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStorage{db: tx})
	})
}

// CreateJob persists a job together with its workflow step chain.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job, steps []*core.WorkflowStep) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.JobAccepted
	}
	job.Message = security.SanitizeMessage(job.Message)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		for _, step := range steps {
			step.JobID = job.ID
		}
		if len(steps) == 0 {
			return nil
		}
		return tx.Create(steps).Error
	})
}

// GetJob retrieves a job by ID.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob saves a job's mutable fields.
func (s *GormStorage) UpdateJob(ctx context.Context, job *core.Job) error {
	job.Message = security.SanitizeMessage(job.Message)
	return s.db.WithContext(ctx).Save(job).Error
}

// ListJobs returns a user's jobs, most recent first.
func (s *GormStorage) ListJobs(ctx context.Context, username string, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if username != "" {
		q = q.Where("username = ?", username)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// GetStalledJobs returns running jobs not updated since the cutoff.
// The orphan reaper uses this to find jobs whose external execution may
// have drifted.
func (s *GormStorage) GetStalledJobs(ctx context.Context, notUpdatedSince time.Time, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	q := s.db.WithContext(ctx).
		Where("status = ?", core.JobRunning).
		Where("updated_at < ?", notUpdatedSince).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

// PurgeTerminalJobArtifacts deletes work items and batch ledger rows
// belonging to terminal jobs older than the cutoff. The job rows themselves
// are retained for history.
func (s *GormStorage) PurgeTerminalJobArtifacts(ctx context.Context, olderThan time.Time) (int64, error) {
	terminal := []core.JobStatus{core.JobSuccessful, core.JobFailed, core.JobCanceled}
	var purged int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		jobIDs := tx.Model(&core.Job{}).
			Select("id").
			Where("status IN ?", terminal).
			Where("updated_at < ?", olderThan)

		res := tx.Where("job_id IN (?)", jobIDs).Delete(&core.WorkItem{})
		if res.Error != nil {
			return res.Error
		}
		purged += res.RowsAffected

		res = tx.Where("job_id IN (?)", jobIDs).Delete(&core.BatchItem{})
		if res.Error != nil {
			return res.Error
		}
		purged += res.RowsAffected
		return nil
	})
	return purged, err
}

// GetWorkflowStep retrieves one step of a job's chain.
func (s *GormStorage) GetWorkflowStep(ctx context.Context, jobID string, stepIndex int) (*core.WorkflowStep, error) {
	var step core.WorkflowStep
	err := s.db.WithContext(ctx).
		First(&step, "job_id = ? AND step_index = ?", jobID, stepIndex).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrStepNotFound
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// GetWorkflowSteps retrieves a job's full chain ordered by step index.
func (s *GormStorage) GetWorkflowSteps(ctx context.Context, jobID string) ([]*core.WorkflowStep, error) {
	var steps []*core.WorkflowStep
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("step_index ASC").
		Find(&steps).Error
	return steps, err
}

// UpdateWorkflowStep saves a step's mutable fields.
func (s *GormStorage) UpdateWorkflowStep(ctx context.Context, step *core.WorkflowStep) error {
	return s.db.WithContext(ctx).Save(step).Error
}

// CreateWorkItems persists new work items. Sequence numbers (the
// auto-increment IDs) are assigned here and never change.
func (s *GormStorage) CreateWorkItems(ctx context.Context, items []*core.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	for _, item := range items {
		if item.Status == "" {
			item.Status = core.WorkItemReady
		}
	}
	return s.db.WithContext(ctx).Create(items).Error
}

// GetWorkItem retrieves a work item by ID.
func (s *GormStorage) GetWorkItem(ctx context.Context, id int64) (*core.WorkItem, error) {
	var item core.WorkItem
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrWorkItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// dispatchableJobs selects jobs whose items may still be handed to workers.
// Paused and terminal jobs are excluded, which enforces the cancellation
// check at claim time.
func dispatchableJobs(tx *gorm.DB) *gorm.DB {
	return tx.Model(&core.Job{}).
		Select("id").
		Where("status IN ?", []core.JobStatus{core.JobAccepted, core.JobRunning})
}

// ClaimWorkItem atomically selects one ready item for the service,
// transitions it to running and returns it. At most one concurrent claimant
// can win a given item: the transition is a single UPDATE guarded on the
// claimable statuses, so on dialects where the candidate SELECT takes no row
// lock (Postgres read committed), a racing claimant that lost leaves
// RowsAffected at zero and moves on to the next candidate.
// Returns (nil, nil) when no work is ready.
func (s *GormStorage) ClaimWorkItem(ctx context.Context, serviceID string) (*core.WorkItem, error) {
	claimable := []core.WorkItemStatus{core.WorkItemReady, core.WorkItemQueued}
	var item core.WorkItem
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for {
			item = core.WorkItem{}
			result := tx.
				Where("service_id = ?", serviceID).
				Where("status IN ?", claimable).
				Where("job_id IN (?)", dispatchableJobs(tx)).
				Order("id ASC").
				First(&item)

			if result.Error != nil {
				if errors.Is(result.Error, gorm.ErrRecordNotFound) {
					return nil
				}
				return result.Error
			}

			res := tx.Model(&core.WorkItem{}).
				Where("id = ? AND status IN ?", item.ID, claimable).
				Updates(map[string]any{
					"status":     core.WorkItemRunning,
					"started_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Lost the race for this row; the re-read sees the winner's
				// committed status and skips it.
				continue
			}

			item.Status = core.WorkItemRunning
			item.StartedAt = &now

			// First claim moves an accepted job to running.
			return tx.Model(&core.Job{}).
				Where("id = ? AND status = ?", item.JobID, core.JobAccepted).
				Update("status", core.JobRunning).Error
		}
	})

	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// UpdateWorkItem saves a work item's mutable fields.
func (s *GormStorage) UpdateWorkItem(ctx context.Context, item *core.WorkItem) error {
	item.SubStatus = security.SanitizeMessage(item.SubStatus)
	return s.db.WithContext(ctx).Save(item).Error
}

// GetStepWorkItems returns a step's items in sequence order.
func (s *GormStorage) GetStepWorkItems(ctx context.Context, jobID string, stepIndex int) ([]*core.WorkItem, error) {
	var items []*core.WorkItem
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND step_index = ?", jobID, stepIndex).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

// ReadyCount returns the number of dispatchable items for a service. Used
// by the autoscaling metrics endpoint.
func (s *GormStorage) ReadyCount(ctx context.Context, serviceID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.WorkItem{}).
		Where("service_id = ?", serviceID).
		Where("status = ?", core.WorkItemReady).
		Where("job_id IN (?)", dispatchableJobs(s.db)).
		Count(&count).Error
	return count, err
}

// GetStuckWorkItems returns running items started before the cutoff. The
// work failer times these out into the normal retry path.
func (s *GormStorage) GetStuckWorkItems(ctx context.Context, startedBefore time.Time, limit int) ([]*core.WorkItem, error) {
	var items []*core.WorkItem
	q := s.db.WithContext(ctx).
		Where("status = ?", core.WorkItemRunning).
		Where("started_at < ?", startedBefore).
		Order("started_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&items).Error
	return items, err
}

// CancelJobWorkItems marks all of a job's non-terminal items canceled.
func (s *GormStorage) CancelJobWorkItems(ctx context.Context, jobID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&core.WorkItem{}).
		Where("job_id = ?", jobID).
		Where("status IN ?", []core.WorkItemStatus{
			core.WorkItemReady, core.WorkItemQueued, core.WorkItemRunning,
		}).
		Update("status", core.WorkItemCanceled)
	return res.RowsAffected, res.Error
}

// AppendBatchItems records upstream output items in the aggregation ledger.
// Inserts are keyed by (source item, item index) and conflict-ignored, so a
// duplicate completion notification cannot double-count items or bytes.
func (s *GormStorage) AppendBatchItems(ctx context.Context, rows []*core.BatchItem) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rows).Error
}

// UnassignedBatchItems returns ledger rows not yet consumed by a batch,
// ordered by the producing work item's sequence then item index. This
// ordering, not arrival time, is what batch partitioning runs over.
func (s *GormStorage) UnassignedBatchItems(ctx context.Context, jobID string, stepIndex int) ([]*core.BatchItem, error) {
	var rows []*core.BatchItem
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND step_index = ?", jobID, stepIndex).
		Where("assigned_item_id IS NULL").
		Order("source_item_id ASC, item_index ASC").
		Find(&rows).Error
	return rows, err
}

// AssignedBatchItems returns the ledger rows consumed by a downstream work
// item, in sequence order. These are the item's batch member references.
func (s *GormStorage) AssignedBatchItems(ctx context.Context, workItemID int64) ([]*core.BatchItem, error) {
	var rows []*core.BatchItem
	err := s.db.WithContext(ctx).
		Where("assigned_item_id = ?", workItemID).
		Order("source_item_id ASC, item_index ASC").
		Find(&rows).Error
	return rows, err
}

// AssignBatchItems marks ledger rows as consumed by the given downstream
// work item.
func (s *GormStorage) AssignBatchItems(ctx context.Context, ids []int64, workItemID int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&core.BatchItem{}).
		Where("id IN ?", ids).
		Update("assigned_item_id", workItemID).Error
}

package discovery_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/discovery"
	"github.com/trellis-data/trellis/pkg/storage"
	"github.com/trellis-data/trellis/pkg/workflow"
)

var dbCounter atomic.Int64

// fakeCatalog serves totalHits synthetic granules, paging by numeric cursor.
type fakeCatalog struct {
	totalHits int
}

func (c *fakeCatalog) Search(_ context.Context, q discovery.Query, cursor string, pageLimit int) (*discovery.Page, error) {
	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	page := &discovery.Page{TotalHits: c.totalHits}
	for i := offset; i < c.totalHits && len(page.Items) < pageLimit; i++ {
		page.Items = append(page.Items, discovery.Item{
			ID:        fmt.Sprintf("G%03d", i),
			URL:       fmt.Sprintf("https://data.example.com/g%03d.nc4", i),
			SizeBytes: 256,
		})
	}
	if next := offset + len(page.Items); next < c.totalHits {
		page.NextCursor = strconv.Itoa(next)
	}
	return page, nil
}

// memStore is an in-memory object store.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Put(_ context.Context, path string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	return "mem://" + path, nil
}

func (m *memStore) Get(_ context.Context, location string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[location[len("mem://"):]], nil
}

func (m *memStore) Size(_ context.Context, location string) (int64, error) {
	data, _ := m.Get(context.Background(), location)
	return int64(len(data)), nil
}

func setupWorker(t *testing.T, totalHits, pageSize int) (*workflow.Engine, *storage.GormStorage, *discovery.Worker, *memStore) {
	t.Helper()
	n := dbCounter.Add(1)
	dbPath := fmt.Sprintf("%s/discovery_test_%d_%d.db", t.TempDir(), os.Getpid(), n)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))

	engine := workflow.New(store, workflow.Config{})
	objects := newMemStore()
	worker := discovery.NewWorker(store, &fakeCatalog{totalHits: totalHits}, objects, engine, discovery.Config{
		PageSize:     pageSize,
		PollInterval: 5 * time.Millisecond,
	})
	return engine, store, worker, objects
}

func submitDiscoveryJob(t *testing.T, engine *workflow.Engine, limit int) *core.Job {
	t.Helper()
	op := &core.DataOperation{
		RequestID: "req-1", User: "jdoe",
		Sources:         []core.Source{{CollectionID: "C1-PROV"}},
		StagingLocation: "staging",
	}
	chain := []workflow.StepDefinition{{ServiceID: discovery.DefaultServiceID}}
	job, err := engine.SubmitJob(context.Background(), op, chain,
		discovery.GranuleLimit{Value: limit, Reason: discovery.LimitSystem})
	require.NoError(t, err)
	return job
}

func TestWorker_PagesThroughCatalog(t *testing.T) {
	engine, store, worker, objects := setupWorker(t, 5, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go worker.Start(ctx)

	job := submitDiscoveryJob(t, engine, 100)

	require.Eventually(t, func() bool {
		got, err := engine.GetJob(ctx, job.ID)
		return err == nil && got.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	got, err := engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobSuccessful, got.Status)
	assert.Equal(t, 5, got.NumInputGranules)
	assert.Len(t, got.Links, 5, "one staged catalog entry per granule")

	step, err := store.GetWorkflowStep(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.True(t, step.IsComplete)
	assert.Equal(t, 3, step.WorkItemCount, "5 granules at page size 2")

	objects.mu.Lock()
	staged := len(objects.objects)
	objects.mu.Unlock()
	assert.Equal(t, 5, staged)
}

func TestWorker_EnforcesGranuleLimit(t *testing.T) {
	engine, store, worker, _ := setupWorker(t, 10, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go worker.Start(ctx)

	job := submitDiscoveryJob(t, engine, 6)

	require.Eventually(t, func() bool {
		got, err := engine.GetJob(ctx, job.ID)
		return err == nil && got.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	got, err := engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobSuccessful, got.Status)
	assert.Equal(t, 6, got.NumInputGranules, "clamped to the effective limit")
	assert.Len(t, got.Links, 6, "pages of 4 then 2")
	assert.Contains(t, got.Message, "identified 10 granules")

	step, err := store.GetWorkflowStep(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.True(t, step.IsComplete)
}

func TestWorker_NoMatchesFailsJob(t *testing.T) {
	engine, _, worker, _ := setupWorker(t, 0, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go worker.Start(ctx)

	job := submitDiscoveryJob(t, engine, 100)

	require.Eventually(t, func() bool {
		got, err := engine.GetJob(ctx, job.ID)
		return err == nil && got.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	got, err := engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, got.Status)
	assert.Contains(t, got.Message, "No matching granules found")
}

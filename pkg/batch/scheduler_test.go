package batch_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/trellis-data/trellis/pkg/batch"
	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/storage"
)

var dbCounter atomic.Int64

type fixture struct {
	store    *storage.GormStorage
	job      *core.Job
	upstream *core.WorkflowStep
	down     *core.WorkflowStep
	items    []*core.WorkItem
}

// newFixture builds a two-step job with numUpstream upstream work items, all
// still running.
func newFixture(t *testing.T, down core.WorkflowStep, numUpstream int) *fixture {
	t.Helper()
	ctx := context.Background()

	n := dbCounter.Add(1)
	dbPath := fmt.Sprintf("%s/batch_test_%d_%d.db", t.TempDir(), os.Getpid(), n)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(ctx))

	job := &core.Job{Username: "jdoe", Status: core.JobRunning}
	down.StepIndex = 1
	if down.ServiceID == "" {
		down.ServiceID = "svc/down"
	}
	steps := []*core.WorkflowStep{
		{StepIndex: 0, ServiceID: "svc/up"},
		&down,
	}
	require.NoError(t, store.CreateJob(ctx, job, steps))

	items := make([]*core.WorkItem, numUpstream)
	for i := range items {
		items[i] = &core.WorkItem{
			JobID: job.ID, StepIndex: 0, ServiceID: "svc/up",
			Status: core.WorkItemRunning,
		}
	}
	require.NoError(t, store.CreateWorkItems(ctx, items))
	return &fixture{store: store, job: job, upstream: steps[0], down: steps[1], items: items}
}

// complete marks one upstream item successful with the given outputs, records
// them in the ledger, and runs batch closure. Returns the downstream items
// created by this completion.
func (f *fixture) complete(t *testing.T, sched *batch.Scheduler, idx int, locations []string, sizes []int64, upstreamComplete bool) []*core.WorkItem {
	t.Helper()
	ctx := context.Background()

	item := f.items[idx]
	item.Status = core.WorkItemSuccessful
	item.Results = core.StringList(locations)
	item.OutputItemSizes = core.Int64List(sizes)
	require.NoError(t, f.store.UpdateWorkItem(ctx, item))

	var created []*core.WorkItem
	err := f.store.Transaction(ctx, func(tx core.Storage) error {
		if err := sched.RecordOutputs(ctx, tx, f.down, item); err != nil {
			return err
		}
		var err error
		created, err = sched.CloseBatches(ctx, tx, f.down, f.items, upstreamComplete)
		return err
	})
	require.NoError(t, err)
	return created
}

func locations(itemIdx, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("s3://stage/item%d/out%d", itemIdx, i)
	}
	return out
}

// batchSignature renders the final batch partition as location lists, for
// comparing runs.
func batchSignature(t *testing.T, f *fixture) []string {
	t.Helper()
	ctx := context.Background()

	downItems, err := f.store.GetStepWorkItems(ctx, f.job.ID, 1)
	require.NoError(t, err)

	var sig []string
	for _, item := range downItems {
		members, err := f.store.AssignedBatchItems(ctx, item.ID)
		require.NoError(t, err)
		s := ""
		for _, m := range members {
			s += m.Location + ";"
		}
		sig = append(sig, s)
	}
	return sig
}

func TestCloseBatches_CountThreshold(t *testing.T) {
	sched := batch.NewScheduler(0)
	f := newFixture(t, core.WorkflowStep{IsBatched: true, MaxBatchInputs: 3}, 4)

	// Items produce [2,2,2,1] outputs in order → batches of [3,3,1].
	created := f.complete(t, sched, 0, locations(0, 2), nil, false)
	assert.Empty(t, created, "2 outputs under threshold")

	created = f.complete(t, sched, 1, locations(1, 2), nil, false)
	require.Len(t, created, 1, "4 outputs close one batch of 3")

	created = f.complete(t, sched, 2, locations(2, 2), nil, false)
	require.Len(t, created, 1, "3 carried outputs close the second batch")

	// Final item: upstream exhausted, remainder flushes.
	created = f.complete(t, sched, 3, locations(3, 1), nil, true)
	require.Len(t, created, 1)

	members, err := f.store.AssignedBatchItems(context.Background(), created[0].ID)
	require.NoError(t, err)
	assert.Len(t, members, 1, "undersized remainder batch")

	assert.Equal(t, 3, f.down.WorkItemCount)
}

func TestCloseBatches_ByteThreshold(t *testing.T) {
	sched := batch.NewScheduler(0)
	f := newFixture(t, core.WorkflowStep{IsBatched: true, MaxBatchSizeBytes: 100}, 2)

	// 40 + 40 stays open; the 30-byte item pushes the sum to 110 >= 100 and
	// the batch closes the instant the threshold is reached.
	created := f.complete(t, sched, 0, locations(0, 2), []int64{40, 40}, false)
	assert.Empty(t, created)

	created = f.complete(t, sched, 1, locations(1, 2), []int64{30, 5}, true)
	require.Len(t, created, 2)

	members, err := f.store.AssignedBatchItems(context.Background(), created[0].ID)
	require.NoError(t, err)
	assert.Len(t, members, 3, "closed at the item that reached the threshold")

	members, err = f.store.AssignedBatchItems(context.Background(), created[1].ID)
	require.NoError(t, err)
	assert.Len(t, members, 1, "flushed remainder")
}

func TestCloseBatches_DefaultSizeForUnreported(t *testing.T) {
	sched := batch.NewScheduler(0)
	f := newFixture(t, core.WorkflowStep{IsBatched: true, MaxBatchSizeBytes: 3}, 1)

	// No sizes reported: each item counts as DefaultItemSizeBytes (1), so
	// three outputs reach the 3-byte threshold.
	created := f.complete(t, sched, 0, locations(0, 3), nil, true)
	require.Len(t, created, 1)
}

func TestCloseBatches_UnbatchedSingletons(t *testing.T) {
	sched := batch.NewScheduler(0)
	f := newFixture(t, core.WorkflowStep{IsBatched: false}, 2)

	// Unbatched steps get one downstream item per output, immediately, even
	// while other upstream items are in flight.
	created := f.complete(t, sched, 1, locations(1, 3), nil, false)
	assert.Len(t, created, 3)
}

func TestCloseBatches_HoldsForContiguity(t *testing.T) {
	sched := batch.NewScheduler(0)
	f := newFixture(t, core.WorkflowStep{IsBatched: true, MaxBatchInputs: 2}, 2)

	// The second item finishes first. Its outputs cannot batch yet: the
	// first item is still running and its outputs precede them in sequence.
	created := f.complete(t, sched, 1, locations(1, 2), nil, false)
	assert.Empty(t, created)

	// Once the first item completes the prefix is contiguous and both
	// batches close.
	created = f.complete(t, sched, 0, locations(0, 2), nil, true)
	assert.Len(t, created, 2)
}

func TestCloseBatches_OrderIndependent(t *testing.T) {
	// The same upstream outputs must partition into identical batches no
	// matter the completion order.
	outputs := [][]string{
		locations(0, 3), locations(1, 1), locations(2, 4), locations(3, 2), locations(4, 1),
	}

	run := func(order []int) []string {
		sched := batch.NewScheduler(0)
		f := newFixture(t, core.WorkflowStep{IsBatched: true, MaxBatchInputs: 4}, len(outputs))
		for n, idx := range order {
			last := n == len(order)-1
			f.complete(t, sched, idx, outputs[idx], nil, last)
		}
		return batchSignature(t, f)
	}

	baseline := run([]int{0, 1, 2, 3, 4})
	require.NotEmpty(t, baseline)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		order := rng.Perm(len(outputs))
		assert.Equal(t, baseline, run(order), "order %v", order)
	}
}

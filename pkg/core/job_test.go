package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobAccepted.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.False(t, JobPaused.Terminal())
	assert.True(t, JobSuccessful.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCanceled.Terminal())
}

func TestWorkItemStatus_Terminal(t *testing.T) {
	assert.False(t, WorkItemReady.Terminal())
	assert.False(t, WorkItemQueued.Terminal())
	assert.False(t, WorkItemRunning.Terminal())
	assert.True(t, WorkItemSuccessful.Terminal())
	assert.True(t, WorkItemFailed.Terminal())
	assert.True(t, WorkItemCanceled.Terminal())
	assert.True(t, WorkItemWarning.Terminal())
}

func TestWorkItemStatus_Succeeded(t *testing.T) {
	assert.True(t, WorkItemSuccessful.Succeeded())
	assert.True(t, WorkItemWarning.Succeeded())
	assert.False(t, WorkItemFailed.Succeeded())
	assert.False(t, WorkItemCanceled.Succeeded())
	assert.False(t, WorkItemRunning.Succeeded())
}

func TestValidWorkItemTransition(t *testing.T) {
	// Forward path
	assert.True(t, ValidWorkItemTransition(WorkItemReady, WorkItemRunning))
	assert.True(t, ValidWorkItemTransition(WorkItemReady, WorkItemQueued))
	assert.True(t, ValidWorkItemTransition(WorkItemQueued, WorkItemRunning))
	assert.True(t, ValidWorkItemTransition(WorkItemRunning, WorkItemSuccessful))
	assert.True(t, ValidWorkItemTransition(WorkItemRunning, WorkItemFailed))
	assert.True(t, ValidWorkItemTransition(WorkItemRunning, WorkItemWarning))

	// Retry re-queue
	assert.True(t, ValidWorkItemTransition(WorkItemRunning, WorkItemReady))

	// Cancellation of pending work
	assert.True(t, ValidWorkItemTransition(WorkItemReady, WorkItemCanceled))
	assert.True(t, ValidWorkItemTransition(WorkItemQueued, WorkItemCanceled))

	// Duplicate terminal updates stay legal (idempotent no-ops)
	assert.True(t, ValidWorkItemTransition(WorkItemSuccessful, WorkItemSuccessful))

	// Backwards or out-of-order moves are rejected
	assert.False(t, ValidWorkItemTransition(WorkItemSuccessful, WorkItemRunning))
	assert.False(t, ValidWorkItemTransition(WorkItemFailed, WorkItemSuccessful))
	assert.False(t, ValidWorkItemTransition(WorkItemReady, WorkItemSuccessful))
	assert.False(t, ValidWorkItemTransition(WorkItemQueued, WorkItemFailed))
}

func TestJSONColumns_RoundTrip(t *testing.T) {
	links := LinkList{{Href: "s3://bucket/out.nc4", Rel: "data"}}
	v, err := links.Value()
	assert.NoError(t, err)

	var decoded LinkList
	assert.NoError(t, decoded.Scan(v))
	assert.Equal(t, links, decoded)

	// Empty lists store as NULL and scan back as nil
	v, err = LinkList{}.Value()
	assert.NoError(t, err)
	assert.Nil(t, v)

	var fromNil LinkList
	assert.NoError(t, fromNil.Scan(nil))
	assert.Nil(t, fromNil)

	var sizes Int64List
	assert.NoError(t, sizes.Scan(`[1,2,3]`))
	assert.Equal(t, Int64List{1, 2, 3}, sizes)
}

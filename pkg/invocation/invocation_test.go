package invocation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-data/trellis/pkg/core"
)

func TestPullQueueInvoker(t *testing.T) {
	item := &core.WorkItem{ID: 7, ServiceID: "svc/a"}
	handle, err := PullQueueInvoker{}.Invoke(context.Background(), item, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), handle.WorkItemID)
	assert.Equal(t, "svc/a", handle.ServiceID)
}

func TestDirectInvoker(t *testing.T) {
	var gotQuery string
	var gotOp core.DataOperation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("workItemId")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotOp))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	item := &core.WorkItem{ID: 42, ServiceID: "svc/direct"}
	op := &core.DataOperation{User: "jdoe", Sources: []core.Source{{CollectionID: "C1"}}}

	inv := NewDirectInvoker(srv.URL)
	handle, err := inv.Invoke(context.Background(), item, op)
	require.NoError(t, err)
	assert.Equal(t, int64(42), handle.WorkItemID)
	assert.Equal(t, "42", gotQuery)
	assert.Equal(t, "jdoe", gotOp.User)
}

func TestDirectInvoker_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	inv := NewDirectInvoker(srv.URL)
	_, err := inv.Invoke(context.Background(), &core.WorkItem{ID: 1, ServiceID: "svc/x"}, &core.DataOperation{})
	assert.ErrorContains(t, err, "svc/x")
}

func TestForKind(t *testing.T) {
	assert.IsType(t, PullQueueInvoker{}, ForKind(PullQueue, ""))
	assert.IsType(t, PullQueueInvoker{}, ForKind("unknown", ""))
	assert.IsType(t, PullQueueInvoker{}, ForKind(Direct, ""), "direct without endpoint falls back")
	assert.IsType(t, &DirectInvoker{}, ForKind(Direct, "http://svc:5000"))
}

package invocation

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/trellis-data/trellis/pkg/core"
)

// Kind tags the invocation style of a backend service.
type Kind string

const (
	// PullQueue services run external workers that poll the dispatch API
	// for ready items. This is the normal path.
	PullQueue Kind = "pull"

	// Direct services are invoked by POSTing the operation to an endpoint;
	// the service reports back through the same completion API.
	Direct Kind = "direct"
)

// Handle identifies one in-flight invocation.
type Handle struct {
	WorkItemID int64
	ServiceID  string
}

// Invoker hands a ready work item to its backend service.
type Invoker interface {
	Invoke(ctx context.Context, item *core.WorkItem, op *core.DataOperation) (Handle, error)
}

// PullQueueInvoker is a no-op: pull-queue items wait in ready status until
// a polling worker claims them.
type PullQueueInvoker struct{}

func (PullQueueInvoker) Invoke(_ context.Context, item *core.WorkItem, _ *core.DataOperation) (Handle, error) {
	return Handle{WorkItemID: item.ID, ServiceID: item.ServiceID}, nil
}

// DirectInvoker POSTs the serialized operation to the service endpoint.
type DirectInvoker struct {
	Endpoint string
	Client   *http.Client
}

// NewDirectInvoker creates a direct invoker for a service endpoint.
func NewDirectInvoker(endpoint string) *DirectInvoker {
	return &DirectInvoker{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *DirectInvoker) Invoke(ctx context.Context, item *core.WorkItem, op *core.DataOperation) (Handle, error) {
	handle := Handle{WorkItemID: item.ID, ServiceID: item.ServiceID}

	payload, err := op.Marshal()
	if err != nil {
		return handle, err
	}
	url := fmt.Sprintf("%s?workItemId=%d", d.Endpoint, item.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return handle, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return handle, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return handle, fmt.Errorf("service %s returned %s", item.ServiceID, resp.Status)
	}
	return handle, nil
}

// ForKind returns the invoker for a configured kind. Unknown kinds fall
// back to pull-queue dispatch.
func ForKind(kind Kind, endpoint string) Invoker {
	if kind == Direct && endpoint != "" {
		return NewDirectInvoker(endpoint)
	}
	return PullQueueInvoker{}
}

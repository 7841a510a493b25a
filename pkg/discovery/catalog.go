package discovery

import (
	"context"

	"github.com/trellis-data/trellis/pkg/core"
)

// Query describes one catalog search derived from a DataOperation source.
type Query struct {
	CollectionID  string
	Variables     []string
	BoundingBox   *core.BoundingBox
	TemporalRange *core.TemporalRange
	ShapefileLoc  string
}

// Item is one granule's metadata as returned by the catalog.
type Item struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size,omitempty"`
}

// Page is one page of catalog search results. NextCursor is an opaque
// session token ("sessionKey:searchAfter") the engine only round-trips;
// empty means paging has ended.
type Page struct {
	TotalHits  int
	Items      []Item
	NextCursor string
}

// CatalogClient is the remote catalog search collaborator.
type CatalogClient interface {
	Search(ctx context.Context, q Query, cursor string, pageLimit int) (*Page, error)
}

// ObjectStore is the content-addressable blob store holding granule
// catalogs and result artifacts. Every work item writes to a unique path,
// so paths are append-only and need no locking.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte) (location string, err error)
	Get(ctx context.Context, location string) ([]byte, error)
	Size(ctx context.Context, location string) (int64, error)
}

// QueryFromOperation builds the catalog query for an operation's first
// source. Multi-source operations fan out one discovery chain per source at
// submit time, so each step sees a single source.
func QueryFromOperation(op *core.DataOperation) Query {
	q := Query{
		BoundingBox:   op.BoundingBox,
		TemporalRange: op.TemporalRange,
		ShapefileLoc:  op.ShapefileLocation,
	}
	if len(op.Sources) > 0 {
		q.CollectionID = op.Sources[0].CollectionID
		q.Variables = op.Sources[0].Variables
	}
	return q
}

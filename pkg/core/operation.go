package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies one collection and the variables requested from it.
type Source struct {
	CollectionID string   `json:"collection"`
	ShortName    string   `json:"shortName,omitempty"`
	Variables    []string `json:"variables,omitempty"`
}

// BoundingBox is a spatial subset expressed as [west, south, east, north].
type BoundingBox [4]float64

// TemporalRange is a temporal subset. A zero Start or End means unbounded.
type TemporalRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// DataOperation is the canonical description of what a request computes.
// It is serialized and passed as the payload between workflow steps. Each
// step owns its own snapshot; downstream changes are made on a Clone, never
// on a shared object.
type DataOperation struct {
	RequestID         string         `json:"requestId"`
	User              string         `json:"user"`
	ClientID          string         `json:"client,omitempty"`
	Sources           []Source       `json:"sources"`
	Format            string         `json:"format,omitempty"`
	BoundingBox       *BoundingBox   `json:"bbox,omitempty"`
	TemporalRange     *TemporalRange `json:"temporal,omitempty"`
	ShapefileLocation string         `json:"shapefile,omitempty"`
	ShouldAggregate   bool           `json:"concatenate,omitempty"`
	MaxResults        *int           `json:"maxResults,omitempty"`
	StagingLocation   string         `json:"stagingLocation,omitempty"`

	// AccessToken is the user's token, encrypted by the identity collaborator
	// before it reaches the engine. The engine only round-trips it.
	AccessToken string `json:"accessToken,omitempty"`
}

// Clone returns a deep copy of the operation. Workflow steps snapshot the
// operation via Clone so that concurrently executing steps never alias.
func (op *DataOperation) Clone() *DataOperation {
	cp := *op
	cp.Sources = make([]Source, len(op.Sources))
	for i, s := range op.Sources {
		cp.Sources[i] = s
		cp.Sources[i].Variables = append([]string(nil), s.Variables...)
	}
	if op.BoundingBox != nil {
		bb := *op.BoundingBox
		cp.BoundingBox = &bb
	}
	if op.TemporalRange != nil {
		tr := *op.TemporalRange
		cp.TemporalRange = &tr
	}
	if op.MaxResults != nil {
		mr := *op.MaxResults
		cp.MaxResults = &mr
	}
	return &cp
}

// Marshal serializes the operation for storage on a workflow step.
func (op *DataOperation) Marshal() ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal operation: %w", err)
	}
	return data, nil
}

// UnmarshalOperation deserializes a stored operation snapshot.
func UnmarshalOperation(data []byte) (*DataOperation, error) {
	var op DataOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("unmarshal operation: %w", err)
	}
	return &op, nil
}

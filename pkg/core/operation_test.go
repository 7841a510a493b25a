package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataOperation_Clone(t *testing.T) {
	max := 50
	bbox := BoundingBox{-120, 30, -110, 40}
	op := &DataOperation{
		RequestID: "req-1",
		User:      "jdoe",
		Sources: []Source{
			{CollectionID: "C1-PROV", Variables: []string{"red", "green"}},
		},
		BoundingBox:   &bbox,
		TemporalRange: &TemporalRange{Start: time.Unix(1000, 0)},
		MaxResults:    &max,
	}

	cp := op.Clone()
	require.Equal(t, op, cp)

	// Mutating the clone must not touch the original.
	cp.Sources[0].Variables[0] = "blue"
	cp.BoundingBox[0] = 0
	*cp.MaxResults = 1
	cp.TemporalRange.Start = time.Unix(2000, 0)

	assert.Equal(t, "red", op.Sources[0].Variables[0])
	assert.Equal(t, float64(-120), op.BoundingBox[0])
	assert.Equal(t, 50, *op.MaxResults)
	assert.Equal(t, time.Unix(1000, 0), op.TemporalRange.Start)
}

func TestOperation_MarshalRoundTrip(t *testing.T) {
	op := &DataOperation{
		RequestID: "req-2",
		User:      "jdoe",
		Sources:   []Source{{CollectionID: "C2-PROV"}},
		Format:    "image/tiff",
	}
	data, err := op.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalOperation(data)
	require.NoError(t, err)
	assert.Equal(t, op, decoded)

	_, err = UnmarshalOperation([]byte("not json"))
	assert.Error(t, err)
}

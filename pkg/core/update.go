package core

// WorkItemUpdate carries a worker's completion report for a running item.
type WorkItemUpdate struct {
	Status          WorkItemStatus `json:"status"`
	Results         []string       `json:"results,omitempty"`
	OutputItemSizes []int64        `json:"outputItemSizes,omitempty"`
	SubStatus       string         `json:"subStatus,omitempty"`
	DurationMs      int64          `json:"duration,omitempty"`

	// Fatal marks a failure that must not be retried (e.g. request
	// validation discovered mid-flight, such as zero matching granules).
	Fatal bool `json:"fatal,omitempty"`

	// Discovery-only fields.

	// TotalHits is the catalog's total hit count, reported with the first
	// page so the job's input granule count and any capacity advisory can
	// be recorded.
	TotalHits *int `json:"totalHits,omitempty"`

	// NextCursor is the opaque resume token for the next page; empty when
	// paging has ended.
	NextCursor string `json:"nextCursor,omitempty"`
}

// Package batch implements the aggregation scheduler: it decides, as work
// items complete, when enough upstream output has accumulated to close a
// batch and create the next work item for a batched downstream step.
//
// Partitioning runs over the ledger of output items ordered by the producing
// work item's sequence number, never by completion time, so any arrival
// order of the same completions yields the identical partition.
package batch

// Package progress derives job-level status and completion percentage from
// the workflow step / work item aggregate. Progress is recomputed, never
// stored as an independent source of truth, and never regresses.
package progress

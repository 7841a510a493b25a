// Package core provides the fundamental types and interfaces for the trellis engine.
//
// This package contains:
//   - DataOperation, Job, WorkflowStep and WorkItem data models with GORM annotations
//   - Storage interface defining the persistence contract
//   - Event types for engine monitoring
//   - Error types for request validation and collaborator failures
//
// Most users should import the root package github.com/trellis-data/trellis
// instead of this package directly.
package core

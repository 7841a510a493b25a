// Package workflow provides the engine that drives the Job / WorkItem state
// machine: accepting requests, dispatching work to pollers, applying
// completion updates, advancing the step chain through batch aggregation,
// and deriving job progress. Scheduling runs synchronously inside the same
// transaction as the completion update that triggered it.
package workflow

// Package storage provides the GORM-backed persistence layer for the
// trellis engine. The database is the single source of truth: work item
// claims and batch closures are serialized through its transactions.
package storage

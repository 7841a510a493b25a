// Package schedule provides cadence types for the engine's background
// maintenance loops (orphan reaper, work failer, artifact retention).
package schedule

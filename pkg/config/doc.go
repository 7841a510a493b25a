// Package config loads the service chain configuration: which backend
// services handle which collections, how each service is invoked, its
// batching policy, and its granule limits. Chains are fixed, linear,
// per-service configurations supplied externally.
package config

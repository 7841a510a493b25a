// Package invocation defines how work reaches a backend service: pulled
// from the dispatch queue by polling workers, or pushed directly to a
// service endpoint. The set of invocation kinds is closed and selected by
// configuration, not inheritance.
package invocation

// Package discovery wraps the external catalog search collaborator with
// cursor-based pagination and a multi-source granule-count cap. It provides
// the built-in worker that executes granule-discovery work items: each
// claimed item queries one catalog page and reports the page's granules as
// its outputs, carrying the catalog cursor forward for the next page.
package discovery

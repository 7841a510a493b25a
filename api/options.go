// Package api exposes the worker poll/update HTTP protocol: claiming ready
// work items, reporting completions, and the ready-count endpoint used for
// autoscaling backend worker pools.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/trellis-data/trellis/pkg/security"
)

// Option configures the API handler.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	ctx                context.Context
	middleware         func(http.Handler) http.Handler
	corsOptions        *cors.Options
	registry           *prometheus.Registry
	maxCatalogPageSize int
}

// WithMiddleware wraps the handler with middleware (auth, logging, etc.).
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return optionFunc(func(c *config) {
		c.middleware = mw
	})
}

// WithCORS enables CORS with the given options.
func WithCORS(opts cors.Options) Option {
	return optionFunc(func(c *config) {
		c.corsOptions = &opts
	})
}

// WithRegistry sets the Prometheus registry for the handler's metrics.
// A private registry is used when not provided.
func WithRegistry(reg *prometheus.Registry) Option {
	return optionFunc(func(c *config) {
		c.registry = reg
	})
}

// WithMaxCatalogPageSize sets the page size advertised to workers with each
// claimed item. Default: security.MaxCatalogPageSize.
func WithMaxCatalogPageSize(n int) Option {
	return optionFunc(func(c *config) {
		c.maxCatalogPageSize = security.ClampPageSize(n)
	})
}

// WithContext provides a lifecycle context for background goroutines (the
// event-driven metrics collector). When cancelled, they exit. If not
// provided, context.Background() is used.
func WithContext(ctx context.Context) Option {
	return optionFunc(func(c *config) {
		c.ctx = ctx
	})
}

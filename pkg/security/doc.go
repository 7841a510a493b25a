// Package security provides validation, sanitization, and limits for the trellis engine.
package security

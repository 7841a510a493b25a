package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/trellis-data/trellis/pkg/core"
)

// Limits and configuration
const (
	// MaxServiceIDLength is the maximum length for service identifiers
	MaxServiceIDLength = 255

	// MaxRetries is the hard limit for work item retry attempts
	MaxRetries = 100

	// MaxMessageLength is the maximum length for stored job/diagnostic messages
	MaxMessageLength = 4096

	// MaxCatalogPageSize is the hard limit for a single discovery page
	MaxCatalogPageSize = 2000

	// MaxBatchInputsLimit is the hard limit for items per aggregation batch
	MaxBatchInputsLimit = 10000

	// MaxResultsPerItem is the maximum number of result locations a single
	// work item completion may carry
	MaxResultsPerItem = 10000
)

// validServiceID matches alphanumeric, hyphens, underscores, dots and slashes
// (service IDs may be image-style names such as "ghcr.io/org/subsetter").
var validServiceID = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-./:]*$`)

// ValidateServiceID validates a backend service identifier.
func ValidateServiceID(id string) error {
	if id == "" {
		return core.ErrInvalidServiceID
	}
	if len(id) > MaxServiceIDLength {
		return core.ErrInvalidServiceID
	}
	if !validServiceID.MatchString(id) {
		return core.ErrInvalidServiceID
	}
	return nil
}

// SanitizeMessage truncates and sanitizes messages before storage.
func SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures a retry limit is within bounds.
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampPageSize ensures a discovery page size is within bounds.
func ClampPageSize(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxCatalogPageSize {
		return MaxCatalogPageSize
	}
	return n
}

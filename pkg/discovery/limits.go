package discovery

import "fmt"

// LimitReason identifies which candidate cap produced the effective granule
// limit for a request.
type LimitReason string

const (
	LimitNone       LimitReason = "none"
	LimitSystem     LimitReason = "system"
	LimitMaxResults LimitReason = "maxResults"
	LimitService    LimitReason = "service"
	LimitCollection LimitReason = "collection"
)

// GranuleLimit is the effective granule cap for one discovery request,
// tagged with the reason it applies. It is computed per request and not
// persisted beyond the discovery step.
type GranuleLimit struct {
	Value  int
	Reason LimitReason
}

// EffectiveLimit computes the minimum of the candidate caps. Candidates are
// considered in the order system → maxResults → service → collection; a
// candidate replaces the running minimum only when strictly less, so equal
// values do not change the reason.
func EffectiveLimit(systemDefault int, maxResults, serviceLimit, collectionLimit *int) GranuleLimit {
	limit := GranuleLimit{Value: systemDefault, Reason: LimitSystem}

	candidates := []struct {
		value  *int
		reason LimitReason
	}{
		{maxResults, LimitMaxResults},
		{serviceLimit, LimitService},
		{collectionLimit, LimitCollection},
	}
	for _, c := range candidates {
		if c.value != nil && *c.value < limit.Value {
			limit = GranuleLimit{Value: *c.value, Reason: c.reason}
		}
	}
	return limit
}

// AdvisoryMessage returns the non-fatal capacity advisory attached to a job
// whose request matched more granules than the effective limit, or "" when
// no truncation applies.
func AdvisoryMessage(totalHits int, limit GranuleLimit, serviceID string) string {
	if totalHits <= limit.Value {
		return ""
	}
	base := fmt.Sprintf(
		"CMR query identified %d granules, but the request has been limited to process only the first %d granules",
		totalHits, limit.Value)

	switch limit.Reason {
	case LimitMaxResults:
		return fmt.Sprintf("%s because you requested %d maxResults.", base, limit.Value)
	case LimitService:
		return fmt.Sprintf("%s because of a limit for the %s service.", base, serviceID)
	case LimitCollection:
		return fmt.Sprintf("%s because of a collection limit for the %s service.", base, serviceID)
	default:
		return base + " because of a system constraint."
	}
}

package calllog

import "github.com/callreportd/callreportd/internal/database/models"

// direction classifies a call from the full set of event types observed for
// its correlation id. This is a set-membership test, not a per-event
// decision: an inbound trunk marker anywhere in the stream wins over an
// outbound marker, and a stream with neither is an internal call.
func direction(eventTypes map[string]bool) string {
	if eventTypes[models.EventIncall] {
		return models.DirectionInbound
	}
	if eventTypes[models.EventOutcall] {
		return models.DirectionOutbound
	}
	return models.DirectionInternal
}

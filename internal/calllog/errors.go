package calllog

import (
	"errors"
	"fmt"
)

// Finalization failure reasons. A record missing anything else is still
// emitted with the absent fields left nil.
var (
	ErrMissingDate   = errors.New("start date not found")
	ErrMissingSource = errors.New("source name and exten not found")
)

// BuildError reports that the events of one correlation id could not be
// reduced into a valid call record. The caller logs it and moves on; one bad
// correlation id never aborts a batch.
type BuildError struct {
	CorrelationID string
	Reason        error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building call record for %s: %v", e.CorrelationID, e.Reason)
}

func (e *BuildError) Unwrap() error {
	return e.Reason
}

package contextmgr

import (
	"errors"
	"fmt"
)

// ErrContextOverflow matches every OverflowError.
var ErrContextOverflow = errors.New("context overflow")

// ErrEmptySummary is returned when the summarizer answers with no text.
var ErrEmptySummary = errors.New("summarizer returned no text")

// OverflowError means even the messages that may never be dropped exceed the
// budget. It signals misconfiguration, not a transient condition.
type OverflowError struct {
	Op       string
	LastRole string
	Required int // tokens needed by protected messages plus the reserve
	Budget   int // max_tokens
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s: protected messages need %d tokens but the budget is %d (last message role %s)",
		e.Op, e.Required, e.Budget, e.LastRole)
}

func (e *OverflowError) Is(target error) bool {
	return target == ErrContextOverflow
}

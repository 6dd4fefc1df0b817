package toolloop

import (
	"errors"
	"fmt"
)

// ErrToolLoopExceeded matches every LoopExceededError.
var ErrToolLoopExceeded = errors.New("tool loop exceeded max iterations")

// LoopExceededError is returned when max iterations pass without a final
// text answer. The conversation keeps every completed iteration; callers
// decide whether to retry, summarize or give up.
type LoopExceededError struct {
	Op         string
	LastRole   string
	Iterations int
}

func (e *LoopExceededError) Error() string {
	return fmt.Sprintf("%s: no final answer after %d iterations (last message role %s)", e.Op, e.Iterations, e.LastRole)
}

func (e *LoopExceededError) Is(target error) bool {
	return target == ErrToolLoopExceeded
}

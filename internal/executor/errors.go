package executor

import (
	"errors"
	"fmt"
)

// ErrUnknownAction is reported for an action kind with no handler.
var ErrUnknownAction = errors.New("unknown action")

// ErrMissingImage is returned when a post references a file that does not exist.
var ErrMissingImage = errors.New("image file not found")

// TimeoutError reports a step that ran past its time limit.
type TimeoutError struct {
	Step string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Step)
}

package batch

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPrompts      = errors.New("prompts must not be empty")
	ErrInvalidConfig     = errors.New("invalid generation config")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrJobExists         = errors.New("job already exists")
	ErrJobNotTerminal    = errors.New("only completed, failed or cancelled jobs can be imported")
	ErrShuttingDown      = errors.New("batch service is shutting down")
)

// errJobFinalized stops the runner when the job completed or failed while an
// item was in flight. The item's result is discarded.
var errJobFinalized = errors.New("job no longer running")

// errUnchanged tells mutate to skip the write.
var errUnchanged = errors.New("unchanged")

// ValidationError reports a rejected request field. Nothing is persisted when
// one is returned.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

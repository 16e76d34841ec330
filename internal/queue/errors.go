package queue

import (
	"errors"
	"fmt"
	"strings"
)

// Queue-level one-time errors. Either aborts the whole batch; neither ever
// applies to an individual job.
var (
	// ErrInterrupted: the batch was preempted by a higher-priority batch or
	// stopped by the host.
	ErrInterrupted = errors.New("queue: batch interrupted")
	// ErrCannotInterrupt: a batch of equal priority was already running and
	// the new request was declined.
	ErrCannotInterrupt = errors.New("queue: cannot interrupt running batch")
)

// ErrorCollection is the batch result reported to the error handler. A
// OneTimeError aborts the batch; OperationErrors are per-job failures that
// did not stop the rest of the batch from running.
type ErrorCollection struct {
	OneTimeError    error
	OperationErrors []error
}

// Error implements the error interface.
func (c *ErrorCollection) Error() string {
	var parts []string
	if c.OneTimeError != nil {
		parts = append(parts, c.OneTimeError.Error())
	}
	if len(c.OperationErrors) > 0 {
		parts = append(parts, fmt.Sprintf("%d job error(s)", len(c.OperationErrors)))
	}
	if len(parts) == 0 {
		return "queue: no errors"
	}
	return strings.Join(parts, "; ")
}

// Unwrap exposes the one-time error for errors.Is checks.
func (c *ErrorCollection) Unwrap() error {
	return c.OneTimeError
}

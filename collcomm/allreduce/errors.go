package allreduce

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/ringput/collcomm"
)

var (
	// ErrNotSupported is returned for configurations the
	// ring algorithm does not handle.
	ErrNotSupported = errors.New("allreduce: not supported")

	// ErrInvalidParam is returned for malformed arguments.
	ErrInvalidParam = errors.New("allreduce: invalid parameter")

	// ErrTransport marks a failed one-sided operation.
	ErrTransport = errors.New("allreduce: transport failure")

	// ErrReduction marks a failed reduction.
	ErrReduction = errors.New("allreduce: reduction failure")

	// ErrNotStarted is the status of a task before Start.
	ErrNotStarted = errors.New("allreduce: task not started")

	// ErrAborted is the status of a task that was
	// finalized while it was still in progress.
	ErrAborted = errors.New("allreduce: task finalized before completion")

	// ErrInProgress is the status of a running task.
	ErrInProgress = collcomm.ErrInProgress
)

// kindError attaches one of the package's error kinds to
// an underlying cause, so that both match errors.Is.
func kindError(kind, cause error, msg string) error {
	if cause == nil {
		return errors.Wrap(kind, msg)
	}
	return errors.Wrap(fmt.Errorf("%w: %w", kind, cause), msg)
}

func outcome(status error) string {
	switch {
	case status == nil:
		return "success"
	case errors.Is(status, ErrTransport):
		return "transport_error"
	case errors.Is(status, ErrReduction):
		return "reduction_error"
	case errors.Is(status, ErrAborted):
		return "aborted"
	case errors.Is(status, ErrNotSupported), errors.Is(status, ErrInvalidParam):
		return "rejected"
	}
	return "error"
}

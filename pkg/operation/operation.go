// Package operation drives long-running cloud operations to a terminal
// state with adaptive polling and bounded retry.
package operation

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// ErrStatusUnknown is returned when the status of an operation could not be
// fetched. Outcomes settled before the failure are kept.
var ErrStatusUnknown = errors.New("failed to get status of operations")

// Error is the terminal error of a long-running operation. Code follows the
// google.rpc.Code numbering.
type Error struct {
	Code    codes.Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation failed: code %d (%s): %s", int(e.Code), e.Code, e.Message)
}

// Status is a single observation of an operation.
type Status struct {
	Done  bool
	Error *Error
}

// Checker fetches the current status of an operation by handle name.
type Checker interface {
	CheckOperation(ctx context.Context, name string) (*Status, error)
}

// State is the lifecycle state of an Operation.
type State int

const (
	// StatePending means the operation has not reached a terminal state.
	StatePending State = iota
	// StateSucceeded means the operation completed without error.
	StateSucceeded
	// StateFailed means the operation completed with a terminal error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Operation tracks one deploy action against a function.
type Operation struct {
	// Name is the operation handle returned by the API. It is replaced
	// when the operation is re-issued.
	Name         string
	FunctionName string
	Type         string
	State        State
	Err          error
	// Retry re-issues the action and returns the new operation handle.
	// When nil, a retryable failure keeps polling the same handle.
	Retry func(ctx context.Context) (string, error)
}

// IsRetryable reports whether an operation error code is transient:
// cancelled by client, deadline exceeded, aborted or unavailable.
func IsRetryable(code codes.Code) bool {
	switch code {
	case codes.Canceled, codes.DeadlineExceeded, codes.Aborted, codes.Unavailable:
		return true
	}
	return false
}

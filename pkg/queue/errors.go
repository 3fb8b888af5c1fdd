package queue

import "errors"

// ErrQueueClosed is returned when adding a task to a queue that has
// already drained.
var ErrQueueClosed = errors.New("queue is closed")

// ErrTaskPanicked wraps the value recovered from a panicking task.
var ErrTaskPanicked = errors.New("task panicked")

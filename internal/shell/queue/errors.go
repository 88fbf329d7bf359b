// Package queue coordinates freighter processes dispatching to the same host.
//
// Each process writes a state file named after its PID under
// <root>/<team>/<project>/<host>/. The oldest file is the process currently
// dispatching; everyone else waits until its PID is gone.
package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrPIDInUse is returned when a state file for this PID already exists.
	ErrPIDInUse = errors.New("state file for this pid already exists")

	// ErrCorruptState is returned when a state file cannot be decoded.
	ErrCorruptState = errors.New("corrupt state file")
)

// QueueError wraps errors with the host and PID involved.
type QueueError struct {
	Op      string
	Host    string
	PID     int
	Message string
	Err     error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s %s pid %d: %s", e.Op, e.Host, e.PID, e.Message)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// NewQueueError creates a new QueueError.
func NewQueueError(op, host string, pid int, message string, err error) *QueueError {
	return &QueueError{
		Op:      op,
		Host:    host,
		PID:     pid,
		Message: message,
		Err:     err,
	}
}

// Package engine is the dispatch coordinator. A Forwarder turns a manifest
// into commercial invoices, resolves the fleet of hosts an invoice ships to
// and runs the deploy, export, quality control, test and offload flows on
// every host of that fleet.
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrHostUnreachable is returned when a host of the fleet doesn't answer.
	// No host of the fleet is dispatched to.
	ErrHostUnreachable = errors.New("container ship is unreachable")

	// ErrMultiHostExport is returned when an export fleet has more than one host.
	ErrMultiHostExport = errors.New("export requires exactly one host, define an export fleet or a single default host")

	// ErrDirtyWorkTree is returned by a validated export when the git working
	// tree has uncommitted changes.
	ErrDirtyWorkTree = errors.New("git working tree has uncommitted changes")
)

// TestFailureError is returned when a service's test container exits non-zero.
// It aborts the whole operation.
type TestFailureError struct {
	Service string
	Host    string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("service %s failed tests on host %s", e.Service, e.Host)
}

// DispatchError wraps errors that stop dispatch on a host.
type DispatchError struct {
	Op      string // Operation that failed (e.g., "deploy")
	Host    string
	Service string
	Err     error
}

func (e *DispatchError) Error() string {
	msg := e.Op
	if e.Service != "" {
		msg += " " + e.Service
	}
	if e.Host != "" {
		msg += " on " + e.Host
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError creates a new DispatchError.
func NewDispatchError(op, host, service string, err error) *DispatchError {
	return &DispatchError{Op: op, Host: host, Service: service, Err: err}
}

// Package service builds the dependency graph between the services of one
// resolved manifest. This is part of the Functional Core - no I/O.
package service

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrSelfLink            = errors.New("service links to itself")
	ErrSelfVolumeReference = errors.New("service mounts volumes from itself")
	ErrCircularLink        = errors.New("circular link reference")
	ErrCircularVolume      = errors.New("circular volumes_from reference")
	ErrInvalidLink         = errors.New("link must reference a service or use the name:alias form")
	ErrUnknownVolumeSource = errors.New("volumes_from must reference a service")
	ErrDependencyCycle     = errors.New("dependency cycle detected")
	ErrInvalidImage        = errors.New("invalid image reference")
	ErrNoServices          = errors.New("no services defined")
)

// ReferenceError describes an invalid reference between two services.
type ReferenceError struct {
	Service string
	Target  string
	Message string
	Err     error
}

func (e *ReferenceError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s -> %s: %s", e.Service, e.Target, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

func (e *ReferenceError) Unwrap() error {
	return e.Err
}

// NewReferenceError creates a new ReferenceError.
func NewReferenceError(service, target, message string, err error) *ReferenceError {
	return &ReferenceError{
		Service: service,
		Target:  target,
		Message: message,
		Err:     err,
	}
}

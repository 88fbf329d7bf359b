// Package manifest models the freighter.yml project manifest.
// This is part of the Functional Core - loading works on bytes, resolution is pure.
package manifest

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrEmptyInput         = errors.New("manifest is empty")
	ErrInvalidYAML        = errors.New("invalid YAML syntax")
	ErrInvalidManifest    = errors.New("invalid manifest")
	ErrUnknownField       = errors.New("unknown field")
	ErrUnknownEnvironment = errors.New("environment is not defined")
	ErrUnknownDataCenter  = errors.New("data center is not defined")
	ErrUnknownService     = errors.New("service is not defined")
	ErrUnknownAction      = errors.New("unknown action")
	ErrUnknownRegistry    = errors.New("registry is not defined")
	ErrServiceSource      = errors.New("service must define exactly one of image or build")
)

// ParseError wraps errors with the manifest path where they were found.
type ParseError struct {
	Field   string // e.g., "environments.development.us-east-1.hosts"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

package registry

import (
	"errors"
	"fmt"
)

var (
	ErrUnreachable        = errors.New("registry is unreachable")
	ErrUnsupportedVersion = errors.New("registry speaks neither the v1 nor the v2 API")
	ErrInvalidImageName   = errors.New(`image name must be "namespace/repository"`)
	ErrUnexpectedStatus   = errors.New("unexpected registry response")
)

// RegistryError is a non-2xx response from a registry.
type RegistryError struct {
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *RegistryError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("registry %s: status %d: %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("registry %s: status %d", e.URL, e.StatusCode)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(url string, status int, message string) *RegistryError {
	return &RegistryError{URL: url, StatusCode: status, Message: message, Err: ErrUnexpectedStatus}
}

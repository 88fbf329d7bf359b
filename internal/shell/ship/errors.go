package ship

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrRollbackFailed is returned when a previous container can't be
	// restarted during a rollback. The host needs manual attention.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrNotLoaded is returned when starting a service with no containers.
	ErrNotLoaded = errors.New("service containers must be loaded before they are started")

	// ErrNoCargo is returned when an operation needs an image that was never loaded.
	ErrNoCargo = errors.New("service has no cargo")

	// ErrNoSource is returned when a service has neither an image nor a Dockerfile.
	ErrNoSource = errors.New("service has no image or Dockerfile")

	// ErrNoRegistry is returned when cargo must be pulled and no registry was provided.
	ErrNoRegistry = errors.New("no registry to pull from")

	// ErrDependencyMissing is returned when a dependency has no containers on the host.
	ErrDependencyMissing = errors.New("dependency has no containers on the host")

	// ErrDependencyNotRunning is returned when a linked dependency container is stopped.
	ErrDependencyNotRunning = errors.New("linked dependency container is not running")

	// ErrNoTestDockerfile is returned when testing a service without a test Dockerfile.
	ErrNoTestDockerfile = errors.New("service has no test Dockerfile")

	// ErrInjectionFailed is returned when config injection can't produce an image.
	ErrInjectionFailed = errors.New("config injection failed")
)

// ShipError wraps errors with the host and service involved.
type ShipError struct {
	Op      string // Operation that failed (e.g., "LoadCargo")
	Host    string
	Service string
	Message string
	Err     error
}

func (e *ShipError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s %s on %s: %s", e.Op, e.Service, e.Host, e.Message)
	}
	return fmt.Sprintf("%s on %s: %s", e.Op, e.Host, e.Message)
}

func (e *ShipError) Unwrap() error {
	return e.Err
}

// NewShipError creates a new ShipError.
func NewShipError(op, host, service, message string, err error) *ShipError {
	return &ShipError{
		Op:      op,
		Host:    host,
		Service: service,
		Message: message,
		Err:     err,
	}
}

package docker

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Container errors
	ErrContainerNotFound       = errors.New("container not found")
	ErrContainerAlreadyExists  = errors.New("container already exists")
	ErrContainerNotRunning     = errors.New("container is not running")
	ErrContainerAlreadyRunning = errors.New("container is already running")

	// Image errors
	ErrImageNotFound   = errors.New("image not found")
	ErrImagePullFailed = errors.New("image pull failed")
	ErrImageInUse      = errors.New("image is in use")
	ErrBuildFailed     = errors.New("image build failed")
	ErrPushFailed      = errors.New("image push failed")

	// Stream errors are failures reported inside a pull, push or build stream.
	ErrStream = errors.New("docker stream reported an error")

	// Connection errors
	ErrPortAlreadyAllocated = errors.New("port is already allocated")
	ErrConnectionFailed     = errors.New("docker connection failed")
	ErrUnsupportedAddress   = errors.New("unsupported docker host address")
	ErrTimeout              = errors.New("operation timed out")
)

// DockerError wraps errors with additional context.
type DockerError struct {
	Op      string // Operation that failed
	Entity  string // Entity type (container, image)
	ID      string // Entity ID if applicable
	Message string
	Err     error
}

func (e *DockerError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// NewDockerError creates a new DockerError.
func NewDockerError(op, entity, id, message string, err error) *DockerError {
	return &DockerError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// classify maps an Engine API error onto a sentinel for the given entity.
// Unclassified errors are returned unchanged.
func classify(entity string, err error) error {
	switch {
	case cerrdefs.IsNotFound(err):
		if entity == "image" {
			return ErrImageNotFound
		}
		return ErrContainerNotFound
	case cerrdefs.IsConflict(err):
		if entity == "image" {
			return ErrImageInUse
		}
		return ErrContainerAlreadyExists
	case cerrdefs.IsNotModified(err):
		if entity == "container" {
			return ErrContainerAlreadyRunning
		}
	}
	return err
}

// IsNotFound reports whether err means the container or image is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContainerNotFound) || errors.Is(err, ErrImageNotFound)
}

// Package invoice assembles the unit of work for one freighter action: the
// resolved services, their fleets, the tags to apply and the bookkeeping of
// per-host outcomes. This is part of the Functional Core - no I/O.
package invoice

import "errors"

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrBuildOnDeploy        = errors.New("services can't be built during a deploy, provide an image")
	ErrNoFleet              = errors.New("no hosts defined for the service and no default hosts")
	ErrDependencyNotLoaded  = errors.New("dependency has no containers")
	ErrInvalidPort          = errors.New("invalid port configuration")
	ErrInvalidVolume        = errors.New("invalid volume configuration")
	ErrInvalidEnvironment   = errors.New("environment variables must use KEY=VALUE")
	ErrMissingTargetService = errors.New("a target service is required")
)

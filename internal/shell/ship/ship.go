// Package ship is the per-host façade over a container runtime. A Ship
// loads, starts, tests, recalls, offloads and exports the containers and
// images of services on one Docker host.
package ship

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/artpar/freighter/internal/core/service"
	"github.com/artpar/freighter/internal/shell/docker"
)

// Registry is a registry cargo is pulled from or exported to.
type Registry interface {
	// Location is the registry host used to qualify image references.
	Location() string
	AuthConfig() *docker.AuthConfig
}

// RegistryFunc resolves a manifest registry alias.
type RegistryFunc func(ctx context.Context, alias string) (Registry, error)

// LoadOptions controls how cargo and containers are materialized.
type LoadOptions struct {
	Registry RegistryFunc
	// Tags are applied to built images next to "latest".
	Tags     []string
	UseCache bool
	// Inject copies config files into the cargo when an Injector is set.
	Inject bool
}

// Config holds ship configuration.
type Config struct {
	StartPollAttempts int           // Default: 10
	StartPollInterval time.Duration // Default: 1 second
	StopTimeout       time.Duration // Default: 10 seconds
	CargoRetain       int           // Default: 2
	// TranscriptLimit bounds the output kept per transcribed container.
	TranscriptLimit int // Default: 64 KiB
	Injector        *Injector
	// Out receives the output of attached containers.
	Out    io.Writer
	Logger *slog.Logger
}

// Ship operates the services of one host.
type Ship struct {
	address string
	client  docker.Client
	cfg     Config
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	transcripts map[string]*transcript // by container ID
	created     map[string]struct{}    // container IDs created by this ship
	wg          sync.WaitGroup
}

// New creates a ship for the host at address.
func New(address string, client docker.Client, cfg Config) *Ship {
	if cfg.StartPollAttempts <= 0 {
		cfg.StartPollAttempts = 10
	}
	if cfg.StartPollInterval <= 0 {
		cfg.StartPollInterval = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.CargoRetain <= 0 {
		cfg.CargoRetain = 2
	}
	if cfg.TranscriptLimit <= 0 {
		cfg.TranscriptLimit = 64 << 10
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Ship{
		address:     address,
		client:      client,
		cfg:         cfg,
		logger:      cfg.Logger.With("host", address),
		ctx:         ctx,
		cancel:      cancel,
		transcripts: make(map[string]*transcript),
		created:     make(map[string]struct{}),
	}
}

// Address returns the host address.
func (s *Ship) Address() string {
	return s.address
}

// Healthy pings the host.
func (s *Ship) Healthy(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach %s: %w", s.address, err)
	}
	return nil
}

// Report logs the host's engine version.
func (s *Ship) Report(ctx context.Context) error {
	v, err := s.client.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version of %s: %w", s.address, err)
	}
	s.logger.Info("reporting for dispatch",
		"docker_version", v.Version,
		"api_version", v.APIVersion,
		"os", v.Os,
		"arch", v.Arch,
		"kernel", v.KernelVersion,
		"go_runtime", runtime.Version(),
	)
	return nil
}

// Close stops every transcriber. The docker client is owned by the caller.
func (s *Ship) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Ship) serviceLogger(svc *service.Service) *slog.Logger {
	return s.logger.With("service", svc.Alias)
}

func (s *Ship) markCreated(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created[id] = struct{}{}
}

// createdHere reports whether this ship created the container. Containers
// adopted from the host are never removed by a rollback.
func (s *Ship) createdHere(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.created[id]
	return ok
}

func (s *Ship) stopTimeout() *time.Duration {
	d := s.cfg.StopTimeout
	return &d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// exportName returns "team/project-name" for a service alias.
func exportName(alias string) string {
	team, rest, ok := strings.Cut(alias, "-")
	if !ok {
		return alias
	}
	return team + "/" + rest
}

// qualify prefixes ref with the registry location unless the registry is
// docker hub.
func qualify(reg Registry, ref string) string {
	loc := reg.Location()
	if loc == "" || strings.Contains(loc, "index.docker.io") || loc == "docker.io" {
		return ref
	}
	return loc + "/" + ref
}

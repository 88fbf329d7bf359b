package ship

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/artpar/freighter/internal/core/invoice"
	"github.com/artpar/freighter/internal/core/service"
	"github.com/artpar/freighter/internal/shell/docker"
)

// =============================================================================
// Discovery
// =============================================================================

// ServiceContainers returns every container on the host named after the
// service alias, running or not, oldest first.
func (s *Ship) ServiceContainers(ctx context.Context, svc *service.Service) ([]docker.ContainerInfo, error) {
	return s.containersMatching(ctx, svc.Alias)
}

// PreviousContainers returns the service containers that were not created
// during this run.
func (s *Ship) PreviousContainers(ctx context.Context, svc *service.Service) ([]docker.ContainerInfo, error) {
	all, err := s.ServiceContainers(ctx, svc)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(c docker.ContainerInfo) bool {
		return svc.OwnsContainer(c.Name)
	}), nil
}

func (s *Ship) containersMatching(ctx context.Context, alias string) ([]docker.ContainerInfo, error) {
	found, err := s.client.ListContainers(ctx, docker.ListOptions{
		All:     true,
		Filters: map[string]string{"name": alias},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers for %s: %w", alias, err)
	}

	pattern := service.ContainerPattern(alias)
	out := found[:0]
	for _, c := range found {
		c.Name = strings.TrimPrefix(c.Name, "/")
		if pattern.MatchString(c.Name) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b docker.ContainerInfo) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// nextName allocates the first free container name for alias.
func (s *Ship) nextName(ctx context.Context, alias string) (string, error) {
	found, err := s.client.ListContainers(ctx, docker.ListOptions{
		All:     true,
		Filters: map[string]string{"name": alias},
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers for %s: %w", alias, err)
	}
	names := make([]string, 0, len(found))
	for _, c := range found {
		names = append(names, c.Name)
	}
	return service.NextContainerName(alias, names), nil
}

// =============================================================================
// Loading
// =============================================================================

// LoadContainers creates a container for svc unless it already has one.
// Dependency containers already on the host are adopted, cargo is loaded when
// missing, and sibling links and volumes_from point at the dependency
// containers.
func (s *Ship) LoadContainers(ctx context.Context, g *service.Graph, svc *service.Service, opts LoadOptions) error {
	if svc.HasContainers() {
		return nil
	}

	name, err := s.nextName(ctx, svc.Alias)
	if err != nil {
		return err
	}
	if err := s.loadDependencyContainers(ctx, g, svc); err != nil {
		return err
	}
	if svc.Cargo == nil {
		if err := s.LoadCargo(ctx, svc, opts); err != nil {
			return err
		}
	}

	plan, err := s.plan(g, svc, name, svc.Cargo.ID)
	if err != nil {
		return err
	}

	s.serviceLogger(svc).Info("creating container", "container", name, "image", svc.Cargo.Reference)
	id, err := s.client.CreateContainer(ctx, toSpec(plan))
	if err != nil {
		return NewShipError("LoadContainers", s.address, svc.Alias, "failed to create "+name, err)
	}
	s.markCreated(id)
	svc.AddContainer(service.Container{ID: id, Name: name, Image: svc.Cargo.ID})
	return nil
}

// plan builds the container plan of svc. A nil graph leaves links and
// volumes_from untouched.
func (s *Ship) plan(g *service.Graph, svc *service.Service, name, image string) (invoice.ContainerPlan, error) {
	params := invoice.BuildContainerPlanParams{
		Service:      svc,
		Name:         name,
		Image:        image,
		Dependencies: make(map[string]string),
	}
	if g == nil {
		return invoice.BuildContainerPlan(params)
	}

	for _, id := range g.Dependencies(svc.ID) {
		dep := g.Service(id)
		if c, ok := dep.LastContainer(); ok {
			params.Dependencies[dep.Name] = c.ID
		}
	}
	params.Siblings = func(n string) bool {
		_, ok := g.Lookup(n)
		return ok
	}
	return invoice.BuildContainerPlan(params)
}

// loadDependencyContainers adopts the host's containers for dependencies
// that have none yet this run.
func (s *Ship) loadDependencyContainers(ctx context.Context, g *service.Graph, svc *service.Service) error {
	for _, id := range g.Dependencies(svc.ID) {
		dep := g.Service(id)
		if dep.HasContainers() {
			continue
		}

		found, err := s.ServiceContainers(ctx, dep)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return NewShipError("LoadContainers", s.address, svc.Alias, "dependency "+dep.Name+" has no containers", ErrDependencyMissing)
		}

		linked := slices.Contains(svc.Config.Links, dep.Name)
		for _, c := range found {
			if linked && !c.Running {
				return NewShipError("LoadContainers", s.address, svc.Alias,
					fmt.Sprintf("%s links to %s but %s is not running, delete or start it and try again", svc.Name, dep.Name, c.Name),
					ErrDependencyNotRunning)
			}
			dep.AddContainer(service.Container{ID: c.ID, Name: c.Name, Image: c.Image})
			if dep.Cargo == nil {
				dep.Cargo = &service.Cargo{ID: c.Image}
			}
		}
	}
	return nil
}

// =============================================================================
// Starting
// =============================================================================

// StartServiceContainers stops stale running containers of the service and
// starts the ones loaded this run. It returns false, after dumping logs, when
// a container fails to start.
func (s *Ship) StartServiceContainers(ctx context.Context, svc *service.Service, attach bool) (bool, error) {
	if !svc.HasContainers() {
		return false, NewShipError("StartServiceContainers", s.address, svc.Alias, "no containers", ErrNotLoaded)
	}
	logger := s.serviceLogger(svc)

	existing, err := s.ServiceContainers(ctx, svc)
	if err != nil {
		return false, err
	}
	for _, c := range existing {
		if !c.Running {
			continue
		}
		logger.Info("stopping container", "container", c.Name)
		if err := s.client.StopContainer(ctx, c.ID, s.stopTimeout()); err != nil && !docker.IsNotFound(err) {
			return false, NewShipError("StartServiceContainers", s.address, svc.Alias, "failed to stop "+c.Name, err)
		}
	}

	for _, c := range svc.Containers {
		ok, err := s.startContainer(ctx, c, attach)
		if err != nil {
			return false, err
		}
		if !ok {
			logger.Error("container failed to start", "container", c.Name)
			s.DumpLogs(ctx, c)
			return false, nil
		}
	}
	return true, nil
}

// startContainer starts c. Attached containers stream to Out and succeed on
// a zero exit code; detached ones succeed when they stay up or exit zero
// within the poll window.
func (s *Ship) startContainer(ctx context.Context, c service.Container, attach bool) (bool, error) {
	logger := s.logger.With("container", c.Name)

	info, err := s.client.InspectContainer(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", c.Name, err)
	}
	if info.Running {
		logger.Info("container is already running")
		return true, nil
	}

	if attach {
		return s.runAttached(ctx, c)
	}

	logger.Info("starting container")
	if err := s.client.StartContainer(ctx, c.ID); err != nil {
		return false, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}
	if transcribed(info.LogDriver) {
		s.transcribe(c)
	}
	return s.waitForExitCode(ctx, c)
}

// runAttached starts c with its output streamed and waits for it to exit.
// An interrupt stops this container only.
func (s *Ship) runAttached(ctx context.Context, c service.Container) (bool, error) {
	logger := s.logger.With("container", c.Name)

	stream, err := s.client.AttachContainer(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("failed to attach to %s: %w", c.Name, err)
	}
	defer stream.Close()

	logger.Info("starting attached container")
	if err := s.client.StartContainer(ctx, c.ID); err != nil {
		return false, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if _, err := stdcopy.StdCopy(s.cfg.Out, s.cfg.Out, stream); err != nil {
			logger.Debug("attached stream ended", "error", err)
		}
		code, err := s.client.WaitContainer(runCtx, c.ID)
		done <- result{code, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return false, fmt.Errorf("failed to wait for %s: %w", c.Name, r.err)
		}
		logger.Info("container exited", "exit_code", r.code)
		return r.code == 0, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.Warn("interrupted, stopping container")
		if err := s.client.StopContainer(context.WithoutCancel(ctx), c.ID, s.stopTimeout()); err != nil && !docker.IsNotFound(err) {
			return false, fmt.Errorf("failed to stop %s: %w", c.Name, err)
		}
		return false, nil
	}
}

// waitForExitCode polls a detached container. A non-zero exit fails at once.
func (s *Ship) waitForExitCode(ctx context.Context, c service.Container) (bool, error) {
	exitCode := 0
	for range s.cfg.StartPollAttempts {
		if err := sleep(ctx, s.cfg.StartPollInterval); err != nil {
			return false, err
		}
		info, err := s.client.InspectContainer(ctx, c.ID)
		if err != nil {
			return false, fmt.Errorf("failed to inspect %s: %w", c.Name, err)
		}
		exitCode = info.ExitCode
		if !info.Running && exitCode != 0 {
			break
		}
	}
	return exitCode == 0, nil
}

// =============================================================================
// Rollback and Offload
// =============================================================================

// RecallService rolls back svc and everything connected to it: the
// containers and image created this run are deleted and previous containers
// are restarted. A previous container that won't start is unrecoverable.
func (s *Ship) RecallService(ctx context.Context, g *service.Graph, svc *service.Service) error {
	s.serviceLogger(svc).Warn("dispatch failed, starting rollback")

	return g.Walk(svc.ID, service.Ascending, func(cur *service.Service) error {
		logger := s.serviceLogger(cur)

		previous, err := s.PreviousContainers(ctx, cur)
		if err != nil {
			return err
		}
		if len(previous) == 0 {
			return nil
		}

		created := false
		for _, c := range cur.Containers {
			if s.createdHere(c.ID) {
				s.removeContainer(ctx, c.ID, c.Name)
				created = true
			}
		}
		cur.Containers = nil
		if created && cur.Cargo != nil {
			s.removeImage(ctx, cur.Cargo.ID, false)
		}
		cur.Cargo = nil

		for _, c := range previous {
			if c.Running {
				logger.Info("previous container is already running", "container", c.Name)
				continue
			}
			prev := service.Container{ID: c.ID, Name: c.Name, Image: c.Image}
			ok, err := s.startContainer(ctx, prev, false)
			if err == nil && ok {
				logger.Info("previous container restarted", "container", c.Name)
				continue
			}
			logger.Error("previous container failed to start", "container", c.Name, "error", err)
			s.DumpLogs(ctx, prev)
			return NewShipError("RecallService", s.address, cur.Alias, c.Name+" could not be restarted", ErrRollbackFailed)
		}
		return nil
	})
}

// OffloadPreviousContainers deletes stopped containers left over from
// earlier runs of svc and everything connected to it.
func (s *Ship) OffloadPreviousContainers(ctx context.Context, g *service.Graph, svc *service.Service) error {
	return g.Walk(svc.ID, service.Descending, func(cur *service.Service) error {
		previous, err := s.PreviousContainers(ctx, cur)
		if err != nil {
			return err
		}
		for _, c := range previous {
			if !c.Running {
				s.removeContainer(ctx, c.ID, c.Name)
			}
		}
		return nil
	})
}

// OffloadAllServiceContainers deletes every container of svc and everything
// connected to it, running or not.
func (s *Ship) OffloadAllServiceContainers(ctx context.Context, g *service.Graph, svc *service.Service) error {
	return g.Walk(svc.ID, service.Descending, func(cur *service.Service) error {
		found, err := s.ServiceContainers(ctx, cur)
		if err != nil {
			return err
		}
		if len(found) > 0 {
			s.serviceLogger(cur).Info("deleting service containers", "count", len(found))
		}
		for _, c := range found {
			s.removeContainer(ctx, c.ID, c.Name)
		}
		cur.Containers = nil
		return nil
	})
}

// removeContainer force-deletes a container with its volumes. Failures are
// logged; a container that is already gone is not an error.
func (s *Ship) removeContainer(ctx context.Context, id, name string) {
	err := s.client.RemoveContainer(ctx, id, docker.RemoveOptions{Force: true, RemoveVolumes: true})
	switch {
	case err == nil:
		s.logger.Info("container deleted", "container", name)
	case docker.IsNotFound(err):
	default:
		s.logger.Warn("failed to delete container", "container", name, "error", err)
	}
	s.stopTranscript(id)
}

// =============================================================================
// Logs
// =============================================================================

// DumpLogs logs the output of c at error level. Containers with a
// transcribed log driver dump their transcript.
func (s *Ship) DumpLogs(ctx context.Context, c service.Container) {
	logger := s.logger.With("container", c.Name)

	if text, ok := s.transcriptOf(c.ID); ok {
		logger.Error("log dump", "logs", strings.ToValidUTF8(text, "�"))
		return
	}

	rc, err := s.client.ContainerLogs(ctx, c.ID, docker.LogOptions{Tail: "all"})
	if err != nil {
		logger.Warn("failed to read container logs", "error", err)
		return
	}
	defer rc.Close()

	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("log stream ended early", "error", err)
	}
	logger.Error("log dump", "logs", strings.ToValidUTF8(out.String(), "�"))
}

package ship

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/artpar/freighter/internal/core/service"
	"github.com/artpar/freighter/internal/shell/docker"
)

// =============================================================================
// Loading Cargo
// =============================================================================

// LoadCargo pulls the service image from its source registry or builds it
// from its Dockerfile, then injects config files when asked to.
func (s *Ship) LoadCargo(ctx context.Context, svc *service.Service, opts LoadOptions) error {
	if err := s.Healthy(ctx); err != nil {
		return NewShipError("LoadCargo", s.address, svc.Alias, "lost comms with the host", err)
	}

	var err error
	switch {
	case svc.SourceRegistry != "":
		err = s.pull(ctx, svc, opts)
	case svc.Dockerfile != "":
		err = s.build(ctx, svc, opts)
	default:
		err = NewShipError("LoadCargo", s.address, svc.Alias, "", ErrNoSource)
	}
	if err != nil {
		return err
	}

	if opts.Inject && s.cfg.Injector != nil {
		if err := s.cfg.Injector.Inject(ctx, s.client, svc); err != nil {
			return NewShipError("LoadCargo", s.address, svc.Alias, "failed to inject configs", err)
		}
	}
	return nil
}

func (s *Ship) pull(ctx context.Context, svc *service.Service, opts LoadOptions) error {
	if opts.Registry == nil {
		return NewShipError("LoadCargo", s.address, svc.Alias, svc.SourceRegistry, ErrNoRegistry)
	}
	reg, err := opts.Registry(ctx, svc.SourceRegistry)
	if err != nil {
		return NewShipError("LoadCargo", s.address, svc.Alias, "failed to resolve registry "+svc.SourceRegistry, err)
	}

	ref := svc.ImageReference()
	if svc.SourceRegistry != service.DockerHub {
		ref = qualify(reg, ref)
	}

	s.serviceLogger(svc).Info("pulling image", "image", ref)
	if err := s.client.PullImage(ctx, ref, reg.AuthConfig()); err != nil {
		return NewShipError("LoadCargo", s.address, svc.Alias, "failed to pull "+ref, err)
	}
	if ref != svc.ImageReference() {
		if err := s.client.TagImage(ctx, ref, svc.ImageReference()); err != nil {
			return NewShipError("LoadCargo", s.address, svc.Alias, "failed to tag "+ref, err)
		}
	}

	info, err := s.client.InspectImage(ctx, svc.ImageReference())
	if err != nil {
		return NewShipError("LoadCargo", s.address, svc.Alias, "pulled image is missing", err)
	}
	svc.Cargo = &service.Cargo{ID: info.ID, Reference: svc.ImageReference()}
	return nil
}

func (s *Ship) build(ctx context.Context, svc *service.Service, opts LoadOptions) error {
	tags := []string{svc.ImageName() + ":latest"}
	for _, tag := range opts.Tags {
		if ref := svc.ImageName() + ":" + tag; !slices.Contains(tags, ref) {
			tags = append(tags, ref)
		}
	}

	buildOpts, err := buildContext(svc.Dockerfile)
	if err != nil {
		return NewShipError("LoadCargo", s.address, svc.Alias, "", err)
	}
	buildOpts.Tags = tags
	buildOpts.Labels = svc.Config.Labels
	buildOpts.NoCache = !opts.UseCache

	s.serviceLogger(svc).Info("building image", "dockerfile", svc.Dockerfile, "tags", tags)
	id, err := s.client.BuildImage(ctx, buildOpts)
	if err != nil {
		return NewShipError("LoadCargo", s.address, svc.Alias, "failed to build "+svc.Dockerfile, err)
	}
	svc.Cargo = &service.Cargo{ID: id, Reference: tags[0]}
	return nil
}

// buildContext sends the Dockerfile's directory when path is a directory,
// the working directory otherwise.
func buildContext(path string) (docker.BuildOptions, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return docker.BuildOptions{}, fmt.Errorf("failed to find dockerfile: %w", err)
	}
	if fi.IsDir() {
		return docker.BuildOptions{ContextDir: path, Dockerfile: "Dockerfile"}, nil
	}

	rel, err := filepath.Rel(".", path)
	if err != nil || strings.HasPrefix(rel, "..") {
		abs, absErr := filepath.Abs(path)
		if absErr != nil {
			return docker.BuildOptions{}, absErr
		}
		return docker.BuildOptions{ContextDir: filepath.Dir(abs), Dockerfile: filepath.Base(abs)}, nil
	}
	return docker.BuildOptions{ContextDir: ".", Dockerfile: rel}, nil
}

// =============================================================================
// Offloading Cargo
// =============================================================================

// OffloadExpiredCargo keeps the newest CargoRetain images of every service
// connected to svc and deletes the older ones. Test images are left alone.
func (s *Ship) OffloadExpiredCargo(ctx context.Context, g *service.Graph, svc *service.Service) error {
	return g.Walk(svc.ID, service.Descending, func(cur *service.Service) error {
		name := cur.ImageName()
		images, err := s.client.ListImages(ctx, docker.ImageListOptions{Reference: name})
		if err != nil {
			return NewShipError("OffloadExpiredCargo", s.address, cur.Alias, "failed to list images", err)
		}

		images = slices.DeleteFunc(images, func(img docker.ImageInfo) bool {
			return slices.ContainsFunc(img.RepoTags, func(tag string) bool {
				return strings.HasPrefix(tag, name+"-test")
			})
		})
		slices.SortFunc(images, func(a, b docker.ImageInfo) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})

		for len(images) > s.cfg.CargoRetain {
			s.removeImage(ctx, images[0].ID, false)
			images = images[1:]
		}
		s.serviceLogger(cur).Debug("done offloading cargo", "image", name)
		return nil
	})
}

// OffloadAllServiceCargo force-deletes every image of every service
// connected to svc.
func (s *Ship) OffloadAllServiceCargo(ctx context.Context, g *service.Graph, svc *service.Service) error {
	return g.Walk(svc.ID, service.Descending, func(cur *service.Service) error {
		images, err := s.client.ListImages(ctx, docker.ImageListOptions{Reference: cur.ImageName()})
		if err != nil {
			return NewShipError("OffloadAllServiceCargo", s.address, cur.Alias, "failed to list images", err)
		}
		if len(images) > 0 {
			s.serviceLogger(cur).Info("offloading all images", "image", cur.ImageName(), "count", len(images))
		}
		for _, img := range images {
			s.removeImage(ctx, img.ID, true)
		}
		cur.Cargo = nil
		return nil
	})
}

// CleanUpDanglingImages removes untagged images no container uses.
func (s *Ship) CleanUpDanglingImages(ctx context.Context) error {
	if err := s.client.PruneDanglingImages(ctx); err != nil {
		return fmt.Errorf("failed to prune dangling images on %s: %w", s.address, err)
	}
	return nil
}

func (s *Ship) removeImage(ctx context.Context, ref string, force bool) {
	err := s.client.RemoveImage(ctx, ref, force)
	switch {
	case err == nil:
		s.logger.Info("image deleted", "image", ref)
	case docker.IsNotFound(err):
	default:
		s.logger.Warn("failed to delete image", "image", ref, "error", err)
	}
}

// =============================================================================
// Export
// =============================================================================

// Export pushes the service cargo to reg as "team/project-name" under every
// tag. A first container that overrides cmd or entrypoint is committed and
// pushed instead of the cargo.
func (s *Ship) Export(ctx context.Context, svc *service.Service, reg Registry, tags []string) error {
	if svc.Cargo == nil {
		return NewShipError("Export", s.address, svc.Alias, "", ErrNoCargo)
	}
	if len(tags) == 0 {
		tags = []string{"latest"}
	}

	name := exportName(svc.Alias)
	logger := s.serviceLogger(svc).With("registry", reg.Location())

	if first, ok := firstContainer(svc); ok && (len(svc.Config.Cmd) > 0 || len(svc.Config.Entrypoint) > 0) {
		plan, err := s.plan(nil, svc, first.Name, svc.Cargo.ID)
		if err != nil {
			return err
		}
		id, err := s.client.CommitContainer(ctx, first.ID, docker.CommitOptions{
			Reference:  name + ":latest",
			Cmd:        plan.Cmd,
			Entrypoint: plan.Entrypoint,
			Labels:     plan.Labels,
		})
		if err != nil {
			return NewShipError("Export", s.address, svc.Alias, "failed to commit "+first.Name, err)
		}
		logger.Info("committed container with command override", "container", first.Name)
		svc.Cargo = &service.Cargo{ID: id, Reference: name + ":latest"}
	}

	target := qualify(reg, name)
	for _, tag := range tags {
		ref := target + ":" + tag
		if err := s.client.TagImage(ctx, svc.Cargo.ID, ref); err != nil {
			return NewShipError("Export", s.address, svc.Alias, "failed to tag "+ref, err)
		}
		logger.Info("exporting image", "image", ref)
		if err := s.client.PushImage(ctx, ref, reg.AuthConfig()); err != nil {
			return NewShipError("Export", s.address, svc.Alias, "failed to push "+ref, err)
		}
	}
	return nil
}

func firstContainer(svc *service.Service) (service.Container, bool) {
	if len(svc.Containers) == 0 {
		return service.Container{}, false
	}
	return svc.Containers[0], true
}

// =============================================================================
// Test
// =============================================================================

// TestService builds the service's test image on top of "repo/ns:latest" and
// runs it attached. The test container and image are removed afterwards,
// along with stopped test containers left by earlier runs.
func (s *Ship) TestService(ctx context.Context, g *service.Graph, svc *service.Service, opts LoadOptions) (bool, error) {
	if svc.TestDockerfile == "" {
		return false, NewShipError("TestService", s.address, svc.Alias, "", ErrNoTestDockerfile)
	}
	logger := s.serviceLogger(svc)
	logger.Info("testing service")

	parent := svc.ImageName() + ":latest"
	if _, err := s.client.InspectImage(ctx, parent); err != nil {
		if !docker.IsNotFound(err) {
			return false, NewShipError("TestService", s.address, svc.Alias, "failed to inspect "+parent, err)
		}
		logger.Info("parent image not found, loading it", "image", parent)
		if err := s.LoadCargo(ctx, svc, opts); err != nil {
			return false, err
		}
		if err := s.client.TagImage(ctx, svc.Cargo.ID, parent); err != nil {
			return false, NewShipError("TestService", s.address, svc.Alias, "failed to tag "+parent, err)
		}
	}

	testRef := svc.ImageName() + "-test:latest"
	buildOpts, err := buildContext(svc.TestDockerfile)
	if err != nil {
		return false, NewShipError("TestService", s.address, svc.Alias, "", err)
	}
	buildOpts.Tags = []string{testRef}
	buildOpts.NoCache = true
	imageID, err := s.client.BuildImage(ctx, buildOpts)
	if err != nil {
		return false, NewShipError("TestService", s.address, svc.Alias, "failed to build "+testRef, err)
	}

	alias := service.TestingAlias(svc.Alias)
	defer s.cleanUpTests(context.WithoutCancel(ctx), alias, imageID)

	name, err := s.nextName(ctx, alias)
	if err != nil {
		return false, err
	}
	if err := s.loadDependencyContainers(ctx, g, svc); err != nil {
		return false, err
	}
	plan, err := s.plan(g, svc, name, imageID)
	if err != nil {
		return false, err
	}
	plan.RestartPolicy.Name, plan.RestartPolicy.MaximumRetryCount = "", 0
	plan.PortBindings = nil
	plan.PublishAllPorts = true
	plan.Detach = false

	id, err := s.client.CreateContainer(ctx, toSpec(plan))
	if err != nil {
		return false, NewShipError("TestService", s.address, svc.Alias, "failed to create "+name, err)
	}
	s.markCreated(id)

	ok, err := s.runAttached(ctx, service.Container{ID: id, Name: name, Image: imageID})
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Error("tests failed", "container", name)
	}
	return ok, nil
}

func (s *Ship) cleanUpTests(ctx context.Context, alias, imageID string) {
	found, err := s.client.ListContainers(ctx, docker.ListOptions{All: true, Filters: map[string]string{"name": alias}})
	if err != nil {
		s.logger.Warn("failed to list test containers", "alias", alias, "error", err)
	}
	pattern := service.ContainerPattern(alias)
	for _, c := range found {
		name := strings.TrimPrefix(c.Name, "/")
		if c.Running || !pattern.MatchString(name) {
			continue
		}
		s.removeContainer(ctx, c.ID, name)
		if c.Image != imageID {
			s.removeImage(ctx, c.Image, true)
		}
	}
	s.removeImage(ctx, imageID, true)
}

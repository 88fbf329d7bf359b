package service

import (
	"slices"
	"strings"

	"github.com/artpar/freighter/internal/core/manifest"
)

// DockerHub is the registry alias used for images without an explicit registry.
const DockerHub = "docker_hub"

// DefaultRegistry is the registry alias used for export when none is named.
const DefaultRegistry = "default"

// ID identifies a service inside one Graph.
type ID int

// Service is one deployable unit of a resolved manifest.
type Service struct {
	ID    ID
	Name  string
	Alias string

	Repository string
	Namespace  string
	Tag        string

	Dockerfile     string
	TestDockerfile string

	// SourceRegistry is the registry alias images are pulled from. Empty for
	// services built from a Dockerfile.
	SourceRegistry string
	// DestinationRegistry is the registry alias images are exported to.
	DestinationRegistry string

	Config manifest.ServiceConfig

	// Containers materialized for this service during the current run, in
	// creation order.
	Containers []Container
	// Cargo is the image the containers are created from, once loaded.
	Cargo *Cargo
}

// Container is a runtime container owned by a service.
type Container struct {
	ID    string
	Name  string
	Image string
}

// Cargo is an image loaded on a host for a service.
type Cargo struct {
	ID        string
	Reference string
}

// New creates a Service from its resolved definition.
//
// Image references are split on "/":
//
//	registry/repository/namespace[:tag]  // explicit registry alias
//	repository/namespace[:tag]           // docker hub
//	namespace[:tag]                      // docker hub "library" repository
//
// Built services use the team as repository and "{project}-{name}" as namespace.
func New(team, project, name string, cfg manifest.ServiceConfig) (*Service, error) {
	svc := &Service{
		Name:                name,
		Alias:               Alias(team, project, name),
		Namespace:           Namespace(project, name),
		Tag:                 "latest",
		TestDockerfile:      cfg.Test,
		DestinationRegistry: cfg.ExportTo,
		Config:              cfg,
	}
	if svc.DestinationRegistry == "" {
		svc.DestinationRegistry = DefaultRegistry
	}

	switch {
	case cfg.Image != "" && cfg.Build != "":
		return nil, NewReferenceError(name, "", "image and build are mutually exclusive", manifest.ErrServiceSource)
	case cfg.Image != "":
		chunks := strings.Split(cfg.Image, "/")
		svc.SourceRegistry = DockerHub
		switch len(chunks) {
		case 3:
			svc.SourceRegistry, svc.Repository, svc.Namespace = chunks[0], chunks[1], chunks[2]
		case 2:
			svc.Repository, svc.Namespace = chunks[0], chunks[1]
		case 1:
			svc.Repository, svc.Namespace = "library", chunks[0]
		default:
			return nil, NewReferenceError(name, cfg.Image, "image must have at most three path segments", ErrInvalidImage)
		}
		if ns, tag, ok := strings.Cut(svc.Namespace, ":"); ok {
			svc.Namespace, svc.Tag = ns, tag
		}
		if svc.SourceRegistry == "" || svc.Repository == "" || svc.Namespace == "" || svc.Tag == "" {
			return nil, NewReferenceError(name, cfg.Image, "image has an empty segment", ErrInvalidImage)
		}
	case cfg.Build != "":
		svc.Repository = team
		svc.Dockerfile = cfg.Build
	default:
		return nil, NewReferenceError(name, "", "service must define image or build", manifest.ErrServiceSource)
	}

	return svc, nil
}

// ImageName returns "{repository}/{namespace}".
func (s *Service) ImageName() string {
	return s.Repository + "/" + s.Namespace
}

// ImageReference returns "{repository}/{namespace}:{tag}".
func (s *Service) ImageReference() string {
	return s.ImageName() + ":" + s.Tag
}

// HasContainers reports whether containers were materialized this run.
func (s *Service) HasContainers() bool {
	return len(s.Containers) > 0
}

// AddContainer attaches a container to the service.
func (s *Service) AddContainer(c Container) {
	s.Containers = append(s.Containers, c)
}

// RemoveContainer detaches the named container.
func (s *Service) RemoveContainer(name string) {
	s.Containers = slices.DeleteFunc(s.Containers, func(c Container) bool {
		return c.Name == name
	})
}

// Reset drops the containers and cargo materialized on a previous host.
func (s *Service) Reset() {
	s.Containers = nil
	s.Cargo = nil
}

// LastContainer returns the most recently materialized container.
func (s *Service) LastContainer() (Container, bool) {
	if len(s.Containers) == 0 {
		return Container{}, false
	}
	return s.Containers[len(s.Containers)-1], true
}

// ContainerNames returns the names of the materialized containers.
func (s *Service) ContainerNames() []string {
	names := make([]string, 0, len(s.Containers))
	for _, c := range s.Containers {
		names = append(names, c.Name)
	}
	return names
}

// OwnsContainer reports whether name is one of the materialized containers.
func (s *Service) OwnsContainer(name string) bool {
	return slices.Contains(s.ContainerNames(), name)
}

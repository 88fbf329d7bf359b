package service

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/artpar/freighter/internal/core/manifest"
)

// =============================================================================
// Dependency Graph
// =============================================================================

// Graph is an arena of services with two adjacency sets between them.
// IDs are assigned in service-name order, so every ID-ordered traversal is
// deterministic.
type Graph struct {
	services     []*Service
	byName       map[string]ID
	dependencies []map[ID]struct{}
	dependents   []map[ID]struct{}
}

// NewGraph creates the services of one resolution and wires their edges.
//
// Edges are computed in two passes. The first pass registers, for every
// service S, the siblings that link to S or mount volumes from S as dependents
// of S, rejecting two-sided declarations. The second pass resolves S's own
// links and volumes_from into dependencies. Finally the whole graph is checked
// for cycles of any length.
func NewGraph(team, project string, defs map[string]manifest.ServiceConfig) (*Graph, error) {
	if len(defs) == 0 {
		return nil, ErrNoServices
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	g := &Graph{
		services:     make([]*Service, 0, len(names)),
		byName:       make(map[string]ID, len(names)),
		dependencies: make([]map[ID]struct{}, len(names)),
		dependents:   make([]map[ID]struct{}, len(names)),
	}

	for i, name := range names {
		svc, err := New(team, project, name, defs[name])
		if err != nil {
			return nil, err
		}
		svc.ID = ID(i)
		g.services = append(g.services, svc)
		g.byName[name] = svc.ID
		g.dependencies[i] = make(map[ID]struct{})
		g.dependents[i] = make(map[ID]struct{})
	}

	for _, svc := range g.services {
		if err := g.registerDependents(svc); err != nil {
			return nil, err
		}
	}
	for _, svc := range g.services {
		if err := g.registerDependencies(svc); err != nil {
			return nil, err
		}
	}

	if err := g.DetectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) registerDependents(s *Service) error {
	for _, o := range g.services {
		if o.ID == s.ID {
			continue
		}

		sLinkedByO := slices.Contains(o.Config.Links, s.Name)
		if sLinkedByO && slices.Contains(s.Config.Links, o.Name) {
			return NewReferenceError(s.Name, o.Name, "both services link to each other", ErrCircularLink)
		}

		sMountedByO := mountsFrom(o.Config.VolumesFrom, s.Name)
		if sMountedByO && mountsFrom(s.Config.VolumesFrom, o.Name) {
			return NewReferenceError(s.Name, o.Name, "both services mount volumes from each other", ErrCircularVolume)
		}

		if sLinkedByO || sMountedByO {
			g.dependents[s.ID][o.ID] = struct{}{}
		}
	}
	return nil
}

func (g *Graph) registerDependencies(s *Service) error {
	for _, token := range s.Config.VolumesFrom {
		target := volumeSource(token)
		if target == s.Name {
			return NewReferenceError(s.Name, token, "volumes_from references itself", ErrSelfVolumeReference)
		}
		id, ok := g.byName[target]
		if !ok {
			return NewReferenceError(s.Name, token, "volumes_from target is not a service", ErrUnknownVolumeSource)
		}
		g.dependencies[s.ID][id] = struct{}{}
	}

	for _, token := range s.Config.Links {
		if token == s.Name {
			return NewReferenceError(s.Name, token, "link references itself", ErrSelfLink)
		}
		if id, ok := g.byName[token]; ok {
			g.dependencies[s.ID][id] = struct{}{}
			continue
		}

		name, _, ok := ParseLink(token)
		if !ok {
			return NewReferenceError(s.Name, token, "link is not a service and not in name:alias form", ErrInvalidLink)
		}
		if name == s.Name {
			return NewReferenceError(s.Name, token, "link references itself", ErrSelfLink)
		}
	}
	return nil
}

// ParseLink splits an external "name:alias" link. Both parts must be non-empty.
func ParseLink(token string) (name, alias string, ok bool) {
	name, alias, ok = strings.Cut(token, ":")
	if !ok || name == "" || alias == "" || strings.Contains(alias, ":") {
		return "", "", false
	}
	return name, alias, true
}

// volumeSource strips the ":permission" suffix of a volumes_from token.
func volumeSource(token string) string {
	source, _, _ := strings.Cut(token, ":")
	return source
}

// VolumePermission returns the ":permission" suffix of a volumes_from token,
// without the colon, or "" when absent.
func VolumePermission(token string) string {
	_, perm, _ := strings.Cut(token, ":")
	return perm
}

func mountsFrom(tokens []string, name string) bool {
	for _, token := range tokens {
		if volumeSource(token) == name {
			return true
		}
	}
	return false
}

// =============================================================================
// Cycle Detection
// =============================================================================

// DetectCycles walks the dependency edges depth first with a recursion stack
// and reports the first cycle found as a path.
func (g *Graph) DetectCycles() error {
	visited := make([]bool, len(g.services))
	onStack := make([]bool, len(g.services))
	var path []ID

	var visit func(id ID) []ID
	visit = func(id ID) []ID {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range g.Dependencies(id) {
			if onStack[dep] {
				start := slices.Index(path, dep)
				return append(slices.Clone(path[start:]), dep)
			}
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, svc := range g.services {
		if visited[svc.ID] {
			continue
		}
		if cycle := visit(svc.ID); cycle != nil {
			names := make([]string, len(cycle))
			for i, id := range cycle {
				names[i] = g.services[id].Name
			}
			return NewReferenceError(names[0], "", fmt.Sprintf("cycle %s", strings.Join(names, " -> ")), ErrDependencyCycle)
		}
	}
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// Len returns the number of services.
func (g *Graph) Len() int {
	return len(g.services)
}

// Service returns the service with the given ID.
func (g *Graph) Service(id ID) *Service {
	return g.services[id]
}

// Lookup finds a service by name.
func (g *Graph) Lookup(name string) (*Service, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.services[id], true
}

// Services returns every service in ID order.
func (g *Graph) Services() []*Service {
	return slices.Clone(g.services)
}

// Dependencies returns the services id requires, in ID order.
func (g *Graph) Dependencies(id ID) []ID {
	return sortedIDs(g.dependencies[id])
}

// Dependents returns the services that require id, in ID order.
func (g *Graph) Dependents(id ID) []ID {
	return sortedIDs(g.dependents[id])
}

// DependsOn reports whether id has a direct dependency on dep.
func (g *Graph) DependsOn(id, dep ID) bool {
	_, ok := g.dependencies[id][dep]
	return ok
}

func sortedIDs(set map[ID]struct{}) []ID {
	ids := make([]ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// =============================================================================
// Traversal
// =============================================================================

// Order selects the direction of Walk.
type Order int

const (
	// Ascending visits dependencies, then the service, then dependents.
	Ascending Order = iota
	// Descending visits dependents, then the service, then dependencies.
	Descending
)

// Walk visits start and everything connected to it exactly once. Each
// service is reached through its neighbours in the given order, so with
// Ascending a service is visited after the dependencies reachable from it.
// Walk stops at the first error returned by visit.
func (g *Graph) Walk(start ID, order Order, visit func(*Service) error) error {
	return g.walk(start, order, make(map[ID]struct{}, len(g.services)), visit)
}

func (g *Graph) walk(id ID, order Order, visited map[ID]struct{}, visit func(*Service) error) error {
	if _, seen := visited[id]; seen {
		return nil
	}
	visited[id] = struct{}{}

	first, second := g.Dependencies(id), g.Dependents(id)
	if order == Descending {
		first, second = second, first
	}

	for _, next := range first {
		if err := g.walk(next, order, visited, visit); err != nil {
			return err
		}
	}
	if err := visit(g.services[id]); err != nil {
		return err
	}
	for _, next := range second {
		if err := g.walk(next, order, visited, visit); err != nil {
			return err
		}
	}
	return nil
}

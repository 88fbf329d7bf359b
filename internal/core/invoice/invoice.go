package invoice

import (
	"fmt"
	"maps"
	"sort"
	"strconv"
	"time"

	"github.com/artpar/freighter/internal/core/manifest"
	"github.com/artpar/freighter/internal/core/service"
)

// Label keys stamped on every container and image freighter creates.
const (
	LabelProject   = "com.freighter.project"
	LabelTeam      = "com.freighter.team"
	LabelVersion   = "com.freighter.version"
	LabelGitSHA    = "com.freighter.git_sha"
	LabelType      = "com.freighter.type"
	LabelTimestamp = "com.freighter.time_stamp"
)

// DockerHubAddress is the registry used when a manifest declares none.
const DockerHubAddress = "https://index.docker.io"

// ExportFleet is the fleet key export resolves to.
const ExportFleet = "export"

// DefaultFleet is the fleet key used when no service-specific fleet exists.
const DefaultFleet = "default"

// Request selects what an invoice covers.
type Request struct {
	Action          manifest.Action
	Environment     string
	DataCenter      string
	Service         string
	Tags            []string
	NoTaggingScheme bool

	// Version and GitSHA are stamped into labels.
	Version string
	GitSHA  string
}

// Invoice is the resolved unit of work for one action.
type Invoice struct {
	Team        string
	Project     string
	Repository  string
	Environment string
	DataCenter  string
	Action      manifest.Action

	Services   *service.Graph
	Target     service.ID
	Fleets     manifest.Hosts
	Registries map[string]manifest.Registry
	Tags       []string
	CreatedAt  time.Time
}

// New resolves the manifest for req and wires the service graph.
func New(m *manifest.Manifest, req Request, now time.Time) (*Invoice, error) {
	if req.Service == "" {
		return nil, ErrMissingTargetService
	}

	res, err := m.Resolve(req.Action, req.Environment, req.DataCenter)
	if err != nil {
		return nil, err
	}

	defs := make(map[string]manifest.ServiceConfig, len(res.Services))
	for name, cfg := range res.Services {
		cfg.Labels = Labels(m.Team, m.Project, name, req.Version, req.GitSHA, now, cfg.Labels)
		defs[name] = cfg
	}

	graph, err := service.NewGraph(m.Team, m.Project, defs)
	if err != nil {
		return nil, err
	}

	target, ok := graph.Lookup(req.Service)
	if !ok {
		return nil, fmt.Errorf("%w: %q", manifest.ErrUnknownService, req.Service)
	}

	inv := &Invoice{
		Team:        m.Team,
		Project:     m.Project,
		Repository:  m.Repository,
		Environment: req.Environment,
		DataCenter:  req.DataCenter,
		Action:      req.Action,
		Services:    graph,
		Target:      target.ID,
		Fleets:      res.Hosts,
		Registries:  Registries(m.Registries),
		Tags:        Tags(req.Tags, req.Environment, req.DataCenter, !req.NoTaggingScheme),
		CreatedAt:   now,
	}

	for _, svc := range graph.Services() {
		if svc.SourceRegistry != "" {
			if _, ok := inv.Registries[svc.SourceRegistry]; !ok {
				return nil, fmt.Errorf("%w: %q used by %s", manifest.ErrUnknownRegistry, svc.SourceRegistry, svc.Name)
			}
		}
	}
	if req.Action == manifest.ActionExport {
		if _, ok := inv.Registries[target.DestinationRegistry]; !ok {
			return nil, fmt.Errorf("%w: %q used by %s", manifest.ErrUnknownRegistry, target.DestinationRegistry, target.Name)
		}
	}

	if req.Action == manifest.ActionDeploy {
		if err := graph.Walk(target.ID, service.Ascending, func(s *service.Service) error {
			if s.Dockerfile != "" {
				return fmt.Errorf("%w: %s", ErrBuildOnDeploy, s.Alias)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	return inv, nil
}

// TargetService returns the service the invoice was requested for.
func (inv *Invoice) TargetService() *service.Service {
	return inv.Services.Service(inv.Target)
}

// FleetKey returns the fleet key the invoice resolves to before falling
// back to DefaultFleet.
func (inv *Invoice) FleetKey() string {
	if inv.Action == manifest.ActionExport {
		return ExportFleet
	}
	return service.NormalizeName(inv.TargetService().Name)
}

// Fleet returns the hosts for the invoice's fleet key, falling back to the
// default fleet.
func (inv *Invoice) Fleet() ([]manifest.Host, error) {
	key := inv.FleetKey()
	for _, k := range sortedFleetKeys(inv.Fleets) {
		if service.NormalizeName(k) == key {
			return inv.Fleets[k], nil
		}
	}
	if hosts, ok := inv.Fleets[DefaultFleet]; ok {
		return hosts, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoFleet, key)
}

func sortedFleetKeys(h manifest.Hosts) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Labels, Registries and Tags
// =============================================================================

// Labels returns the standard labels merged under any user labels.
func Labels(team, project, name, version, gitSHA string, now time.Time, user map[string]string) map[string]string {
	if version == "" {
		version = "unknown"
	}
	if gitSHA == "" {
		gitSHA = "unknown"
	}
	labels := map[string]string{
		LabelProject:   project,
		LabelTeam:      team,
		LabelVersion:   version,
		LabelGitSHA:    gitSHA,
		LabelType:      name,
		LabelTimestamp: strconv.FormatInt(now.Unix(), 10),
	}
	maps.Copy(labels, user)
	return labels
}

// Registries returns the declared registries plus the docker hub entry.
// When no "default" registry is declared docker hub becomes the default.
func Registries(declared map[string]manifest.Registry) map[string]manifest.Registry {
	out := make(map[string]manifest.Registry, len(declared)+2)
	maps.Copy(out, declared)
	if _, ok := out[service.DockerHub]; !ok {
		out[service.DockerHub] = manifest.Registry{Address: DockerHubAddress}
	}
	if _, ok := out[service.DefaultRegistry]; !ok {
		out[service.DefaultRegistry] = out[service.DockerHub]
	}
	return out
}

// TagPrefix returns the tagging-scheme prefix for an environment and data
// center: "{dc}-{env}", "{env}", "{dc}" or "".
func TagPrefix(environment, dataCenter string) string {
	switch {
	case dataCenter != "" && environment != "":
		return dataCenter + "-" + environment
	case environment != "":
		return environment
	default:
		return dataCenter
	}
}

// Tags applies the tagging scheme to tags. An empty list yields "latest"
// unprefixed.
//
// Example:
//
//	Tags([]string{"1.2"}, "prod", "us-east-1", true) // returns ["us-east-1-prod-1.2"]
func Tags(tags []string, environment, dataCenter string, scheme bool) []string {
	if len(tags) == 0 {
		return []string{"latest"}
	}
	prefix := ""
	if scheme {
		prefix = TagPrefix(environment, dataCenter)
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if prefix != "" {
			tag = prefix + "-" + tag
		}
		out = append(out, tag)
	}
	return out
}

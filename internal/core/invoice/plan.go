package invoice

import (
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/format"
	"github.com/compose-spec/compose-go/v2/types"
	"github.com/docker/go-connections/nat"
	"github.com/mattn/go-shellwords"

	"github.com/artpar/freighter/internal/core/service"
)

// =============================================================================
// Container Plan
// =============================================================================

// ContainerPlan is everything the shell needs to create one container. It is
// a flattened view of a service definition with port, volume, link and
// volumes_from references resolved against the current run.
type ContainerPlan struct {
	Name       string
	Image      string
	Cmd        []string
	Entrypoint []string
	Env        []string
	Labels     map[string]string

	WorkingDir string
	User       string
	Hostname   string
	Domainname string

	ExposedPorts nat.PortSet
	PortBindings nat.PortMap
	Volumes      map[string]struct{}
	Binds        []string
	Links        []string
	VolumesFrom  []string

	NetworkMode     string
	PublishAllPorts bool
	Privileged      bool
	ReadonlyRootfs  bool
	Tty             bool
	OpenStdin       bool

	Memory     int64
	MemorySwap int64
	CPUShares  int64

	CapAdd      []string
	CapDrop     []string
	DNS         []string
	DNSSearch   []string
	ExtraHosts  []string
	SecurityOpt []string

	RestartPolicy RestartPolicyPlan
	LogConfig     *LogConfigPlan

	// Detach is false for containers the caller waits on.
	Detach bool
}

// RestartPolicyPlan is the restart policy of a planned container.
type RestartPolicyPlan struct {
	Name              string
	MaximumRetryCount int
}

// LogConfigPlan is the log driver of a planned container.
type LogConfigPlan struct {
	Type   string
	Config map[string]string
}

// BuildContainerPlanParams holds the inputs of BuildContainerPlan.
type BuildContainerPlanParams struct {
	Service *service.Service
	Name    string
	Image   string
	// Dependencies maps a sibling service name to the ID of the container
	// links and volumes_from should point at.
	Dependencies map[string]string
	// Siblings reports whether a name is a service of the same manifest.
	Siblings func(name string) bool
}

// BuildContainerPlan builds a ContainerPlan for params.Service.
//
// Port short syntax ("8080:80/tcp", "127.0.0.1::53/udp") and volume short
// syntax ("/data", "/host:/data:ro", "name:/data") follow the compose file
// format. Links and volumes_from that name a sibling service are rewritten to
// the container recorded for it in params.Dependencies:
//
//	links: [redis]          -> ["<redis container id>:redis"]
//	volumes_from: [data:ro] -> ["<data container id>:ro"]
func BuildContainerPlan(params BuildContainerPlanParams) (ContainerPlan, error) {
	svc := params.Service
	cfg := svc.Config

	plan := ContainerPlan{
		Name:            params.Name,
		Image:           params.Image,
		Labels:          maps.Clone(cfg.Labels),
		WorkingDir:      cfg.WorkingDir,
		User:            cfg.User,
		Hostname:        cfg.Hostname,
		Domainname:      cfg.Domainname,
		NetworkMode:     cfg.NetworkMode,
		PublishAllPorts: isSet(cfg.PublishAllPorts),
		Privileged:      isSet(cfg.Privileged),
		ReadonlyRootfs:  isSet(cfg.ReadonlyRootfs),
		Tty:             isSet(cfg.Tty),
		OpenStdin:       isSet(cfg.OpenStdin),
		Memory:          cfg.Memory,
		MemorySwap:      cfg.MemorySwap,
		CPUShares:       cfg.CPUShares,
		CapAdd:          cfg.CapAdd,
		CapDrop:         cfg.CapDrop,
		DNS:             cfg.DNS,
		DNSSearch:       cfg.DNSSearch,
		ExtraHosts:      cfg.ExtraHosts,
		SecurityOpt:     cfg.SecurityOpt,
		Detach:          cfg.IsDetached(),
	}
	if plan.Labels == nil {
		plan.Labels = make(map[string]string)
	}
	if cfg.RestartPolicy != nil {
		plan.RestartPolicy = RestartPolicyPlan{Name: cfg.RestartPolicy.Name, MaximumRetryCount: cfg.RestartPolicy.MaximumRetryCount}
	}
	if cfg.LogConfig != nil {
		plan.LogConfig = &LogConfigPlan{Type: cfg.LogConfig.Type, Config: maps.Clone(cfg.LogConfig.Config)}
	}

	var err error
	if plan.Cmd, err = splitCommand(cfg.Cmd); err != nil {
		return ContainerPlan{}, fmt.Errorf("failed to parse cmd of %s: %w", svc.Name, err)
	}
	if plan.Entrypoint, err = splitCommand(cfg.Entrypoint); err != nil {
		return ContainerPlan{}, fmt.Errorf("failed to parse entrypoint of %s: %w", svc.Name, err)
	}
	if plan.Env, err = Environment(cfg.EnvVars); err != nil {
		return ContainerPlan{}, err
	}
	if plan.ExposedPorts, plan.PortBindings, err = Ports(cfg.Ports); err != nil {
		return ContainerPlan{}, err
	}
	if plan.Volumes, plan.Binds, err = Volumes(cfg.Volumes); err != nil {
		return ContainerPlan{}, err
	}
	plan.Binds = append(plan.Binds, cfg.Binds...)

	siblings := params.Siblings
	if siblings == nil {
		siblings = func(string) bool { return false }
	}
	if plan.Links, err = rewriteLinks(svc.Name, cfg.Links, params.Dependencies, siblings); err != nil {
		return ContainerPlan{}, err
	}
	if plan.VolumesFrom, err = rewriteVolumesFrom(svc.Name, cfg.VolumesFrom, params.Dependencies, siblings); err != nil {
		return ContainerPlan{}, err
	}

	return plan, nil
}

func isSet(b *bool) bool {
	return b != nil && *b
}

// splitCommand accepts either a pre-split argument list or a single shell-like
// command line.
func splitCommand(args []string) ([]string, error) {
	if len(args) != 1 {
		return args, nil
	}
	return shellwords.Parse(args[0])
}

// Environment validates KEY=VALUE entries.
func Environment(vars []string) ([]string, error) {
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		key, _, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEnvironment, v)
		}
		out = append(out, v)
	}
	return out, nil
}

// Ports parses port short syntax into exposed ports and host bindings. A
// port with no published side is exposed and bound to an ephemeral host port.
func Ports(specs []string) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}

	for _, spec := range specs {
		configs, err := types.ParsePortConfig(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %q: %v", ErrInvalidPort, spec, err)
		}
		for _, pc := range configs {
			proto := pc.Protocol
			if proto == "" {
				proto = "tcp"
			}
			port, err := nat.NewPort(proto, strconv.FormatUint(uint64(pc.Target), 10))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %q: %v", ErrInvalidPort, spec, err)
			}
			exposed[port] = struct{}{}
			bindings[port] = append(bindings[port], nat.PortBinding{
				HostIP:   pc.HostIP,
				HostPort: pc.Published,
			})
		}
	}
	return exposed, bindings, nil
}

// Volumes parses volume short syntax. Bare container paths become anonymous
// volumes; everything else becomes a bind in "source:target[:ro]" form.
func Volumes(specs []string) (map[string]struct{}, []string, error) {
	anonymous := map[string]struct{}{}
	var binds []string

	for _, spec := range specs {
		vol, err := format.ParseVolume(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %q: %v", ErrInvalidVolume, spec, err)
		}
		if vol.Target == "" {
			return nil, nil, fmt.Errorf("%w: %q: missing container path", ErrInvalidVolume, spec)
		}
		if vol.Source == "" {
			anonymous[vol.Target] = struct{}{}
			continue
		}
		bind := vol.Source + ":" + vol.Target
		if vol.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return anonymous, binds, nil
}

func rewriteLinks(self string, links []string, deps map[string]string, siblings func(string) bool) ([]string, error) {
	out := make([]string, 0, len(links))
	for _, link := range links {
		if link == self {
			return nil, service.NewReferenceError(self, link, "a service can't link to itself", service.ErrSelfLink)
		}
		if !siblings(link) {
			out = append(out, link)
			continue
		}
		id, ok := deps[link]
		if !ok {
			return nil, fmt.Errorf("%w: link %s of %s", ErrDependencyNotLoaded, link, self)
		}
		out = append(out, id+":"+link)
	}
	return out, nil
}

func rewriteVolumesFrom(self string, sources []string, deps map[string]string, siblings func(string) bool) ([]string, error) {
	out := make([]string, 0, len(sources))
	for _, src := range sources {
		name, perm, _ := strings.Cut(src, ":")
		if name == self {
			return nil, service.NewReferenceError(self, src, "a service can't mount its own volumes", service.ErrSelfVolumeReference)
		}
		if !siblings(name) {
			out = append(out, src)
			continue
		}
		id, ok := deps[name]
		if !ok {
			return nil, fmt.Errorf("%w: volumes_from %s of %s", ErrDependencyNotLoaded, name, self)
		}
		if perm != "" {
			id += ":" + perm
		}
		out = append(out, id)
	}
	return out, nil
}

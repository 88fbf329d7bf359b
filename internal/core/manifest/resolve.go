package manifest

import (
	"fmt"
	"maps"
	"sort"
)

// =============================================================================
// Cascading Resolution
// =============================================================================

// Resolution is the effective configuration for one action in one
// environment/data center.
type Resolution struct {
	Action      Action
	Environment string
	DataCenter  string
	Services    map[string]ServiceConfig
	Hosts       Hosts
}

// ServiceNames returns the resolved service names, sorted.
func (r *Resolution) ServiceNames() []string {
	return sortedKeys(r.Services)
}

// Resolve layers service definitions root -> environment -> data center ->
// action and merges hosts environment -> data center. dataCenter may be empty
// to resolve environment-level configuration only.
func (m *Manifest) Resolve(action Action, environment, dataCenter string) (*Resolution, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return nil, err
	}

	env, ok := m.Environments[environment]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, environment)
	}

	var dc DataCenter
	if dataCenter != "" {
		dc, ok = env.DataCenters[dataCenter]
		if !ok {
			return nil, fmt.Errorf("%w: %q in %q", ErrUnknownDataCenter, dataCenter, environment)
		}
	}

	layers := []map[string]ServiceConfig{
		m.Services,
		env.Services,
		dc.Services,
		dc.Actions[string(action)],
	}

	services := make(map[string]ServiceConfig)
	for _, layer := range layers {
		for name, override := range layer {
			services[name] = services[name].Merge(override)
		}
	}

	for _, name := range sortedKeys(services) {
		svc := services[name]
		if (svc.Image == "") == (svc.Build == "") {
			return nil, NewParseError(name, "resolved service must define exactly one of image or build", ErrServiceSource)
		}
	}

	hosts := make(Hosts, len(env.Hosts)+len(dc.Hosts))
	maps.Copy(hosts, env.Hosts)
	maps.Copy(hosts, dc.Hosts)

	return &Resolution{
		Action:      action,
		Environment: environment,
		DataCenter:  dataCenter,
		Services:    services,
		Hosts:       hosts,
	}, nil
}

// HostKeys returns the fleet keys of the resolution, sorted.
func (r *Resolution) HostKeys() []string {
	keys := make([]string, 0, len(r.Hosts))
	for k := range r.Hosts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Merge
// =============================================================================

// Merge returns c overlaid with every field set in o. Lists replace, label
// maps merge key by key, and setting image or build clears the other.
func (c ServiceConfig) Merge(o ServiceConfig) ServiceConfig {
	out := c

	if o.Image != "" {
		out.Image = o.Image
		out.Build = ""
	}
	if o.Build != "" {
		out.Build = o.Build
		out.Image = ""
	}
	mergeString(&out.Test, o.Test)
	mergeString(&out.ExportTo, o.ExportTo)
	mergeString(&out.WorkingDir, o.WorkingDir)
	mergeString(&out.User, o.User)
	mergeString(&out.Hostname, o.Hostname)
	mergeString(&out.Domainname, o.Domainname)
	mergeString(&out.NetworkMode, o.NetworkMode)

	mergeList(&out.Links, o.Links)
	mergeList(&out.VolumesFrom, o.VolumesFrom)
	mergeList(&out.Ports, o.Ports)
	mergeList(&out.Volumes, o.Volumes)
	mergeList(&out.Binds, o.Binds)
	mergeList(&out.EnvVars, o.EnvVars)
	mergeList(&out.Cmd, o.Cmd)
	mergeList(&out.Entrypoint, o.Entrypoint)
	mergeList(&out.CapAdd, o.CapAdd)
	mergeList(&out.CapDrop, o.CapDrop)
	mergeList(&out.DNS, o.DNS)
	mergeList(&out.DNSSearch, o.DNSSearch)
	mergeList(&out.ExtraHosts, o.ExtraHosts)
	mergeList(&out.SecurityOpt, o.SecurityOpt)

	if o.Memory != 0 {
		out.Memory = o.Memory
	}
	if o.MemorySwap != 0 {
		out.MemorySwap = o.MemorySwap
	}
	if o.CPUShares != 0 {
		out.CPUShares = o.CPUShares
	}

	mergeBool(&out.Detach, o.Detach)
	mergeBool(&out.Privileged, o.Privileged)
	mergeBool(&out.PublishAllPorts, o.PublishAllPorts)
	mergeBool(&out.ReadonlyRootfs, o.ReadonlyRootfs)
	mergeBool(&out.Tty, o.Tty)
	mergeBool(&out.OpenStdin, o.OpenStdin)

	if len(o.Labels) > 0 {
		labels := make(map[string]string, len(c.Labels)+len(o.Labels))
		maps.Copy(labels, c.Labels)
		maps.Copy(labels, o.Labels)
		out.Labels = labels
	}
	if o.RestartPolicy != nil {
		rp := *o.RestartPolicy
		out.RestartPolicy = &rp
	}
	if o.LogConfig != nil {
		lc := LogConfig{Type: o.LogConfig.Type, Config: maps.Clone(o.LogConfig.Config)}
		out.LogConfig = &lc
	}

	return out
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeList(dst *StringList, v StringList) {
	if v != nil {
		*dst = append(StringList(nil), v...)
	}
}

func mergeBool(dst **bool, v *bool) {
	if v != nil {
		b := *v
		*dst = &b
	}
}

package ship

import (
	"github.com/artpar/freighter/internal/core/invoice"
	"github.com/artpar/freighter/internal/shell/docker"
)

// toSpec turns a container plan into a runtime container spec. Containers
// that are not detached get their output streams attached.
func toSpec(p invoice.ContainerPlan) docker.ContainerSpec {
	spec := docker.ContainerSpec{
		Name:            p.Name,
		Image:           p.Image,
		Cmd:             p.Cmd,
		Entrypoint:      p.Entrypoint,
		Env:             p.Env,
		Labels:          p.Labels,
		WorkingDir:      p.WorkingDir,
		User:            p.User,
		Hostname:        p.Hostname,
		Domainname:      p.Domainname,
		ExposedPorts:    p.ExposedPorts,
		PortBindings:    p.PortBindings,
		Volumes:         p.Volumes,
		Binds:           p.Binds,
		Links:           p.Links,
		VolumesFrom:     p.VolumesFrom,
		NetworkMode:     p.NetworkMode,
		PublishAllPorts: p.PublishAllPorts,
		Privileged:      p.Privileged,
		ReadonlyRootfs:  p.ReadonlyRootfs,
		Tty:             p.Tty,
		OpenStdin:       p.OpenStdin,
		AttachStdout:    !p.Detach,
		AttachStderr:    !p.Detach,
		Memory:          p.Memory,
		MemorySwap:      p.MemorySwap,
		CPUShares:       p.CPUShares,
		CapAdd:          p.CapAdd,
		CapDrop:         p.CapDrop,
		DNS:             p.DNS,
		DNSSearch:       p.DNSSearch,
		ExtraHosts:      p.ExtraHosts,
		SecurityOpt:     p.SecurityOpt,
		RestartPolicy: docker.RestartPolicy{
			Name:              p.RestartPolicy.Name,
			MaximumRetryCount: p.RestartPolicy.MaximumRetryCount,
		},
	}
	if p.LogConfig != nil {
		spec.LogConfig = &docker.LogConfig{Type: p.LogConfig.Type, Config: p.LogConfig.Config}
	}
	return spec
}

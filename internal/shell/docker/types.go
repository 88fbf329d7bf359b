// Package docker is the container runtime gateway: container and image
// lifecycle against one Docker Engine host.
package docker

import (
	"context"
	"io"
	"time"

	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
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
	AttachStdout    bool
	AttachStderr    bool

	Memory     int64
	MemorySwap int64
	CPUShares  int64

	CapAdd      []string
	CapDrop     []string
	DNS         []string
	DNSSearch   []string
	ExtraHosts  []string
	SecurityOpt []string

	RestartPolicy RestartPolicy
	LogConfig     *LogConfig
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// LogConfig defines the container log driver.
type LogConfig struct {
	Type   string
	Config map[string]string
}

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string // image ID for inspected containers, reference for listed ones
	State     string // "running", "exited", "created", etc.
	Running   bool
	ExitCode  int
	LogDriver string
	Cmd       []string
	Labels    map[string]string
	CreatedAt time.Time
}

// =============================================================================
// Image Types
// =============================================================================

// ImageInfo contains information about an image.
type ImageInfo struct {
	ID        string
	RepoTags  []string
	Labels    map[string]string
	CreatedAt time.Time
}

// BuildOptions defines options for building an image.
type BuildOptions struct {
	ContextDir string // directory sent as the build context
	Dockerfile string // path relative to ContextDir
	Tags       []string
	Labels     map[string]string
	NoCache    bool
}

// ImageListOptions defines options for listing images.
type ImageListOptions struct {
	Reference string // e.g. "itops/web-api"
	Dangling  bool
}

// CommitOptions defines options for committing a container.
type CommitOptions struct {
	Reference  string
	Cmd        []string
	Entrypoint []string
	Labels     map[string]string
}

// AuthConfig is registry credentials for pull and push.
type AuthConfig struct {
	Username      string
	Password      string
	ServerAddress string
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All     bool              // Include stopped containers
	Filters map[string]string // e.g., {"name": "itops-web-api-"}
}

// LogOptions defines options for container logs.
type LogOptions struct {
	Follow bool
	Tail   string // "all" or number
}

// Version describes the Docker Engine a client talks to.
type Version struct {
	Version       string
	APIVersion    string
	GoVersion     string
	Os            string
	Arch          string
	KernelVersion string
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker client interface.
type Client interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error)
	AttachContainer(ctx context.Context, containerID string) (io.ReadCloser, error)
	WaitContainer(ctx context.Context, containerID string) (exitCode int, err error)
	CommitContainer(ctx context.Context, containerID string, opts CommitOptions) (imageID string, err error)
	CopyToContainer(ctx context.Context, containerID, path string, content io.Reader) error

	// Image operations
	PullImage(ctx context.Context, ref string, auth *AuthConfig) error
	BuildImage(ctx context.Context, opts BuildOptions) (imageID string, err error)
	PushImage(ctx context.Context, ref string, auth *AuthConfig) error
	TagImage(ctx context.Context, source, target string) error
	InspectImage(ctx context.Context, ref string) (*ImageInfo, error)
	ListImages(ctx context.Context, opts ImageListOptions) ([]ImageInfo, error)
	RemoveImage(ctx context.Context, ref string, force bool) error
	PruneDanglingImages(ctx context.Context) error

	// Health operations
	Ping(ctx context.Context) error
	Version(ctx context.Context) (*Version, error)
	Close() error
}

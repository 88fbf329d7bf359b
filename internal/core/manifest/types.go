package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Actions
// =============================================================================

// Action is the operation a manifest is being resolved for.
type Action string

const (
	ActionDeploy         Action = "deploy"
	ActionExport         Action = "export"
	ActionOffload        Action = "offload"
	ActionQualityControl Action = "quality_control"
	ActionTest           Action = "test"
)

// Actions lists every supported action in a stable order.
var Actions = []Action{ActionDeploy, ActionExport, ActionOffload, ActionQualityControl, ActionTest}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Environments lists the environment names a manifest may declare.
var Environments = []string{
	"ci", "dev", "development", "test", "testing", "perf", "performance",
	"stage", "staging", "beta", "integration", "prod", "production",
}

// =============================================================================
// Manifest
// =============================================================================

// Manifest is the parsed freighter.yml.
//
// Service definitions live at the root next to the project keys, environments
// nest data centers inline, and data centers nest per-action overrides inline:
//
//	team: itops
//	project: docker-example
//	app: {build: ./, links: [redis]}
//	redis: {image: redis:latest}
//	environments:
//	  development:
//	    us-east-1:
//	      hosts: {default: [{address: "tcp://10.0.0.2:2375"}]}
//	      deploy: {app: {image: itops/docker-example-app:latest}}
type Manifest struct {
	Team         string                   `yaml:"team" validate:"required"`
	Project      string                   `yaml:"project" validate:"required"`
	Repository   string                   `yaml:"repository"`
	Registries   map[string]Registry      `yaml:"registries" validate:"dive"`
	Environments map[string]Environment   `yaml:"environments" validate:"required,dive,keys,oneof=ci dev development test testing perf performance stage staging beta integration prod production,endkeys"`
	Services     map[string]ServiceConfig `yaml:",inline"`
}

// Environment holds the hosts and overrides shared by its data centers.
type Environment struct {
	Hosts       Hosts                    `yaml:"hosts" validate:"dive,dive"`
	Services    map[string]ServiceConfig `yaml:"services"`
	DataCenters map[string]DataCenter    `yaml:",inline" validate:"dive"`
}

// DataCenter holds hosts, service overrides and per-action service overrides.
type DataCenter struct {
	Hosts    Hosts                               `yaml:"hosts" validate:"dive,dive"`
	Services map[string]ServiceConfig            `yaml:"services"`
	Actions  map[string]map[string]ServiceConfig `yaml:",inline" validate:"dive,keys,oneof=deploy export offload quality_control test,endkeys"`
}

// Hosts maps a fleet key (a service name, "export" or "default") to its hosts.
type Hosts map[string][]Host

// Host is a Docker Engine endpoint.
type Host struct {
	Address      string `yaml:"address" validate:"required"`
	SSLCertPath  string `yaml:"ssl_cert_path"`
	Verify       *bool  `yaml:"verify"`
	IdentityFile string `yaml:"identity_file"`
}

// VerifyTLS reports whether TLS peers must be verified. Defaults to true.
func (h Host) VerifyTLS() bool {
	return h.Verify == nil || *h.Verify
}

// Registry is a Docker registry endpoint.
type Registry struct {
	Address     string `yaml:"address" validate:"required,url"`
	SSLCertPath string `yaml:"ssl_cert_path"`
	Verify      *bool  `yaml:"verify"`
	Auth        *Auth  `yaml:"auth"`
}

// VerifyTLS reports whether TLS peers must be verified. Defaults to true.
func (r Registry) VerifyTLS() bool {
	return r.Verify == nil || *r.Verify
}

// Auth is registry credentials. Only basic auth is supported.
type Auth struct {
	Type     string `yaml:"type" validate:"oneof=basic"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
}

// =============================================================================
// Service Configuration
// =============================================================================

// ServiceConfig is one service definition or override. Zero values mean
// "not set" so that overrides can be layered with Merge.
type ServiceConfig struct {
	Image    string `yaml:"image"`
	Build    string `yaml:"build"`
	Test     string `yaml:"test"`
	ExportTo string `yaml:"export_to"`

	Links       StringList `yaml:"links"`
	VolumesFrom StringList `yaml:"volumes_from"`

	Ports       StringList `yaml:"ports"`
	Volumes     StringList `yaml:"volumes"`
	Binds       StringList `yaml:"binds"`
	EnvVars     StringList `yaml:"env_vars"`
	Cmd         StringList `yaml:"cmd"`
	Entrypoint  StringList `yaml:"entrypoint"`
	CapAdd      StringList `yaml:"cap_add"`
	CapDrop     StringList `yaml:"cap_drop"`
	DNS         StringList `yaml:"dns"`
	DNSSearch   StringList `yaml:"dns_search"`
	ExtraHosts  StringList `yaml:"extra_hosts"`
	SecurityOpt StringList `yaml:"security_opt"`

	WorkingDir  string `yaml:"working_dir"`
	User        string `yaml:"user"`
	Hostname    string `yaml:"hostname"`
	Domainname  string `yaml:"domainname"`
	NetworkMode string `yaml:"network_mode"`
	Memory      int64  `yaml:"memory"`
	MemorySwap  int64  `yaml:"memory_swap"`
	CPUShares   int64  `yaml:"cpu_shares"`

	Detach          *bool `yaml:"detach"`
	Privileged      *bool `yaml:"privileged"`
	PublishAllPorts *bool `yaml:"publish_all_ports"`
	ReadonlyRootfs  *bool `yaml:"readonly_rootfs"`
	Tty             *bool `yaml:"tty"`
	OpenStdin       *bool `yaml:"open_stdin"`

	Labels        map[string]string `yaml:"labels"`
	RestartPolicy *RestartPolicy    `yaml:"restart_policy"`
	LogConfig     *LogConfig        `yaml:"log_config"`
}

// RestartPolicy mirrors the Docker restart policy.
type RestartPolicy struct {
	Name              string `yaml:"name"`
	MaximumRetryCount int    `yaml:"maximum_retry_count"`
}

// LogConfig mirrors the Docker log driver configuration.
type LogConfig struct {
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

// IsDetached reports whether the service runs detached. Defaults to false.
func (c ServiceConfig) IsDetached() bool {
	return c.Detach != nil && *c.Detach
}

// StringList accepts either a scalar or a sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = StringList{}
			return nil
		}
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = StringList(items)
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

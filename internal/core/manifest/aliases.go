package manifest

import (
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Field Alias Table
// =============================================================================

// fieldAliases maps accepted spellings of service keys to their canonical
// snake_case name. Keys are matched after snake_case normalization as well,
// so "volumesFrom" and "volumes-from" both land on "volumes_from".
var fieldAliases = map[string]string{
	"env":               "env_vars",
	"environment":       "env_vars",
	"entry_point":       "entrypoint",
	"export":            "export_to",
	"dockerfile":        "build",
	"restart":           "restart_policy",
	"command":           "cmd",
	"domain_name":       "domainname",
	"readonly_root_fs":  "readonly_rootfs",
	"port_bindings":     "ports",
	"ports_bindings":    "ports",
	"publish_all":       "publish_all_ports",
	"volume_from":       "volumes_from",
	"memswap":           "memory_swap",
	"dns_search_domain": "dns_search",
}

// serviceFields is the set of canonical keys ServiceConfig decodes.
var serviceFields = map[string]struct{}{
	"image": {}, "build": {}, "test": {}, "export_to": {},
	"links": {}, "volumes_from": {},
	"ports": {}, "volumes": {}, "binds": {}, "env_vars": {}, "cmd": {}, "entrypoint": {},
	"cap_add": {}, "cap_drop": {}, "dns": {}, "dns_search": {}, "extra_hosts": {}, "security_opt": {},
	"working_dir": {}, "user": {}, "hostname": {}, "domainname": {}, "network_mode": {},
	"memory": {}, "memory_swap": {}, "cpu_shares": {},
	"detach": {}, "privileged": {}, "publish_all_ports": {}, "readonly_rootfs": {}, "tty": {}, "open_stdin": {},
	"labels": {}, "restart_policy": {}, "log_config": {},
}

// CanonicalKey returns the canonical service key for any accepted spelling.
//
// Example:
//
//	CanonicalKey("volumesFrom")  // returns "volumes_from"
//	CanonicalKey("entry-point")  // returns "entrypoint"
func CanonicalKey(key string) string {
	if alias, ok := fieldAliases[key]; ok {
		return alias
	}
	snake := toSnake(key)
	if alias, ok := fieldAliases[snake]; ok {
		return alias
	}
	return snake
}

func toSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '-' || r == ' ':
			b.WriteRune('_')
		case unicode.IsUpper(r):
			if i > 0 && runes[i-1] != '_' && runes[i-1] != '-' && !unicode.IsUpper(runes[i-1]) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UnmarshalYAML implements yaml.Unmarshaler. Keys are normalized through the
// alias table before decoding and unknown keys are rejected.
func (c *ServiceConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: service definition must be a mapping", value.Line)
	}

	normalized := *value
	normalized.Content = make([]*yaml.Node, len(value.Content))
	seen := make(map[string]int, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := *value.Content[i]
		canonical := CanonicalKey(key.Value)
		if _, ok := serviceFields[canonical]; !ok {
			return NewParseError(key.Value, fmt.Sprintf("line %d: unknown service field", key.Line), ErrUnknownField)
		}
		if line, dup := seen[canonical]; dup {
			return NewParseError(key.Value, fmt.Sprintf("line %d: duplicates %q from line %d", key.Line, canonical, line), ErrInvalidManifest)
		}
		seen[canonical] = key.Line
		key.Value = canonical
		normalized.Content[i] = &key
		normalized.Content[i+1] = value.Content[i+1]
	}

	type plain ServiceConfig
	var decoded plain
	if err := normalized.Decode(&decoded); err != nil {
		return err
	}
	*c = ServiceConfig(decoded)
	return nil
}

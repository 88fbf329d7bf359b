package service

import (
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// Naming Functions
// =============================================================================

// Alias generates the globally unique alias of a service.
// Pattern: {team}-{project}-{name}
//
// Example:
//
//	Alias("itops", "web", "api") // returns "itops-web-api"
func Alias(team, project, name string) string {
	return fmt.Sprintf("%s-%s-%s", team, project, name)
}

// Namespace generates the image namespace of a built service.
// Pattern: {project}-{name}
func Namespace(project, name string) string {
	return fmt.Sprintf("%s-%s", project, name)
}

// TestingAlias generates the alias used for test containers of a service.
func TestingAlias(alias string) string {
	return alias + "-test"
}

// ContainerPattern matches the container names that belong to an alias:
// the alias followed by a two or three digit sequence number.
func ContainerPattern(alias string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(alias) + `-\d{2,3}$`)
}

// ContainerName formats a container name for an alias and sequence number.
//
// Example:
//
//	ContainerName("itops-web-api", 3) // returns "itops-web-api-03"
func ContainerName(alias string, seq int) string {
	return fmt.Sprintf("%s-%02d", alias, seq)
}

// NextContainerName returns the first free container name for alias given the
// names already present on a host. Names that do not belong to the alias are
// ignored. With N contiguous existing containers the result is N+1.
func NextContainerName(alias string, existing []string) string {
	taken := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		taken[strings.ToLower(strings.TrimPrefix(name, "/"))] = struct{}{}
	}

	for seq := 1; ; seq++ {
		name := ContainerName(alias, seq)
		if _, ok := taken[strings.ToLower(name)]; !ok {
			return name
		}
	}
}

// NormalizeName converts a service name into a fleet lookup key.
//
// Example:
//
//	NormalizeName("Web-API") // returns "web_api"
func NormalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", "_"))
}

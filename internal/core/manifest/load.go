package manifest

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the manifest file name looked up in the working directory.
const DefaultFile = "freighter.yml"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyInput
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest structure.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return NewParseError(first.Namespace(), fmt.Sprintf("failed on %q validation", first.Tag()), ErrInvalidManifest)
		}
		return NewParseError("", err.Error(), ErrInvalidManifest)
	}

	for name, svc := range m.Services {
		if svc.Image != "" && svc.Build != "" {
			return NewParseError(name, "image and build are mutually exclusive", ErrServiceSource)
		}
	}
	return nil
}

// =============================================================================
// Lookup Helpers
// =============================================================================

// EnvironmentNames returns the declared environments, sorted.
func (m *Manifest) EnvironmentNames() []string {
	return sortedKeys(m.Environments)
}

// DataCenterNames returns the data centers of an environment, sorted.
func (m *Manifest) DataCenterNames(environment string) []string {
	env, ok := m.Environments[environment]
	if !ok {
		return nil
	}
	return sortedKeys(env.DataCenters)
}

// ServiceNames returns the root-level service names, sorted.
func (m *Manifest) ServiceNames() []string {
	return sortedKeys(m.Services)
}

func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

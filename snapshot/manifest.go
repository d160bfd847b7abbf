package snapshot

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the human-readable sidecar written alongside a binary dump —
// grounded on conformance/loader.go's yaml.Unmarshal-driven TestSuite
// loading, generalized from a test-fixture format to a dump's own metadata
// record (so a dump file found on disk months later carries its own
// provenance without needing to be parsed to find out).
type Manifest struct {
	FormatVersion   int    `yaml:"format_version"`
	EntryModule     string `yaml:"entry_module"`
	CreatedAtUnix   int64  `yaml:"created_at_unix"`
	TaskCount       int    `yaml:"task_count"`
	ObjectCount     int    `yaml:"object_count"`
	Note            string `yaml:"note,omitempty"`
}

// WriteManifestFile marshals m as YAML to path.
func WriteManifestFile(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadManifestFile reads and parses a manifest sidecar from path.
func LoadManifestFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

package bundle

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestName is the optional descriptor at the bundle root.
const ManifestName = "bundle.yaml"

// Manifest describes a resource bundle.
type Manifest struct {
	Name          string   `yaml:"name"`
	Version       string   `yaml:"version"`
	Description   string   `yaml:"description,omitempty"`
	Engine        string   `yaml:"engine,omitempty"`
	SampleRate    int      `yaml:"sample_rate"`
	RequiredFiles []string `yaml:"required_files,omitempty"`
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (Manifest, error) {
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

// ValidateManifest ensures the manifest contains required fields.
func ValidateManifest(m Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if m.SampleRate != 0 && m.SampleRate != 16000 {
		return fmt.Errorf("sample_rate %d not supported, bundles must target 16000", m.SampleRate)
	}
	for _, f := range m.RequiredFiles {
		if f == "" {
			return fmt.Errorf("required_files must not contain empty entries")
		}
	}
	return nil
}

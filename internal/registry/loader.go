package registry

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"model_optimizer/internal/models"
)

// catalogFile is the on-disk catalog layout. YAML is a superset of JSON, so
// both formats decode through the same path.
type catalogFile struct {
	Version string         `yaml:"version"`
	Models  []models.Model `yaml:"models"`
}

// ParseSnapshot decodes and validates a catalog document.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var doc catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %w", ErrInvalidSnapshot, err)
	}
	return NewSnapshot(doc.Version, doc.Models)
}

// LoadFile reads a catalog snapshot from a YAML or JSON file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	snap, err := ParseSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return snap, nil
}

// MarshalSnapshot renders a snapshot in the catalog file format.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return yaml.Marshal(catalogFile{Version: s.Version, Models: s.Models})
}

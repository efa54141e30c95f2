package catalog

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Descriptor is the declared metadata file of a registry entity.
type Descriptor struct {
	Extension struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Version     string   `yaml:"version"`
		Language    string   `yaml:"language"`
		License     string   `yaml:"license"`
		Maintainers []string `yaml:"maintainers"`
	} `yaml:"extension"`
	Repo struct {
		Github string `yaml:"github"`
		Ref    string `yaml:"ref"`
	} `yaml:"repo"`
}

// ParseDescriptor decodes a description.yml body.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("catalog: parse descriptor: %w", err)
	}
	return &d, nil
}

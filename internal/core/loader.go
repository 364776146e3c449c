package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"membranecore/pkg/domain"
)

// ParseDefinitionYAML decodes a definition from YAML or JSON and validates
// it. Unknown fields are rejected so that misspelled keys do not silently
// drop rule features.
func ParseDefinitionYAML(data []byte) (domain.Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def domain.Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Definition{}, &domain.ConfigurationError{Problems: []string{"empty definition"}}
		}
		return domain.Definition{}, &domain.ConfigurationError{Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}
	return def.Normalized()
}

// LoadDefinitionReader reads and validates a definition.
func LoadDefinitionReader(r io.Reader) (domain.Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.Definition{}, fmt.Errorf("core: read definition: %w", err)
	}
	return ParseDefinitionYAML(data)
}

// LoadDefinitionFile reads and validates the definition stored at path.
func LoadDefinitionFile(path string) (domain.Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is supplied by the operator
	if err != nil {
		return domain.Definition{}, fmt.Errorf("core: read definition %s: %w", path, err)
	}
	def, err := ParseDefinitionYAML(data)
	if err != nil {
		return domain.Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

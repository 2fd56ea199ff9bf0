package recipe

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"sigs.k8s.io/yaml"
)

//go:embed schema.json
var schemaJSON []byte

// SchemaError lists every schema violation found in a recipe document.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "recipe does not match schema: " + strings.Join(e.Violations, "; ")
}

// Load reads a YAML or JSON recipe file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a recipe document.
func Parse(data []byte) (*Recipe, error) {
	raw, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("invalid recipe yaml: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		schemaErr := &SchemaError{}
		for _, e := range result.Errors() {
			schemaErr.Violations = append(schemaErr.Violations, e.String())
		}
		return nil, schemaErr
	}

	var r Recipe
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode recipe: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadOrDefault loads path when set and falls back to Default otherwise.
func LoadOrDefault(path string) (*Recipe, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return Load(path)
}

// Marshal renders a recipe as YAML.
func Marshal(r *Recipe) ([]byte, error) {
	return yaml.Marshal(r)
}

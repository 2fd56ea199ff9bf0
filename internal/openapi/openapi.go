// Package openapi embeds the HTTP API description served at /openapi.
package openapi

import (
	_ "embed"

	"sigs.k8s.io/yaml"
)

//go:embed openapi.yaml
var documentYAML []byte

// JSON returns the OpenAPI document serialized as JSON.
func JSON() ([]byte, error) {
	return yaml.YAMLToJSON(documentYAML)
}

// YAML returns the raw OpenAPI YAML document.
func YAML() []byte {
	return documentYAML
}

package openapi

import (
	"encoding/json"
	"testing"
)

func TestJSONDescribesJobRoutes(t *testing.T) {
	t.Parallel()

	raw, err := JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var doc struct {
		OpenAPI string                 `json:"openapi"`
		Paths   map[string]interface{} `json:"paths"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.OpenAPI == "" {
		t.Fatalf("missing openapi version")
	}
	for _, path := range []string{"/jobs", "/jobs/{id}", "/jobs/{id}/cancel", "/jobs/{id}/retry", "/events"} {
		if _, ok := doc.Paths[path]; !ok {
			t.Fatalf("document missing %s", path)
		}
	}
}

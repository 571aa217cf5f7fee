package agent

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestDefaultCatalogMatchesModePermissions(t *testing.T) {
	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("load default catalog: %v", err)
	}
	for _, mode := range Modes() {
		specs := catalog.ToolsForMode(mode)
		names := make([]string, 0, len(specs))
		for _, spec := range specs {
			names = append(names, spec.Name)
			var schema map[string]any
			if err := json.Unmarshal(spec.Parameters, &schema); err != nil || schema["type"] != "object" {
				t.Fatalf("%s/%s: invalid schema %s", mode, spec.Name, spec.Parameters)
			}
			if spec.Description == "" {
				t.Fatalf("%s/%s: missing description", mode, spec.Name)
			}
			if _, ok := callFactories[spec.Name]; !ok {
				t.Fatalf("%s/%s: catalog tool has no decoder", mode, spec.Name)
			}
		}
		if !reflect.DeepEqual(names, mode.ToolNames()) {
			t.Fatalf("%s: catalog %v does not match permissions %v", mode, names, mode.ToolNames())
		}
	}
}

func TestLoadCatalogRejectsUnknownReferences(t *testing.T) {
	if _, err := LoadCatalog([]byte("modes:\n  explore: [missing]\ntools: []\n")); err == nil {
		t.Fatalf("expected error for undefined tool")
	}
	if _, err := LoadCatalog([]byte("modes:\n  review: []\n")); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

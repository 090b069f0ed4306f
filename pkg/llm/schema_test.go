package llm

import (
	"testing"
)

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max results"`
}

func TestSchemaFor(t *testing.T) {
	schema, err := SchemaFor[searchArgs]()
	if err != nil {
		t.Fatalf("SchemaFor() error = %v", err)
	}

	if schema["type"] != "object" {
		t.Errorf("type = %v, want object", schema["type"])
	}
	if _, ok := schema["$schema"]; ok {
		t.Error("schema carries $schema, want draft keywords stripped")
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties = %T, want map", schema["properties"])
	}

	query, ok := props["query"].(map[string]any)
	if !ok {
		t.Fatalf("properties.query missing: %v", props)
	}
	if query["type"] != "string" {
		t.Errorf("query.type = %v, want string", query["type"])
	}
	if query["description"] != "Search query" {
		t.Errorf("query.description = %v, want Search query", query["description"])
	}

	required, ok := schema["required"].([]any)
	if !ok {
		t.Fatalf("required = %T, want list", schema["required"])
	}
	if len(required) != 1 || required[0] != "query" {
		t.Errorf("required = %v, want [query]", required)
	}
}

func TestMustSchemaFor(t *testing.T) {
	schema := MustSchemaFor[searchArgs]()
	if schema == nil || schema["type"] != "object" {
		t.Errorf("MustSchemaFor() = %v, want object schema", schema)
	}
}

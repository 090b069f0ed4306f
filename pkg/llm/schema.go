package llm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a JSON schema from a Go type using struct tags. The
// result feeds WithResponseSchema and tool parameter declarations.
//
// Supported tags:
//   - json:"name" - field name on the wire
//   - jsonschema:"required" - mark as required
//   - jsonschema:"description=..." - field description
//   - jsonschema:"enum=a|b" - allowed values
//
// Example:
//
//	type Plan struct {
//	    Steps []string `json:"steps" jsonschema:"required,description=Ordered task list"`
//	}
func SchemaFor[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		// Required fields come from jsonschema tags, not omitempty.
		RequiredFromJSONSchemaTags: true,

		// Inline nested structs instead of emitting $ref definitions.
		ExpandedStruct: true,
		DoNotReference: true,
	}

	schemaMap, err := schemaToMap(reflector.Reflect(new(T)))
	if err != nil {
		return nil, fmt.Errorf("convert schema: %w", err)
	}

	// Providers want a bare object schema without draft keywords.
	if schemaMap["type"] == "object" {
		result := map[string]any{
			"type":       "object",
			"properties": schemaMap["properties"],
		}
		if required := schemaMap["required"]; required != nil {
			result["required"] = required
		}
		if addProps, ok := schemaMap["additionalProperties"]; ok {
			result["additionalProperties"] = addProps
		}
		return result, nil
	}
	return schemaMap, nil
}

// MustSchemaFor is SchemaFor for package-level schema variables, where a
// reflection failure is a programming error.
func MustSchemaFor[T any]() map[string]any {
	schema, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return schema
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}

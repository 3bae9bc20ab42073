package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// JSONSchema returns the JSON Schema describing the configuration file, for
// editor completion and `househunt config schema`.
var JSONSchema = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:              "yaml",
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "househunt configuration"
	if schema.Properties != nil {
		schema.Properties.Set(includeKey, &jsonschema.Schema{
			Description: "Files merged beneath this one",
			OneOf: []*jsonschema.Schema{
				{Type: "string"},
				{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			},
		})
	}
	return json.MarshalIndent(schema, "", "  ")
})

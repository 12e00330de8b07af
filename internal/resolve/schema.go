package resolve

import (
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileValidationSchema builds the defensive schema applied to fully
// resolved arguments. Container fields keep their declared type; scalar
// fields stay unconstrained because ids and numbers legitimately arrive
// as either strings or numbers depending on which input supplied them.
func compileValidationSchema(toolName string, spec toolSpec) (*jsonschema.Schema, error) {
	props := map[string]any{
		KeyAccountID:  map[string]any{"type": "string"},
		KeyRegion:     map[string]any{"type": "string"},
		KeyBackendURL: map[string]any{"type": "string"},
	}
	for _, f := range spec.Fields {
		p := map[string]any{}
		if f.Type == "array" || f.Type == "object" {
			p["type"] = f.Type
		}
		props[f.Name] = p
	}

	doc := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []any{KeyAccountID, KeyRegion},
	}

	c := jsonschema.NewCompiler()
	url := toolName + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// AdvertisedSchema returns the JSON schema shown to the model for a tool:
// only model-settable fields appear, with their declared types, and only
// model-required fields are marked required. Context-owned keys are never
// advertised, so the model cannot be tricked into thinking it controls them.
func AdvertisedSchema(toolName string) (map[string]any, bool) {
	spec, ok := toolSpecs[toolName]
	if !ok {
		return nil, false
	}

	props := map[string]any{}
	var required []any
	for _, f := range spec.Fields {
		if f.Source != ModelFirst {
			continue
		}
		p := map[string]any{"description": f.Description}
		if f.Type != "" {
			p["type"] = f.Type
		}
		props[f.Name] = p
		// Fields with a metadata or prompt fallback are not required from
		// the model even when the resolver requires them overall.
		if f.Required && len(f.MetaKeys) == 0 && f.Extract == extractNone {
			required = append(required, f.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, true
}

// Description returns the human description of a tool for advertisement.
func Description(toolName string) string {
	return toolSpecs[toolName].Description
}

package validation

import (
	"encoding/json"
	"sort"

	"github.com/rendis/toolforge/pkg/schema"
)

var simpleTypeToJSON = map[schema.SimpleType]string{
	schema.TypeString:  "string",
	schema.TypeInteger: "integer",
	schema.TypeFloat:   "number",
	schema.TypeBoolean: "boolean",
	schema.TypeArray:   "array",
	schema.TypeObject:  "object",
}

// ParamsToJSONSchema converts a declared parameter map into an object schema.
// An empty parameter map yields an unconstrained object schema.
func ParamsToJSONSchema(params schema.ParamSchema) (json.RawMessage, error) {
	props := make(map[string]any, len(params))
	var required []string

	for name, p := range params {
		jsonType, ok := simpleTypeToJSON[p.Type]
		if !ok {
			return nil, schema.NewValidationError(name, "unknown parameter type "+string(p.Type))
		}
		prop := map[string]any{"type": jsonType}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if val := p.Validation; val != nil {
			if val.Min != nil {
				prop["minimum"] = *val.Min
			}
			if val.Max != nil {
				prop["maximum"] = *val.Max
			}
			if val.Pattern != "" {
				prop["pattern"] = val.Pattern
			}
			if val.MinLength != nil {
				prop["minLength"] = *val.MinLength
			}
			if val.MaxLength != nil {
				prop["maxLength"] = *val.MaxLength
			}
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		doc["required"] = required
	}
	return json.Marshal(doc)
}

// ApplyDefaults returns a copy of input with declared defaults filled in for
// absent parameters. Non-object inputs are returned unchanged.
func ApplyDefaults(params schema.ParamSchema, input any) any {
	obj, ok := input.(map[string]any)
	if !ok && input != nil {
		return input
	}
	out := make(map[string]any, len(obj)+len(params))
	for k, v := range obj {
		out[k] = v
	}
	for name, p := range params {
		if _, present := out[name]; !present && p.Default != nil {
			out[name] = p.Default
		}
	}
	return out
}

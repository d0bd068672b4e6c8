package validation

import (
	"encoding/json"
	"testing"

	"github.com/rendis/toolforge/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestParamsToJSONSchema(t *testing.T) {
	params := schema.ParamSchema{
		"name": {Type: schema.TypeString, Required: true, Validation: &schema.ParamValidation{MinLength: ptr(1)}},
		"age":  {Type: schema.TypeInteger, Validation: &schema.ParamValidation{Min: ptr(0.0), Max: ptr(150.0)}},
		"tags": {Type: schema.TypeArray},
	}

	raw, err := ParamsToJSONSchema(params)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "object", doc["type"])
	assert.Equal(t, []any{"name"}, doc["required"])

	props := doc["properties"].(map[string]any)
	assert.Equal(t, "integer", props["age"].(map[string]any)["type"])
	assert.Equal(t, 150.0, props["age"].(map[string]any)["maximum"])
	assert.Equal(t, 1.0, props["name"].(map[string]any)["minLength"])
}

func TestParamsToJSONSchema_EnforcedByValidator(t *testing.T) {
	raw, err := ParamsToJSONSchema(schema.ParamSchema{
		"count": {Type: schema.TypeInteger, Required: true, Validation: &schema.ParamValidation{Max: ptr(10.0)}},
	})
	require.NoError(t, err)

	v := NewJSONSchemaValidator()
	assert.NoError(t, v.Validate(map[string]any{"count": 3}, raw))

	fe := requireValidationErr(t, v.Validate(map[string]any{"count": 11}, raw))
	assert.Equal(t, "count", fe.Field)
}

func TestParamsToJSONSchema_UnknownType(t *testing.T) {
	_, err := ParamsToJSONSchema(schema.ParamSchema{"x": {Type: "decimal"}})
	requireValidationErr(t, err)
}

func TestApplyDefaults(t *testing.T) {
	params := schema.ParamSchema{
		"limit": {Type: schema.TypeInteger, Default: 10},
		"q":     {Type: schema.TypeString},
	}

	out := ApplyDefaults(params, map[string]any{"q": "go"}).(map[string]any)
	assert.Equal(t, 10, out["limit"])
	assert.Equal(t, "go", out["q"])

	out = ApplyDefaults(params, map[string]any{"limit": 3}).(map[string]any)
	assert.Equal(t, 3, out["limit"])

	assert.Equal(t, "raw", ApplyDefaults(params, "raw"))
}

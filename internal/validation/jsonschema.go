package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/toolforge/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// JSONSchemaValidator implements Validator with compiled-schema caching.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	mu      sync.RWMutex
	cache   map[string]*jsonschema.Schema
	printer *message.Printer
}

// NewJSONSchemaValidator creates an empty validator.
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{
		cache:   make(map[string]*jsonschema.Schema),
		printer: message.NewPrinter(language.English),
	}
}

// Validate checks value against the raw schema. Violations surface as a
// VALIDATION_ERROR whose Field is the dotted path of the first violation.
func (v *JSONSchemaValidator) Validate(value any, rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewInternalError("invalid schema").WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewValidationError("", "value is not JSON-serializable").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return v.toForgeError(err)
	}
	return nil
}

// Compile checks that rawSchema is a valid schema document and caches it.
func (v *JSONSchemaValidator) Compile(rawSchema []byte) error {
	_, err := v.getOrCompile(rawSchema)
	return err
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler and unique URL per schema so resources never collide.
	url := fmt.Sprintf("toolforge://schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violation is one leaf of a ValidationError tree.
type violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v *JSONSchemaValidator) toForgeError(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewValidationError("", err.Error())
	}

	violations := v.collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewValidationError("", verr.LocalizedError(v.printer))
	}

	first := violations[0]
	msg := first.Message
	if len(violations) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(violations)-1)
	}
	return schema.NewValidationError(first.Field, msg).
		WithDetails(map[string]any{"violations": violations})
}

func (v *JSONSchemaValidator) collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		field := strings.Join(verr.InstanceLocation, ".")
		if req, ok := verr.ErrorKind.(*kind.Required); ok && len(req.Missing) > 0 {
			field = joinField(field, req.Missing[0])
		}
		return []violation{{Field: field, Message: verr.ErrorKind.LocalizedString(v.printer)}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, v.collectViolations(cause)...)
	}
	return out
}

func joinField(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

package validation

// Validator checks structured values against JSON Schema Draft 2020-12 documents.
// A nil or empty schema accepts every value.
type Validator interface {
	Validate(value any, schema []byte) error
}

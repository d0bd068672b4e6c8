package schema

import "fmt"

// ValidationIssue is one problem found in a forge definition. Path locates
// it, e.g. "tools[2].steps[0].tool".
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

func (i ValidationIssue) String() string {
	path := i.Path
	if path == "" {
		path = "(root)"
	}
	kind := "error"
	if i.Warning {
		kind = "warning"
	}
	return fmt.Sprintf("%s: %s: [%s] %s", kind, path, i.Code, i.Message)
}

// ValidationResult collects the issues of one validation pass. Warnings
// never make a result invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Warning: true})
}

// Issues returns errors followed by warnings, in the order they were found.
func (r *ValidationResult) Issues() []ValidationIssue {
	out := make([]ValidationIssue, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Errors...)
	return append(out, r.Warnings...)
}

// ToError reports the errors as one VALIDATION_ERROR, or nil when valid.
// With a single error its path becomes the error field; every issue is
// listed under details.errors.
func (r *ValidationResult) ToError() error {
	switch len(r.Errors) {
	case 0:
		return nil
	case 1:
		only := r.Errors[0]
		return NewValidationError(only.Path, only.Message).WithDetails(r.details())
	}
	return NewError(ErrCodeValidation, fmt.Sprintf("forge definition has %d errors", len(r.Errors))).
		WithDetails(r.details())
}

func (r *ValidationResult) details() map[string]any {
	return map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
}

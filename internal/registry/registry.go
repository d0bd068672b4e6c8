package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/rendis/toolforge/internal/validation"
	"github.com/rendis/toolforge/pkg/schema"
)

// Registry maps tool names to handlers and dispatches structured input to them.
// It is safe for concurrent use; lookups take a read lock only.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	validator validation.Validator
}

// Option configures a Registry.
type Option func(*Registry)

// WithValidator replaces the default JSON Schema validator.
func WithValidator(v validation.Validator) Option {
	return func(r *Registry) { r.validator = v }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		handlers:  make(map[string]Handler),
		validator: validation.NewJSONSchemaValidator(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler under name. Registering an existing name fails with
// DUPLICATE_NAME and leaves the original entry in place.
func (r *Registry) Register(name string, h Handler) error {
	if h == nil {
		return schema.NewValidationError("handler", "handler is nil")
	}
	if name == "" {
		return schema.NewValidationError("name", "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.DuplicateName(name)
	}
	r.handlers[name] = h
	return nil
}

// RegisterNamespace bulk-registers handlers as "prefix.name".
// Registration stops at the first conflict and reports how many were added.
func (r *Registry) RegisterNamespace(prefix string, handlers map[string]Handler) (int, error) {
	if prefix == "" {
		return 0, schema.NewValidationError("prefix", "namespace prefix is empty")
	}

	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	registered := 0
	for _, name := range names {
		if err := r.Register(fmt.Sprintf("%s.%s", prefix, name), handlers[name]); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.ToolNotFound(name)
	}
	return h, nil
}

// Dispatch resolves name and runs its handler against input.
// Input is validated before the handler runs and output after it returns.
// Handler errors propagate unmodified. A handler panic becomes a fatal INTERNAL_ERROR.
func (r *Registry) Dispatch(ctx context.Context, name string, input any) (out any, err error) {
	h, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	contract := h.Schema()

	if err := r.validator.Validate(input, contract.InputSchema); err != nil {
		return nil, withTool(err, name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = schema.NewInternalError(fmt.Sprintf("handler panicked: %v", rec)).
				WithTool(name).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
		}
	}()

	out, err = h.Handle(ctx, input)
	if err != nil {
		return nil, err
	}

	if err := r.validator.Validate(out, contract.OutputSchema); err != nil {
		return nil, withTool(outputField(err), name)
	}
	return out, nil
}

// DispatchJSON is the byte-level edge of Dispatch for process boundaries.
func (r *Registry) DispatchJSON(ctx context.Context, name string, input []byte) ([]byte, error) {
	var decoded any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &decoded); err != nil {
			return nil, schema.NewValidationError("", "input is not valid JSON").WithTool(name).WithCause(err)
		}
	}
	out, err := r.Dispatch(ctx, name, decoded)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewHandlerError("output is not JSON-serializable").WithTool(name).WithCause(err)
	}
	return b, nil
}

// InputSchema returns the declared input schema for name.
func (r *Registry) InputSchema(name string) (json.RawMessage, bool) {
	h, err := r.Get(name)
	if err != nil {
		return nil, false
	}
	s := h.Schema().InputSchema
	return s, len(s) > 0
}

// OutputSchema returns the declared output schema for name.
func (r *Registry) OutputSchema(name string) (json.RawMessage, bool) {
	h, err := r.Get(name)
	if err != nil {
		return nil, false
	}
	s := h.Schema().OutputSchema
	return s, len(s) > 0
}

// List returns info for all registered handlers, sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.handlers))
	for name, h := range r.handlers {
		s := h.Schema()
		infos = append(infos, ToolInfo{
			Name:        name,
			Description: s.Description,
			InputSchema: s.InputSchema,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if a handler is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func withTool(err error, name string) error {
	if fe, ok := err.(*schema.ForgeError); ok && fe.Tool == "" {
		return fe.WithTool(name)
	}
	return err
}

func outputField(err error) error {
	fe, ok := err.(*schema.ForgeError)
	if !ok || fe.Code != schema.ErrCodeValidation {
		return err
	}
	field := "output"
	if fe.Field != "" {
		field += "." + fe.Field
	}
	return schema.NewValidationError(field, fe.Message).WithDetails(fe.Details).WithCause(fe.Cause)
}

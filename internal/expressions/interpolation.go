package expressions

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/toolforge/pkg/schema"
)

// Resolver looks up the value of a dotted variable path.
type Resolver func(path string) (any, bool)

// placeholder is one {{path}} occurrence inside a string.
type placeholder struct {
	start, end int // byte offsets; end is exclusive and includes the closing braces
	path       string
}

// scanPlaceholders finds every well-formed {{...}} in s, left to right.
// An opening "{{" without a closing "}}" is literal text.
func scanPlaceholders(s string) []placeholder {
	var out []placeholder
	i := 0
	for i < len(s) {
		open := strings.Index(s[i:], "{{")
		if open < 0 {
			break
		}
		start := i + open
		closing := strings.Index(s[start+2:], "}}")
		if closing < 0 {
			break
		}
		end := start + 2 + closing + 2
		out = append(out, placeholder{
			start: start,
			end:   end,
			path:  strings.TrimSpace(s[start+2 : end-2]),
		})
		i = end
	}
	return out
}

// Interpolate returns a copy of template with every placeholder substituted.
//
// Maps and slices are walked recursively, including typed ones such as
// map[string]string or []string, which come back as map[string]any and
// []any. A string that is exactly one
// placeholder takes the variable's native value; placeholders embedded in
// longer strings are replaced by their string form. Substituted values are
// never re-scanned. Any placeholder that cannot be resolved fails the whole
// call with UNRESOLVED_VARIABLE naming the path.
func Interpolate(template any, resolve Resolver) (any, error) {
	switch v := template.(type) {
	case string:
		return InterpolateString(v, resolve)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			rendered, err := Interpolate(child, resolve)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			rendered, err := Interpolate(child, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		if generic, ok := genericContainer(template); ok {
			return Interpolate(generic, resolve)
		}
		return template, nil
	}
}

// genericContainer converts a string-keyed map kind to map[string]any and a
// slice or array kind to []any. Byte slices and other values are left alone.
func genericContainer(v any) (any, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, true
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}

// InterpolateString renders a single string leaf.
func InterpolateString(s string, resolve Resolver) (any, error) {
	holders := scanPlaceholders(s)
	if len(holders) == 0 {
		return s, nil
	}

	if len(holders) == 1 && holders[0].start == 0 && holders[0].end == len(s) {
		return resolvePlaceholder(holders[0].path, resolve)
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, h := range holders {
		val, err := resolvePlaceholder(h.path, resolve)
		if err != nil {
			return nil, err
		}
		b.WriteString(s[last:h.start])
		b.WriteString(Stringify(val))
		last = h.end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func resolvePlaceholder(path string, resolve Resolver) (any, error) {
	if path == "" {
		return nil, schema.NewUnresolvedVariableError("")
	}
	val, ok := resolve(path)
	if !ok {
		return nil, schema.NewUnresolvedVariableError(path)
	}
	return val, nil
}

// Stringify renders a value for embedding in a larger string.
// Strings are inserted raw; everything else uses its JSON form.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// References returns the sorted, de-duplicated placeholder paths in template.
func References(template any) []string {
	seen := make(map[string]struct{})
	collectReferences(template, seen)
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func collectReferences(template any, seen map[string]struct{}) {
	switch v := template.(type) {
	case string:
		for _, h := range scanPlaceholders(v) {
			seen[h.path] = struct{}{}
		}
	case map[string]any:
		for _, child := range v {
			collectReferences(child, seen)
		}
	case []any:
		for _, child := range v {
			collectReferences(child, seen)
		}
	default:
		if generic, ok := genericContainer(template); ok {
			collectReferences(generic, seen)
		}
	}
}

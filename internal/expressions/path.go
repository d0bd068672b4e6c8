package expressions

import (
	"strconv"
	"strings"
)

// SplitPath splits a dotted variable path ("user.addresses.0.id") into segments.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}

// RootName returns the first segment of a dotted path.
func RootName(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

// Lookup walks root along segments. Map segments are keys; slice segments
// must be non-negative integer indices.
func Lookup(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

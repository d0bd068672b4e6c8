// Package config loads forge definitions from YAML and the runtime settings
// of the toolforge binary.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/rendis/toolforge/pkg/schema"
)

// envRef matches ${NAME} and ${NAME:-default}. Bare $NAME is left alone so
// jq programs keep their variables.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads and parses the forge definition at path.
func Load(path string) (*schema.ForgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML forge definition after expanding ${VAR} references
// from the environment. Unknown fields are rejected.
func Parse(data []byte) (*schema.ForgeConfig, error) {
	expanded := ExpandEnv(data, os.LookupEnv)

	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)

	var cfg schema.ForgeConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewValidationError("", "config is empty")
		}
		return nil, schema.NewValidationError("", err.Error()).WithCause(err)
	}
	return &cfg, nil
}

// ExpandEnv replaces ${NAME} and ${NAME:-default} using lookup. Unset
// variables without a default expand to the empty string.
func ExpandEnv(data []byte, lookup func(string) (string, bool)) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := lookup(string(sub[1])); ok {
			return []byte(v)
		}
		return sub[2]
	})
}

// Package state provides key/value persistence for tools and pipeline runs.
// Values are stored as JSON, so every backend returns the same structured
// form (objects as map[string]any, numbers as float64) for a given input.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/rendis/toolforge/pkg/schema"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendLibSQL = "libsql"
	BackendRedis  = "redis"
)

// Manager is a key/value store with optional per-key expiry.
// A zero ttl means the key never expires.
type Manager interface {
	Get(ctx context.Context, key string) (value any, found bool, err error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// redisOptions is decoded from StateConfig.Options for the redis backend.
type redisOptions struct {
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Open creates the backend named by cfg. A nil cfg yields an in-memory store.
func Open(ctx context.Context, cfg *schema.StateConfig) (Manager, error) {
	if cfg == nil || cfg.Backend == "" || cfg.Backend == BackendMemory {
		return NewMemory(), nil
	}

	switch cfg.Backend {
	case BackendLibSQL:
		if cfg.Path == "" {
			return nil, schema.NewValidationError("state.path", "libsql backend requires a path")
		}
		dsn := cfg.Path
		if !strings.Contains(dsn, ":") {
			dsn = "file:" + dsn
		}
		s, err := NewLibSQL(dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, stateError("migrate", err)
		}
		return s, nil

	case BackendRedis:
		if cfg.Path == "" {
			return nil, schema.NewValidationError("state.path", "redis backend requires an address")
		}
		var opts redisOptions
		if err := mapstructure.WeakDecode(cfg.Options, &opts); err != nil {
			return nil, schema.NewValidationError("state.options", err.Error()).WithCause(err)
		}
		var ro []RedisOption
		if opts.Prefix != "" {
			ro = append(ro, WithPrefix(opts.Prefix))
		}
		return NewRedis(cfg.Path, opts.Password, opts.DB, ro...), nil
	}

	return nil, schema.NewValidationError("state.backend", fmt.Sprintf("unknown backend %q", cfg.Backend))
}

func encode(value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, schema.NewValidationError("value", "value is not JSON-serializable").WithCause(err)
	}
	return b, nil
}

func decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, stateError("decode", err)
	}
	return v, nil
}

func stateError(op string, err error) *schema.ForgeError {
	return schema.NewErrorf(schema.ErrCodeState, "state %s: %v", op, err).WithCause(err)
}

func validKey(key string) error {
	if key == "" {
		return schema.NewValidationError("key", "key must not be empty")
	}
	return nil
}

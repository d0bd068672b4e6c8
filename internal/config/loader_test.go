package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolforge/pkg/schema"
)

const sampleConfig = `
forge:
  name: demo
  version: 0.1.0
  transport: stdio

tools:
  - type: native
    name: greet
    description: Greets someone
    handler: greet
    params:
      name: string
      times:
        type: integer
        default: 1
        validation:
          min: 1

  - type: http
    name: get_user
    endpoint: https://api.example.com/users
    method: GET
    auth:
      type: bearer
      token: ${API_TOKEN}

  - type: jq
    name: pick_ids
    expression: '[.items[].id] | map(select(. > $min))'

  - type: pipeline
    name: onboard
    params:
      user: string
    steps:
      - tool: get_user
        input:
          query:
            login: "{{user}}"
        output_var: profile
      - tool: greet
        input:
          name: "{{profile.body.name}}"
        condition: profile
        error_policy: continue
        retry:
          max_attempts: 3
          initial_delay_ms: 10

state:
  backend: libsql
  path: ${TOOLFORGE_TEST_UNSET_DIR:-/tmp}/state.db

schedules:
  - id: nightly
    cron: "0 3 * * *"
    tool: onboard
    input:
      variables:
        user: octocat
`

func TestParse_FullConfig(t *testing.T) {
	t.Setenv("API_TOKEN", "secret")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Forge.Name)
	require.Len(t, cfg.Tools, 4)

	greet := cfg.Tools[0]
	assert.Equal(t, schema.ToolTypeNative, greet.Type)
	assert.Equal(t, schema.TypeString, greet.Params["name"].Type)
	assert.Equal(t, schema.TypeInteger, greet.Params["times"].Type)
	assert.Equal(t, 1, greet.Params["times"].Default)
	require.NotNil(t, greet.Params["times"].Validation.Min)
	assert.Equal(t, 1.0, *greet.Params["times"].Validation.Min)

	assert.Equal(t, "secret", cfg.Tools[1].Auth.Token)
	assert.Contains(t, cfg.Tools[2].Expression, "$min")

	pipeline := cfg.Tools[3]
	require.Len(t, pipeline.Steps, 2)
	assert.Equal(t, "profile", pipeline.Steps[0].OutputVar)
	assert.Equal(t, schema.ErrorPolicyContinue, pipeline.Steps[1].Policy())
	assert.Equal(t, 3, pipeline.Steps[1].Retry.MaxAttempts)

	assert.Equal(t, "/tmp/state.db", cfg.State.Path)
	require.Len(t, cfg.Schedules, 1)
	assert.True(t, cfg.Schedules[0].IsEnabled())

	result := Validate(cfg, nil, func(name string) bool { return name == "greet" })
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("forge:\n  name: x\n  bogus: 1\n"))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("forge:\n  name: from-file\n  version: 1.0.0\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Forge.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExpandEnv(t *testing.T) {
	env := map[string]string{"HOST": "example.com"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	tests := []struct {
		in, want string
	}{
		{"https://${HOST}/x", "https://example.com/x"},
		{"${MISSING}", ""},
		{"${MISSING:-fallback}", "fallback"},
		{"${HOST:-fallback}", "example.com"},
		{"$HOST stays", "$HOST stays"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.in), lookup)), tt.in)
	}
}

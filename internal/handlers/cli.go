package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/internal/resilience"
	"github.com/rendis/toolforge/pkg/schema"
)

const cliInputSchema = `{
  "type": "object",
  "properties": {
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "stdin": {"type": "string"}
  },
  "additionalProperties": false
}`

const cliOutputSchema = `{
  "type": "object",
  "properties": {
    "stdout": {"type": "string"},
    "stderr": {"type": "string"},
    "exit_code": {"type": "integer"}
  },
  "required": ["stdout", "stderr", "exit_code"]
}`

// killGrace bounds how long Wait lingers on output pipes after the process
// is killed.
const killGrace = time.Second

// CLI runs a local command. Definition args come first, followed by the
// caller's args. A non-zero exit status is reported in the output, not as an
// error; only a command that cannot start fails.
type CLI struct {
	command     string
	args        []string
	cwd         string
	env         map[string]string
	description string
	maxOutput   int64
}

// NewCLI builds the handler for a cli tool definition.
func NewCLI(def schema.ToolDefinition) (*CLI, error) {
	if def.Command == "" {
		return nil, schema.NewValidationError("command", "cli tool requires a command").WithTool(def.Name)
	}
	return &CLI{
		command:     def.Command,
		args:        def.Args,
		cwd:         def.Cwd,
		env:         def.Env,
		description: def.Description,
		maxOutput:   defaultMaxOutput,
	}, nil
}

// Schema returns the fixed cli contract.
func (c *CLI) Schema() registry.Schema {
	return registry.Schema{
		InputSchema:  json.RawMessage(cliInputSchema),
		OutputSchema: json.RawMessage(cliOutputSchema),
		Description:  c.description,
	}
}

// Handle runs the command and waits for it. Cancelling ctx kills the process.
func (c *CLI) Handle(ctx context.Context, input any) (any, error) {
	params, err := objectInput(input)
	if err != nil {
		return nil, schema.NewValidationError("", err.Error())
	}

	args := append(append([]string{}, c.args...), stringSlice(params, "args")...)
	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = c.cwd
	cmd.WaitDelay = killGrace

	extra := stringMap(params, "env")
	if len(c.env) > 0 || len(extra) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		for k, v := range extra {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdin, ok := params["stdin"].(string); ok && stdin != "" {
		cmd.Stdin = bytes.NewBufferString(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: c.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: c.maxOutput}

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, resilience.ContextError(ctxErr)
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, schema.NewHandlerError(fmt.Sprintf("execute %q: %v", c.command, runErr)).WithCause(runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}, nil
}

var _ registry.Handler = (*CLI)(nil)

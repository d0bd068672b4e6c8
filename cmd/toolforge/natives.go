package main

import (
	"context"
	"time"

	"github.com/rendis/toolforge/internal/registry"
)

type nowResult struct {
	Time string `json:"time"`
	Unix int64  `json:"unix"`
}

type sleepInput struct {
	Ms int64 `json:"ms" jsonschema:"minimum=0,maximum=60000"`
}

type sleepResult struct {
	SleptMs int64 `json:"slept_ms"`
}

// natives are the Go handlers native tools can bind to from the binary.
func natives() map[string]registry.Handler {
	return map[string]registry.Handler{
		"echo": registry.NewFunc(registry.Schema{Description: "Return the input unchanged."},
			func(_ context.Context, input any) (any, error) { return input, nil }),
		"now": registry.MustTyped("Current time in UTC.",
			func(_ context.Context, _ struct{}) (nowResult, error) {
				t := time.Now().UTC()
				return nowResult{Time: t.Format(time.RFC3339Nano), Unix: t.Unix()}, nil
			}),
		"sleep": registry.MustTyped("Wait for ms milliseconds.",
			func(ctx context.Context, in sleepInput) (sleepResult, error) {
				t := time.NewTimer(time.Duration(in.Ms) * time.Millisecond)
				defer t.Stop()
				select {
				case <-t.C:
					return sleepResult{SleptMs: in.Ms}, nil
				case <-ctx.Done():
					return sleepResult{}, ctx.Err()
				}
			}),
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rendis/toolforge/internal/logging"
)

func newCallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [json-input|-]",
		Short: "Dispatch one tool and print its output as JSON",
		Long:  "Dispatch one tool through the full middleware, retry and breaker stack. Input is a JSON object given inline, read from stdin with '-', or {} when omitted.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}

			f, err := a.build(cmd.Context(), a.logger(cmd))
			if err != nil {
				return err
			}
			defer f.Close()

			out, err := f.Call(cmd.Context(), args[0], input)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newToolsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := a.build(cmd.Context(), logging.Discard())
			if err != nil {
				return err
			}
			defer f.Close()

			tools := f.Registry.List()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tools)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDESCRIPTION")
			for _, t := range tools {
				fmt.Fprintf(tw, "%s\t%s\n", t.Name, t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tools with their input schemas as JSON")
	return cmd
}

// readInput decodes the optional input argument.
func readInput(stdin io.Reader, args []string) (any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	var r io.Reader = strings.NewReader(args[0])
	if args[0] == "-" {
		r = stdin
	}
	var input any
	if err := json.NewDecoder(r).Decode(&input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return input, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

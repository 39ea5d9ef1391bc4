package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/spantree"
)

func newTreeCommand(opts *rootOptions) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "tree <file>",
		Short: "Render the span tree of a span batch",
		Long: `Render the span tree of a span batch as an indented outline.

With --mode the spans are printed flattened instead, one per line, in
outside-in (parents first) or inside-out (children first) order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spans, err := loadSpans(args[0])
			if err != nil {
				return err
			}
			f := spantree.Build(spans)

			if mode != "" {
				m, ok := spantree.ParseMode(mode)
				if !ok {
					return fmt.Errorf("--mode must be %q or %q, got %q", spantree.OutsideIn, spantree.InsideOut, mode)
				}
				flat := f.Flatten(m)
				if opts.json {
					return printJSON(cmd, flat)
				}
				for _, s := range flat {
					fmt.Fprintln(cmd.OutOrStdout(), spanLine(s))
				}
				return nil
			}

			if opts.json {
				return printJSON(cmd, f.Tree())
			}
			ordered, depths := f.Depths()
			for i, s := range ordered {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Repeat("  ", depths[i])+spanLine(s))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Print flattened spans: outside-in or inside-out")
	return cmd
}

// spanLine renders one span as "<type> <name> (<id>) <duration>ms".
func spanLine(s model.Span) string {
	var sb strings.Builder
	sb.WriteString(string(s.Type))
	if name := s.DisplayName(); name != "" {
		sb.WriteString(" " + name)
	}
	fmt.Fprintf(&sb, " (%s)", s.SpanID)
	if s.Timestamps.FinishedAt > 0 {
		fmt.Fprintf(&sb, " %dms", s.Timestamps.FinishedAt-s.Timestamps.StartedAt)
	}
	if s.Error != nil {
		sb.WriteString(" [error]")
	}
	return sb.String()
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

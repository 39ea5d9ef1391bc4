package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kansoku/internal/spantext"
)

func newSummarizeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <file>",
		Short: "Print the input and output text of a span batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spans, err := loadSpans(args[0])
			if err != nil {
				return err
			}
			sum := spantext.Summarize(spans)

			if opts.json {
				data, err := json.MarshalIndent(sum, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal summary: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "input:  %s\n", sum.Input)
			fmt.Fprintf(cmd.OutOrStdout(), "output: %s\n", sum.Output)
			return nil
		},
	}
}

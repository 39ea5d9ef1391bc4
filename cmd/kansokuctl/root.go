package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	json bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "kansokuctl",
		Short: "Inspect LLM trace span batches",
		Long: `kansokuctl reads a span batch from a JSON or YAML file (a bare span
array, a collector payload, or a summarize request) and shows what the
Kansoku collector derives from it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Output in JSON format")

	cmd.AddCommand(
		newSummarizeCommand(opts),
		newTreeCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{Version: version, GoVersion: runtime.Version()}
			if opts.json {
				return printJSON(cmd, info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kansokuctl version %s (%s)\n", info.Version, info.GoVersion)
			return nil
		},
	}
}

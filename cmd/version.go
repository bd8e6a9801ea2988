package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/recorder/internal/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Git commit: %s\n", info.GitCommit)
			fmt.Fprintf(out, "Built:      %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "OS/Arch:    %s\n", info.Platform)
		},
	}
}

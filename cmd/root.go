package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/babelcloud/gbox/packages/recorder/internal/version"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "gbox-recorder",
		Short: "Record the screen and microphone into an MP4 or WebM file",
		Long: `gbox-recorder captures a screen surface and the microphone, encodes them to
H.264 and AAC and muxes both streams into a single container file.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose || util.IsVerbose())
			util.SetupGlobalLogger()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Fprintln(cmd.OutOrStdout(), version.Get().Short())
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewInspectCommand())
	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(NewVersionCommand())
}

package cmd

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/recorder/config"
)

func NewConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings as TOML",
		Long: `Print the settings record uses, after applying the config file and the
GBOX_RECORDER_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := toml.Marshal(config.RecorderSettings())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if file := config.ConfigFileUsed(); file != "" {
				fmt.Fprintf(out, "# loaded from %s\n", file)
			}
			_, err = out.Write(data)
			return err
		},
	}
}

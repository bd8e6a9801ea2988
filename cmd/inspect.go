package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/muxer"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

type InspectOptions struct {
	OutputFormat string
}

func NewInspectCommand() *cobra.Command {
	opts := &InspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show the tracks of a recorded MP4 file",
		Example: `  gbox-recorder inspect 1718000000000.mp4
  gbox-recorder inspect --output json demo.mp4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func runInspect(out io.Writer, path string, opts *InspectOptions) error {
	summary, err := muxer.Inspect(path)
	if err != nil {
		return errors.Wrapf(err, "inspect %s", path)
	}

	switch opts.OutputFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	case "text":
	default:
		return errors.Errorf("unknown output format %q", opts.OutputFormat)
	}

	layout := "progressive"
	if summary.Fragmented {
		layout = fmt.Sprintf("fragmented, %d fragments", summary.Fragments)
	}
	fmt.Fprintf(out, "%s  brand %s, %s\n\n", color.CyanString(path), summary.MajorBrand, layout)

	rows := make([]map[string]interface{}, 0, len(summary.Tracks))
	for _, tr := range summary.Tracks {
		detail := "-"
		switch {
		case tr.Width > 0:
			detail = fmt.Sprintf("%dx%d", tr.Width, tr.Height)
		case tr.Channels > 0:
			detail = fmt.Sprintf("%d ch", tr.Channels)
		}
		rows = append(rows, map[string]interface{}{
			"id":        tr.ID,
			"codec":     tr.Codec,
			"detail":    detail,
			"samples":   tr.Samples,
			"duration":  tr.Duration.Round(time.Millisecond),
			"timescale": tr.TimeScale,
		})
	}
	util.RenderTable(out, []util.TableColumn{
		{Header: "ID", Key: "id"},
		{Header: "CODEC", Key: "codec"},
		{Header: "DETAIL", Key: "detail"},
		{Header: "SAMPLES", Key: "samples"},
		{Header: "DURATION", Key: "duration"},
		{Header: "TIMESCALE", Key: "timescale"},
	}, rows)
	return nil
}

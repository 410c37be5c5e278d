package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smazurov/v4lstream/internal/logging"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
	"github.com/smazurov/v4lstream/pkg/linuxav/v4l2"
)

// CreateInfoCmd creates the info command.
func CreateInfoCmd() *cobra.Command {
	var direction string
	var framerates bool

	cmd := &cobra.Command{
		Use:   "info <device>",
		Short: "Show device capabilities and formats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			dir, err := streamio.ParseDirection(direction)
			if err != nil {
				return err
			}

			dev, err := v4l2.Open(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()

			caps, err := dev.QueryCapabilities()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Device:\t%s\n", dev.Path())
			fmt.Fprintf(w, "Card:\t%s\n", caps.Card)
			fmt.Fprintf(w, "Driver:\t%s %s\n", caps.Driver, caps.VersionString())
			fmt.Fprintf(w, "Bus:\t%s\n", caps.BusInfo)
			fmt.Fprintf(w, "Capture:\t%v\n", caps.CanCapture())
			fmt.Fprintf(w, "Output:\t%v\n", caps.CanOutput())
			fmt.Fprintf(w, "Streaming:\t%v\n", caps.CanStream())
			if cur, err := dev.GetFormat(dir); err == nil {
				fmt.Fprintf(w, "Current %s format:\t%s\n", dir, cur)
			}
			w.Flush()

			formats, err := dev.GetFormats(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n%s formats:\n", dir)
			for _, f := range formats {
				var notes []string
				if f.Compressed {
					notes = append(notes, "compressed")
				}
				if f.Emulated {
					notes = append(notes, "emulated")
				}
				line := fmt.Sprintf("  %s  %s", v4l2.FormatFourCC(f.PixelFormat), f.FormatName)
				if len(notes) > 0 {
					line += " (" + strings.Join(notes, ", ") + ")"
				}
				fmt.Fprintln(out, line)

				sizes, err := dev.GetFrameSizes(f.PixelFormat)
				if err != nil {
					return err
				}
				for _, s := range sizes {
					fmt.Fprintf(out, "    %s%s\n", describeSize(s), describeRates(dev, framerates, f.PixelFormat, s))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&direction, "direction", "capture", "Queue to inspect: capture or output")
	cmd.Flags().BoolVar(&framerates, "framerates", false, "List frame rates of each size")

	return cmd
}

func describeSize(s v4l2.FrameSize) string {
	if !s.Stepwise {
		return fmt.Sprintf("%dx%d", s.Width, s.Height)
	}
	return fmt.Sprintf("%dx%d - %dx%d step %d/%d", s.Width, s.Height, s.MaxWidth, s.MaxHeight, s.StepWidth, s.StepHeight)
}

func describeRates(dev *v4l2.Device, enabled bool, pixelFormat uint32, s v4l2.FrameSize) string {
	if !enabled || s.Stepwise {
		return ""
	}
	rates, err := dev.GetFramerates(pixelFormat, s.Width, s.Height)
	if err != nil || len(rates) == 0 {
		return ""
	}
	fps := make([]string, 0, len(rates))
	for _, r := range rates {
		fps = append(fps, fmt.Sprintf("%.2f", r.FPS()))
	}
	return "  @ " + strings.Join(fps, ", ") + " fps"
}

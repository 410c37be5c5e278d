package cmd

import (
	"github.com/spf13/cobra"

	"github.com/smazurov/v4lstream/internal/capture"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
	"github.com/smazurov/v4lstream/pkg/linuxav/v4l2"
)

// CreateForwardCmd creates the forward command.
func CreateForwardCmd() *cobra.Command {
	var flags streamFlags

	cmd := &cobra.Command{
		Use:   "forward <capture-device> <output-device>",
		Short: "Copy frames from a capture device to an output device",
		Long: `Forwards every captured frame into an output device, for example a camera into ` +
			`v4l2loopback or a hardware encoder. The output device is set to the capture format first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.initLogging()

			inOpts, err := flags.options(args[0], streamio.Capture)
			if err != nil {
				return err
			}
			outOpts, err := flags.options(args[1], streamio.Output)
			if err != nil {
				return err
			}

			in, err := capture.Open(inOpts, nil)
			if err != nil {
				return err
			}
			defer in.Close()

			format, err := matchFormat(args[0], args[1])
			if err != nil {
				return err
			}
			outOpts.Format = format

			out, err := capture.Open(outOpts, nil)
			if err != nil {
				return err
			}
			defer out.Close()

			ctx, cancel := flags.context()
			defer cancel()
			watchRemovals(ctx, logger, in, out)

			logger.Info("Forwarding", "from", args[0], "to", args[1], "format", format.String())
			res, err := capture.Forward(ctx, in, out, flags.frames)
			printResult(cmd.ErrOrStderr(), res)
			if !finished(err) {
				return err
			}
			return nil
		},
	}

	flags.bind(cmd)
	return cmd
}

// matchFormat sets the output format of outPath to the capture format of
// inPath through short-lived handles.
func matchFormat(inPath, outPath string) (v4l2.Format, error) {
	in, err := v4l2.Open(inPath)
	if err != nil {
		return v4l2.Format{}, err
	}
	defer in.Close()
	out, err := v4l2.Open(outPath)
	if err != nil {
		return v4l2.Format{}, err
	}
	defer out.Close()
	return capture.ForwardFormat(in, out)
}

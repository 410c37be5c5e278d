package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/smazurov/v4lstream/internal/capture"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
)

// CreateOutputCmd creates the output command.
func CreateOutputCmd() *cobra.Command {
	var flags streamFlags
	var frameSize int

	cmd := &cobra.Command{
		Use:   "output <device> <file>",
		Short: "Send raw frames from a file to an output device",
		Long: `Feeds a V4L2 output device, such as a loopback or an encoder, with consecutive ` +
			`--frame-size chunks of a raw file ("-" for stdin). The frame size defaults to the ` +
			`image size of the negotiated format.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.initLogging()

			opts, err := flags.options(args[0], streamio.Output)
			if err != nil {
				return err
			}

			src := os.Stdin
			if args[1] != "-" {
				if src, err = os.Open(args[1]); err != nil {
					return err
				}
				defer src.Close()
			}

			session, err := capture.Open(opts, nil)
			if err != nil {
				return err
			}
			defer session.Close()

			size := frameSize
			if size == 0 {
				size = session.Status().BufferSize
			}

			ctx, cancel := flags.context()
			defer cancel()
			watchRemovals(ctx, logger, session)

			logger.Info("Sending frames", "device", opts.DevicePath, "frame_size", size, "format", session.Status().Format)
			res, err := session.Output(ctx, src, size, flags.frames)
			printResult(cmd.ErrOrStderr(), res)
			if !finished(err) {
				return err
			}
			return nil
		},
	}

	flags.bind(cmd)
	cmd.Flags().IntVar(&frameSize, "frame-size", 0, "Bytes per frame (default: buffer size)")

	return cmd
}

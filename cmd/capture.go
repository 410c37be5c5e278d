package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smazurov/v4lstream/internal/capture"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
)

// CreateCaptureCmd creates the capture command.
func CreateCaptureCmd() *cobra.Command {
	var flags streamFlags
	var outFile string
	var outDir string

	cmd := &cobra.Command{
		Use:   "capture <device>",
		Short: "Capture frames from a video device",
		Long: `Streams frames from a V4L2 capture device. Frames are concatenated into --out ` +
			`("-" for stdout), written one file per frame into --dir, or discarded to measure the frame rate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.initLogging()

			opts, err := flags.options(args[0], streamio.Capture)
			if err != nil {
				return err
			}

			var sink capture.Sink = capture.DiscardSink{}
			switch {
			case outFile != "" && outDir != "":
				return fmt.Errorf("--out and --dir are mutually exclusive")
			case outFile == "-":
				sink = capture.WriterSink{W: cmd.OutOrStdout()}
			case outFile != "":
				f, err := os.Create(outFile)
				if err != nil {
					return err
				}
				defer f.Close()
				sink = capture.WriterSink{W: f}
			case outDir != "":
				sink = capture.FileSink{Dir: outDir}
			}

			session, err := capture.Open(opts, nil)
			if err != nil {
				return err
			}
			defer session.Close()

			ctx, cancel := flags.context()
			defer cancel()
			watchRemovals(ctx, logger, session)

			logger.Info("Capturing", "device", opts.DevicePath, "format", session.Status().Format)
			res, err := session.Capture(ctx, sink, flags.frames)
			printResult(cmd.ErrOrStderr(), res)
			if !finished(err) {
				return err
			}
			return nil
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVarP(&outFile, "out", "o", "", `Write raw frames to this file ("-" for stdout)`)
	cmd.Flags().StringVar(&outDir, "dir", "", "Write each frame to its own file in this directory")

	return cmd
}

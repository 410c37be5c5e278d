// Package cmd holds the one-shot subcommands: device inspection, capture,
// output and forwarding.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/v4lstream/internal/capture"
	"github.com/smazurov/v4lstream/internal/logging"
	"github.com/smazurov/v4lstream/pkg/linuxav/hotplug"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
	"github.com/smazurov/v4lstream/pkg/linuxav/v4l2"
)

// streamFlags are the stream setup flags shared by capture, output and
// forward.
type streamFlags struct {
	memory          string
	buffers         uint32
	nonBlocking     bool
	pollInterval    time.Duration
	maxPollAttempts int
	pixelFormat     string
	width           uint32
	height          uint32
	frames          int
	duration        time.Duration
	logLevel        string
	logJSON         bool
}

func (f *streamFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.memory, "memory", "mmap", "Memory transport: mmap, userptr or dmabuf")
	flags.Uint32Var(&f.buffers, "buffers", 4, "Number of buffers to request")
	flags.BoolVar(&f.nonBlocking, "nonblocking", false, "Return immediately when no buffer is ready and retry")
	flags.DurationVar(&f.pollInterval, "poll-interval", 100*time.Millisecond, "Wait per poll for a buffer")
	flags.IntVar(&f.maxPollAttempts, "max-poll-attempts", 0, "Polls per dequeue before giving up (0 uses the default)")
	flags.StringVar(&f.pixelFormat, "format", "", "Pixel format fourcc, e.g. YUYV or MJPG (default: keep current)")
	flags.Uint32Var(&f.width, "width", 0, "Frame width (default: keep current)")
	flags.Uint32Var(&f.height, "height", 0, "Frame height (default: keep current)")
	flags.IntVarP(&f.frames, "frames", "n", 0, "Stop after this many frames (0 means no limit)")
	flags.DurationVar(&f.duration, "duration", 0, "Stop after this long (0 means no limit)")
	flags.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&f.logJSON, "log-json", false, "Use JSON log format")
}

func (f *streamFlags) initLogging() *slog.Logger {
	cfg := logging.Config{Level: f.logLevel, Format: "text"}
	if f.logJSON {
		cfg.Format = "json"
	}
	logging.Initialize(cfg)
	return logging.GetLogger("cmd")
}

func (f *streamFlags) options(device string, dir streamio.Direction) (capture.Options, error) {
	mem, err := streamio.ParseMemory(f.memory)
	if err != nil {
		return capture.Options{}, err
	}
	opts := capture.Options{
		DevicePath:      device,
		Direction:       dir,
		Memory:          mem,
		Buffers:         f.buffers,
		NonBlocking:     f.nonBlocking,
		PollInterval:    f.pollInterval,
		MaxPollAttempts: f.maxPollAttempts,
		Format:          v4l2.Format{Width: f.width, Height: f.height},
	}
	if f.pixelFormat != "" {
		if opts.Format.PixelFormat, err = v4l2.ParseFourCC(f.pixelFormat); err != nil {
			return capture.Options{}, err
		}
	}
	return opts, nil
}

// context returns a context cancelled on SIGINT, SIGTERM or after the
// --duration limit.
func (f *streamFlags) context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if f.duration <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, f.duration)
	return ctx, func() {
		cancel()
		stop()
	}
}

// watchRemovals stops the sessions' streams as soon as their nodes are
// unplugged. Running without hotplug only delays noticing a removal.
func watchRemovals(ctx context.Context, logger *slog.Logger, sessions ...*capture.Session) {
	w := hotplug.NewRemovalWatcher()
	if err := w.Listen(ctx); err != nil {
		logger.Warn("Hotplug monitoring unavailable", "error", err)
		return
	}
	for _, s := range sessions {
		s.WatchRemoval(w)
	}
}

func printResult(w io.Writer, res capture.Result) {
	fmt.Fprintf(w, "%d frames, %d bytes, %d dropped in %s (%.2f fps, %.2f MiB/s)\n",
		res.Frames, res.Bytes, res.Dropped, res.Duration.Round(time.Millisecond), res.FPS(), res.Throughput())
}

// finished reports whether err ends a run normally.
func finished(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

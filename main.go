package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/v4lstream/cmd"
	"github.com/smazurov/v4lstream/internal/api"
	"github.com/smazurov/v4lstream/internal/capture"
	"github.com/smazurov/v4lstream/internal/config"
	"github.com/smazurov/v4lstream/internal/events"
	"github.com/smazurov/v4lstream/internal/logging"
	"github.com/smazurov/v4lstream/internal/metrics"
	"github.com/smazurov/v4lstream/internal/systemd"
	"github.com/smazurov/v4lstream/pkg/linuxav/hotplug"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
	"github.com/smazurov/v4lstream/pkg/linuxav/v4l2"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Listen       string `help:"Address of the HTTP API" short:"l" default:":8091" toml:"server.listen" env:"SERVER_LISTEN"`
	AuthUsername string `help:"Basic auth username (empty disables auth)" default:"" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Device settings
	DevicePath            string `help:"Video device node" default:"/dev/video0" toml:"device.path" env:"DEVICE_PATH"`
	DeviceDirection       string `help:"Queue direction (capture, output)" default:"capture" toml:"device.direction" env:"DEVICE_DIRECTION"`
	DeviceMemory          string `help:"Memory transport (mmap, userptr, dmabuf)" default:"mmap" toml:"device.memory" env:"DEVICE_MEMORY"`
	DeviceBuffers         int    `help:"Number of buffers to request" default:"4" toml:"device.buffers" env:"DEVICE_BUFFERS"`
	DeviceNonblocking     bool   `help:"Retry instead of waiting when no buffer is ready" default:"false" toml:"device.nonblocking" env:"DEVICE_NONBLOCKING"`
	DevicePollInterval    string `help:"Wait per poll for a buffer" default:"100ms" toml:"device.poll_interval" env:"DEVICE_POLL_INTERVAL"`
	DeviceMaxPollAttempts int    `help:"Polls per dequeue before giving up (0 uses the default)" default:"0" toml:"device.max_poll_attempts" env:"DEVICE_MAX_POLL_ATTEMPTS"`

	// Format settings
	FormatPixelFormat string `help:"Pixel format fourcc (empty keeps the current one)" default:"" toml:"format.pixel_format" env:"FORMAT_PIXEL_FORMAT"`
	FormatWidth       int    `help:"Frame width (0 keeps the current one)" default:"0" toml:"format.width" env:"FORMAT_WIDTH"`
	FormatHeight      int    `help:"Frame height (0 keeps the current one)" default:"0" toml:"format.height" env:"FORMAT_HEIGHT"`

	// Capture settings
	CaptureDir    string `help:"Write captured frames to this directory (empty discards them)" default:"" toml:"capture.dir" env:"CAPTURE_DIR"`
	CaptureSource string `help:"Raw file fed to an output device" default:"" toml:"capture.source" env:"CAPTURE_SOURCE"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingCapture  string `help:"Capture session logging level" default:"info" toml:"logging.capture" env:"LOGGING_CAPTURE"`
	LoggingStreamio string `help:"Buffer queue logging level" default:"info" toml:"logging.streamio" env:"LOGGING_STREAMIO"`
	LoggingAPI      string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHTTP     string `help:"HTTP request logging level" default:"info" toml:"logging.http" env:"LOGGING_HTTP"`
}

// sessionOptions converts the flat CLI options into a session setup.
func sessionOptions(opts *Options) (capture.Options, error) {
	dir, err := streamio.ParseDirection(opts.DeviceDirection)
	if err != nil {
		return capture.Options{}, err
	}
	mem, err := streamio.ParseMemory(opts.DeviceMemory)
	if err != nil {
		return capture.Options{}, err
	}
	interval, err := time.ParseDuration(opts.DevicePollInterval)
	if err != nil {
		return capture.Options{}, err
	}
	if opts.DeviceBuffers <= 0 {
		return capture.Options{}, fmt.Errorf("invalid buffer count %d", opts.DeviceBuffers)
	}
	if opts.FormatWidth < 0 || opts.FormatHeight < 0 {
		return capture.Options{}, fmt.Errorf("invalid frame size %dx%d", opts.FormatWidth, opts.FormatHeight)
	}

	so := capture.Options{
		DevicePath:      opts.DevicePath,
		Direction:       dir,
		Memory:          mem,
		Buffers:         uint32(opts.DeviceBuffers),
		NonBlocking:     opts.DeviceNonblocking,
		PollInterval:    interval,
		MaxPollAttempts: opts.DeviceMaxPollAttempts,
		Format:          v4l2.Format{Width: uint32(opts.FormatWidth), Height: uint32(opts.FormatHeight)},
	}
	if opts.FormatPixelFormat != "" {
		if so.Format.PixelFormat, err = v4l2.ParseFourCC(opts.FormatPixelFormat); err != nil {
			return capture.Options{}, err
		}
	}
	return so, nil
}

// runSession streams until ctx is done or the device fails.
func runSession(ctx context.Context, session *capture.Session, opts *Options, logger *slog.Logger) {
	var err error
	switch session.Direction() {
	case streamio.Output:
		if opts.CaptureSource == "" {
			logger.Warn("No capture.source configured, output device left idle")
			return
		}
		f, openErr := os.Open(opts.CaptureSource)
		if openErr != nil {
			logger.Error("Failed to open output source", "error", openErr)
			return
		}
		defer f.Close()
		_, err = session.Output(ctx, f, session.Status().BufferSize, 0)
	default:
		var sink capture.Sink = capture.DiscardSink{}
		if opts.CaptureDir != "" {
			sink = capture.FileSink{Dir: opts.CaptureDir}
		}
		_, err = session.Capture(ctx, sink, 0)
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, streamio.ErrDisconnected):
		logger.Warn("Device disconnected, stream stopped", "device", session.DevicePath())
	default:
		logger.Error("Stream stopped", "error", err)
	}
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"capture":  opts.LoggingCapture,
				"streamio": opts.LoggingStreamio,
				"api":      opts.LoggingAPI,
				"http":     opts.LoggingHTTP,
			},
		})
		logger := logging.GetLogger("main")

		eventBus := events.New()
		ctx, cancel := context.WithCancel(context.Background())

		notifier := systemd.NewNotifier(logging.GetLogger("systemd"))

		var (
			session    *capture.Session
			server     *api.Server
			logWatcher *config.Watcher[logging.Config]
			stopStatus func()
			wg         sync.WaitGroup
		)

		hooks.OnStart(func() {
			sessionOpts, err := sessionOptions(opts)
			if err != nil {
				logger.Error("Invalid device settings", "error", err)
				os.Exit(1)
			}
			session, err = capture.Open(sessionOpts, eventBus)
			if err != nil {
				logger.Error("Failed to open device", "device", sessionOpts.DevicePath, "error", err)
				os.Exit(1)
			}

			removals := hotplug.NewRemovalWatcher()
			if listenErr := removals.Listen(ctx); listenErr != nil {
				logger.Warn("Hotplug monitoring unavailable", "error", listenErr)
			} else {
				session.WatchRemoval(removals)
			}

			// Log levels follow the [logging] table of the config file.
			logWatcher = config.NewConfigWatcher(opts.Config, config.ReadLoggingConfig, logger)
			logWatcher.OnReload(func(cfg logging.Config) {
				logging.SetLevels(cfg.Level, cfg.Modules)
				logger.Info("Log levels reloaded", "level", cfg.Level)
			})
			if watchErr := logWatcher.Start(); watchErr != nil {
				logger.Warn("Failed to start config watcher, hot-reload disabled", "error", watchErr)
				logWatcher = nil
			}

			collector := metrics.NewStreamCollector()
			collector.Add(session.DevicePath(), session.Direction(), session)

			server = api.NewServer(&api.Options{
				AuthUsername:   opts.AuthUsername,
				AuthPassword:   opts.AuthPassword,
				Sessions:       []api.Session{session},
				EventBus:       eventBus,
				MetricsHandler: metrics.Handler(metrics.NewRegistry(collector)),
			})

			stopStatus = notifier.ReportStreamState(eventBus)
			go notifier.RunWatchdog(ctx)

			wg.Add(1)
			go func() {
				defer wg.Done()
				runSession(ctx, session, opts, logger)
			}()

			notifier.Ready()

			if startErr := server.Start(opts.Listen); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			notifier.Stopping()
			if server != nil {
				if stopErr := server.Stop(); stopErr != nil {
					logger.Error("Error stopping HTTP server", "error", stopErr)
				}
			}
			cancel()
			wg.Wait()
			if stopStatus != nil {
				stopStatus()
			}
			if logWatcher != nil {
				_ = logWatcher.Stop()
			}
			if session != nil {
				if closeErr := session.Close(); closeErr != nil {
					logger.Error("Error closing session", "error", closeErr)
				}
			}
		})
	})

	cli.Root().AddCommand(
		cmd.CreateInfoCmd(),
		cmd.CreateCaptureCmd(),
		cmd.CreateOutputCmd(),
		cmd.CreateForwardCmd(),
	)

	cli.Run()
}

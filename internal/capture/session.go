// Package capture runs streams against real devices: capturing frames into
// sinks, feeding output devices from raw files and forwarding one device
// into another.
package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/v4lstream/internal/events"
	"github.com/smazurov/v4lstream/internal/logging"
	"github.com/smazurov/v4lstream/pkg/linuxav/hotplug"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
	"github.com/smazurov/v4lstream/pkg/linuxav/v4l2"
)

// Blocking sessions give up on a dequeue after this many poll intervals so
// the run loop can look at its context.
const defaultMaxPollAttempts = 5

// Options describes the stream a Session sets up.
type Options struct {
	DevicePath      string
	Direction       streamio.Direction
	Memory          streamio.Memory
	Buffers         uint32
	BufferSize      int   // USERPTR only; defaults to the format's image size
	Handles         []int // DMABUF only
	NonBlocking     bool
	PollInterval    time.Duration
	MaxPollAttempts int

	// Format is applied with VIDIOC_S_FMT by Open when PixelFormat or a
	// size is set.
	Format v4l2.Format
}

// DefaultOptions returns a four buffer MMAP capture on /dev/video0.
func DefaultOptions() Options {
	return Options{
		DevicePath:   "/dev/video0",
		Direction:    streamio.Capture,
		Memory:       streamio.MemoryMMAP,
		Buffers:      4,
		PollInterval: 100 * time.Millisecond,
	}
}

// Status is a point-in-time view of a session, served by the API.
type Status struct {
	Device     string   `json:"device" example:"/dev/video0" doc:"Device node"`
	Direction  string   `json:"direction" example:"capture" doc:"Queue direction"`
	Memory     string   `json:"memory" example:"mmap" doc:"Memory transport"`
	Buffers    int      `json:"buffers" example:"4" doc:"Buffers in the arena"`
	BufferSize int      `json:"buffer_size" doc:"Size of the largest buffer in bytes"`
	Format     string   `json:"format,omitempty" example:"YUYV 640x480 (614400 bytes)" doc:"Negotiated pixel format"`
	State      string   `json:"state" example:"streaming" doc:"Stream state"`
	Uptime     string   `json:"uptime" doc:"Time since the session was created"`
	Counters   Counters `json:"counters" doc:"Stream counters"`
}

// Counters mirrors streamio.Stats for JSON.
type Counters struct {
	Queued          int    `json:"queued" doc:"Buffers owned by the driver"`
	Outstanding     bool   `json:"outstanding" doc:"Whether the application holds a buffer"`
	Frames          uint64 `json:"frames" doc:"Buffers dequeued"`
	Bytes           uint64 `json:"bytes" doc:"Payload bytes dequeued"`
	Dropped         uint64 `json:"dropped" doc:"Frames missing from the driver sequence"`
	Corrupted       uint64 `json:"corrupted" doc:"Buffers flagged with an error"`
	WouldBlock      uint64 `json:"would_block" doc:"Dequeues that found nothing ready"`
	Errors          uint64 `json:"errors" doc:"Failed driver calls"`
	RequeueFailures uint64 `json:"requeue_failures" doc:"Failed buffer hand-backs"`
	LastSequence    uint64 `json:"last_sequence" doc:"Sequence number of the latest buffer"`
}

func countersOf(st streamio.Stats) Counters {
	return Counters{
		Queued:          st.Queued,
		Outstanding:     st.Outstanding,
		Frames:          st.Frames,
		Bytes:           st.Bytes,
		Dropped:         st.Dropped,
		Corrupted:       st.Corrupted,
		WouldBlock:      st.WouldBlock,
		Errors:          st.Errors,
		RequeueFailures: st.RequeueFailures,
		LastSequence:    st.LastSequence,
	}
}

// Session owns one device and the Arena and Stream built on it.
type Session struct {
	opts   Options
	dev    streamio.Device
	closer io.Closer
	stream *streamio.Stream
	bus    *events.Bus
	logger *slog.Logger
	format string
	since  time.Time

	mu          sync.Mutex
	removed     bool
	cancelWatch func()
	closed      bool
}

// Open opens opts.DevicePath, negotiates the format and sets up the stream.
// bus may be nil.
func Open(opts Options, bus *events.Bus) (*Session, error) {
	dev, err := v4l2.Open(opts.DevicePath)
	if err != nil {
		return nil, err
	}

	caps, err := dev.QueryCapabilities()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to query %s: %w", opts.DevicePath, err)
	}
	if !caps.CanStream() {
		dev.Close()
		return nil, fmt.Errorf("%s (%s) does not support streaming I/O", opts.DevicePath, caps.Card)
	}
	if (opts.Direction == streamio.Capture && !caps.CanCapture()) ||
		(opts.Direction == streamio.Output && !caps.CanOutput()) {
		dev.Close()
		return nil, fmt.Errorf("%s (%s) is not a %s device", opts.DevicePath, caps.Card, opts.Direction)
	}

	format, err := negotiate(dev, opts)
	if err != nil {
		dev.Close()
		return nil, err
	}
	if opts.Memory == streamio.MemoryUserPtr && opts.BufferSize == 0 {
		opts.BufferSize = int(format.SizeImage)
	}

	s, err := NewSession(dev, opts, bus)
	if err != nil {
		dev.Close()
		return nil, err
	}
	s.closer = dev
	s.format = format.String()
	return s, nil
}

func negotiate(dev *v4l2.Device, opts Options) (v4l2.Format, error) {
	want := opts.Format
	if want.PixelFormat == 0 && want.Width == 0 && want.Height == 0 {
		return dev.GetFormat(opts.Direction)
	}

	cur, err := dev.GetFormat(opts.Direction)
	if err != nil {
		return v4l2.Format{}, err
	}
	if want.PixelFormat == 0 {
		want.PixelFormat = cur.PixelFormat
	}
	if want.Width == 0 || want.Height == 0 {
		want.Width, want.Height = cur.Width, cur.Height
	}
	return dev.SetFormat(opts.Direction, want)
}

// NewSession builds the Arena and Stream on an already open device. The
// session does not close dev.
func NewSession(dev streamio.Device, opts Options, bus *events.Bus) (*Session, error) {
	s := &Session{
		opts:   opts,
		dev:    dev,
		bus:    bus,
		logger: logging.GetLogger("capture").With("device", opts.DevicePath),
		since:  time.Now(),
	}

	arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
		Direction: opts.Direction,
		Memory:    opts.Memory,
		Count:     opts.Buffers,
		Size:      opts.BufferSize,
		Handles:   opts.Handles,
		Logger:    logging.GetLogger("streamio").With("device", opts.DevicePath),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up %s buffers on %s: %w", opts.Memory, opts.DevicePath, err)
	}

	maxAttempts := opts.MaxPollAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxPollAttempts
	}
	streamOpts := []streamio.Option{
		streamio.WithPollInterval(opts.PollInterval),
		streamio.WithMaxPollAttempts(maxAttempts),
		streamio.WithLogger(logging.GetLogger("streamio").With("device", opts.DevicePath)),
		streamio.WithStateObserver(s.stateChanged),
	}
	if opts.NonBlocking {
		streamOpts = append(streamOpts, streamio.WithNonBlocking())
	}

	stream, err := streamio.NewStream(arena, streamOpts...)
	if err != nil {
		arena.Release()
		return nil, err
	}
	s.stream = stream

	s.logger.Info("Session ready",
		"direction", opts.Direction,
		"memory", opts.Memory,
		"buffers", arena.Len(),
		"buffer_size", arena.BufferSize())
	return s, nil
}

// Stream returns the underlying stream.
func (s *Session) Stream() *streamio.Stream {
	return s.stream
}

// DevicePath returns the device node of the session.
func (s *Session) DevicePath() string {
	return s.opts.DevicePath
}

// Direction returns the queue direction of the session.
func (s *Session) Direction() streamio.Direction {
	return s.opts.Direction
}

// Stats returns the stream counters.
func (s *Session) Stats() streamio.Stats {
	return s.stream.Stats()
}

// Status returns a snapshot for the status API.
func (s *Session) Status() Status {
	st := s.stream.Stats()
	arena := s.stream.Arena()
	return Status{
		Device:     s.opts.DevicePath,
		Direction:  s.opts.Direction.String(),
		Memory:     s.opts.Memory.String(),
		Buffers:    arena.Len(),
		BufferSize: arena.BufferSize(),
		Format:     s.format,
		State:      st.State.String(),
		Uptime:     time.Since(s.since).Round(time.Second).String(),
		Counters:   countersOf(st),
	}
}

// Start starts the stream. Starting a running session is a no-op.
func (s *Session) Start() error {
	if err := s.stream.Start(); err != nil {
		s.reportError(err)
		return err
	}
	return nil
}

// Stop stops the stream; it can be started again.
func (s *Session) Stop() error {
	return s.stream.Stop()
}

// WatchRemoval marks the device removed as soon as w sees its node go away,
// waking a blocked dequeue instead of waiting for the driver to fail.
func (s *Session) WatchRemoval(w *hotplug.RemovalWatcher) {
	cancel := w.Watch(s.opts.DevicePath, func() { s.DeviceRemoved("hotplug") })
	s.mu.Lock()
	s.cancelWatch = cancel
	s.mu.Unlock()
}

// DeviceRemoved records that the device is gone. Later driver calls fail
// with ENODEV and the stream moves to Disconnected.
func (s *Session) DeviceRemoved(source string) {
	if !s.markRemoved(source) {
		return
	}
	if r, ok := s.dev.(interface{ MarkRemoved() }); ok {
		r.MarkRemoved()
	}
}

// markRemoved publishes the removal once and reports whether this call did.
func (s *Session) markRemoved(source string) bool {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return false
	}
	s.removed = true
	s.mu.Unlock()

	s.logger.Warn("Device removed", "source", source)
	s.bus.Publish(events.DeviceRemovedEvent{
		DevicePath: s.opts.DevicePath,
		Source:     source,
		Timestamp:  now(),
	})
	return true
}

// Close stops the stream, releases every buffer and closes the device if
// the session opened it.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancelWatch
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.stream.Close()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}

// stateChanged runs under the stream lock. It must not call into the stream.
func (s *Session) stateChanged(from, to streamio.State) {
	s.bus.Publish(events.StreamStateChangedEvent{
		DevicePath: s.opts.DevicePath,
		Direction:  s.opts.Direction.String(),
		From:       from.String(),
		To:         to.String(),
		Timestamp:  now(),
	})
	if to == streamio.StateDisconnected {
		s.markRemoved("driver")
	}
}

func (s *Session) reportError(err error) {
	code := streamio.CodeOf(err)
	if code == streamio.CodeWouldBlock {
		return
	}
	s.logger.Error("Stream error", "code", code, "error", err)
	s.bus.Publish(events.StreamErrorEvent{
		DevicePath: s.opts.DevicePath,
		Code:       string(code),
		Error:      err.Error(),
		Timestamp:  now(),
	})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/smazurov/v4lstream/internal/events"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
	"github.com/smazurov/v4lstream/pkg/linuxav/v4l2"
)

// Result summarizes a run.
type Result struct {
	Frames   uint64
	Bytes    uint64
	Dropped  uint64
	Duration time.Duration
}

// FPS returns the average frame rate of the run.
func (r Result) FPS() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Frames) / r.Duration.Seconds()
}

// Throughput returns the average payload rate in MiB/s.
func (r Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Bytes) / (1 << 20) / r.Duration.Seconds()
}

// Capture writes frames to sink until frames have been captured (0 means
// until ctx is done). It starts the stream if needed.
func (s *Session) Capture(ctx context.Context, sink Sink, frames int) (Result, error) {
	if s.opts.Direction != streamio.Capture {
		return Result{}, fmt.Errorf("%s is set up for %s, not capture", s.opts.DevicePath, s.opts.Direction)
	}
	return s.run(ctx, frames, nil, func(it *streamio.Item) error {
		if err := sink.WriteFrame(it.Metadata(), it.Bytes()); err != nil {
			return fmt.Errorf("failed to write frame %d: %w", it.Metadata().Sequence, err)
		}
		return nil
	})
}

// Output fills output buffers with consecutive frameSize chunks of src
// until frames have been sent (0 means until src is exhausted). A short
// final chunk is sent as is.
func (s *Session) Output(ctx context.Context, src io.Reader, frameSize, frames int) (Result, error) {
	if s.opts.Direction != streamio.Output {
		return Result{}, fmt.Errorf("%s is set up for %s, not output", s.opts.DevicePath, s.opts.Direction)
	}
	if frameSize <= 0 {
		return Result{}, fmt.Errorf("invalid frame size %d", frameSize)
	}
	br := bufio.NewReaderSize(src, frameSize)
	more := func() (bool, error) {
		_, err := br.Peek(1)
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return err == nil, err
	}
	return s.run(ctx, frames, more, func(it *streamio.Item) error {
		buf, err := it.Buffer()
		if err != nil {
			return err
		}
		if frameSize > len(buf) {
			return fmt.Errorf("frame size %d exceeds buffer size %d", frameSize, len(buf))
		}
		n, err := io.ReadFull(br, buf[:frameSize])
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("failed to read frame: %w", err)
		}
		return it.SetBytesUsed(n)
	})
}

// Forward copies frames from the capture session in to the output session
// out until frames have been forwarded (0 means until ctx is done). Both
// sessions are started if needed.
func Forward(ctx context.Context, in, out *Session, frames int) (Result, error) {
	if in.opts.Direction != streamio.Capture || out.opts.Direction != streamio.Output {
		return Result{}, fmt.Errorf("forward needs a capture and an output session, got %s and %s",
			in.opts.Direction, out.opts.Direction)
	}
	if err := out.Start(); err != nil {
		return Result{}, err
	}
	return in.run(ctx, frames, nil, func(src *streamio.Item) error {
		dst, err := out.next(ctx)
		if err != nil {
			return err
		}
		if err := dst.Reset(); err == nil {
			_, err = dst.Write(src.Bytes())
		}
		if err != nil {
			return errors.Join(err, out.release(dst))
		}
		return out.release(dst)
	})
}

// ForwardFormat copies the capture format of in onto the output queue of
// out and fails unless out accepted it unchanged. Some drivers only size
// their output buffers once a format is set.
func ForwardFormat(in, out FormatDevice) (v4l2.Format, error) {
	src, err := in.GetFormat(streamio.Capture)
	if err != nil {
		return v4l2.Format{}, err
	}
	got, err := out.SetFormat(streamio.Output, src)
	if err != nil {
		return v4l2.Format{}, err
	}
	if got.Width != src.Width || got.Height != src.Height || got.PixelFormat != src.PixelFormat {
		return got, fmt.Errorf("output device does not accept %s, offered %s", src, got)
	}
	return got, nil
}

// FormatDevice is the format negotiation half of *v4l2.Device.
type FormatDevice interface {
	GetFormat(dir streamio.Direction) (v4l2.Format, error)
	SetFormat(dir streamio.Direction, f v4l2.Format) (v4l2.Format, error)
}

// run starts the stream and hands each dequeued item to handle until frames
// items were handled, more reports false, or ctx is done. more may be nil.
func (s *Session) run(ctx context.Context, frames int, more func() (bool, error), handle func(*streamio.Item) error) (Result, error) {
	if err := s.Start(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	before := s.stream.Stats()
	var res Result

	finish := func(err error) (Result, error) {
		res.Duration = time.Since(start)
		res.Dropped = s.stream.Stats().Dropped - before.Dropped
		s.bus.Publish(events.CaptureCompletedEvent{
			DevicePath: s.opts.DevicePath,
			Frames:     res.Frames,
			Bytes:      res.Bytes,
			Dropped:    res.Dropped,
			Duration:   res.Duration.Round(time.Millisecond).String(),
			Timestamp:  now(),
		})
		s.logger.Info("Run finished",
			"frames", res.Frames,
			"bytes", res.Bytes,
			"dropped", res.Dropped,
			"fps", fmt.Sprintf("%.2f", res.FPS()),
			"error", err)
		return res, err
	}

	for frames <= 0 || res.Frames < uint64(frames) {
		if more != nil {
			ok, err := more()
			if err != nil || !ok {
				return finish(err)
			}
		}

		it, err := s.next(ctx)
		if err != nil {
			return finish(err)
		}

		herr := handle(it)
		n := it.Len()
		if err := s.release(it); err != nil {
			return finish(err)
		}
		if herr != nil {
			return finish(herr)
		}
		res.Frames++
		res.Bytes += uint64(n)
	}
	return finish(nil)
}

// release hands it back. Only a disconnect is fatal; other re-enqueue
// failures are retried by the next dequeue.
func (s *Session) release(it *streamio.Item) error {
	err := it.Release()
	if err == nil {
		return nil
	}
	if streamio.CodeOf(err) == streamio.CodeDisconnected {
		return err
	}
	s.logger.Warn("Buffer re-enqueue failed, retrying on next dequeue", "index", it.Index(), "error", err)
	return nil
}

// next dequeues one item, retrying while the stream would block and ctx
// is live.
func (s *Session) next(ctx context.Context) (*streamio.Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it, err := s.stream.Next()
		if err == nil {
			return it, nil
		}
		if streamio.CodeOf(err) != streamio.CodeWouldBlock {
			s.reportError(err)
			return nil, err
		}
		if !s.opts.NonBlocking {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval()):
		}
	}
}

func (s *Session) pollInterval() time.Duration {
	if s.opts.PollInterval > 0 {
		return s.opts.PollInterval
	}
	return 100 * time.Millisecond
}

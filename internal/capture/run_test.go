package capture

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/smazurov/v4lstream/internal/events"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio/streamiotest"
	"github.com/smazurov/v4lstream/pkg/linuxav/v4l2"
)

func TestCaptureToWriter(t *testing.T) {
	bus := events.New()
	done := make(chan events.CaptureCompletedEvent, 1)
	defer bus.Subscribe(func(e events.CaptureCompletedEvent) { done <- e })()

	dev := streamiotest.New(streamiotest.Config{BufferLength: 64, AutoComplete: true})
	s := newTestSession(t, dev, testOptions(streamio.Capture), bus)

	var buf bytes.Buffer
	res, err := s.Capture(context.Background(), WriterSink{W: &buf}, 6)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if res.Frames != 6 {
		t.Errorf("Frames = %d, want 6", res.Frames)
	}
	if res.Bytes != 6*64 {
		t.Errorf("Bytes = %d, want %d", res.Bytes, 6*64)
	}
	if buf.Len() != 6*64 {
		t.Fatalf("sink got %d bytes, want %d", buf.Len(), 6*64)
	}
	for i := range 6 {
		frame := buf.Bytes()[i*64 : (i+1)*64]
		if !bytes.Equal(frame, bytes.Repeat([]byte{byte(i)}, 64)) {
			t.Errorf("frame %d = %v", i, frame[:4])
		}
	}

	select {
	case e := <-done:
		if e.Frames != 6 || e.Bytes != 6*64 || e.DevicePath != testNode {
			t.Errorf("completion event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion event")
	}
}

func TestCaptureMetadata(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{BufferLength: 32, AutoComplete: true})
	s := newTestSession(t, dev, testOptions(streamio.Capture), nil)

	var seqs []uint64
	sink := SinkFunc(func(meta streamio.Metadata, data []byte) error {
		seqs = append(seqs, meta.Sequence)
		if meta.BytesUsed != len(data) {
			t.Errorf("BytesUsed = %d, len(data) = %d", meta.BytesUsed, len(data))
		}
		return nil
	})
	if _, err := s.Capture(context.Background(), sink, 5); err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	for i, seq := range seqs {
		if seq != uint64(i) {
			t.Errorf("frame %d has sequence %d", i, seq)
		}
	}
	if st := s.Stats(); st.Outstanding {
		t.Error("item still outstanding after Capture")
	}
}

func TestCaptureSinkError(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{AutoComplete: true})
	s := newTestSession(t, dev, testOptions(streamio.Capture), nil)

	boom := errors.New("disk full")
	calls := 0
	res, err := s.Capture(context.Background(), SinkFunc(func(streamio.Metadata, []byte) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	}), 0)
	if !errors.Is(err, boom) {
		t.Fatalf("Capture() error = %v, want %v", err, boom)
	}
	if res.Frames != 2 {
		t.Errorf("Frames = %d, want 2", res.Frames)
	}
	if st := s.Stats(); st.Outstanding {
		t.Error("failed frame was not released")
	}
}

func TestCaptureContextCancel(t *testing.T) {
	tests := []struct {
		name        string
		nonBlocking bool
	}{
		{name: "blocking"},
		{name: "non-blocking", nonBlocking: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := streamiotest.New(streamiotest.Config{})
			opts := testOptions(streamio.Capture)
			opts.NonBlocking = tt.nonBlocking
			s := newTestSession(t, dev, opts, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			res, err := s.Capture(ctx, DiscardSink{}, 0)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("Capture() error = %v, want deadline exceeded", err)
			}
			if res.Frames != 0 {
				t.Errorf("Frames = %d, want 0", res.Frames)
			}
			if s.Stats().WouldBlock == 0 {
				t.Error("WouldBlock = 0, want at least one empty dequeue")
			}
		})
	}
}

func TestCaptureNonBlockingDelivery(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{BufferLength: 16})
	opts := testOptions(streamio.Capture)
	opts.NonBlocking = true
	s := newTestSession(t, dev, opts, nil)

	go func() {
		for completed := 0; completed < 3; {
			if dev.Complete(16) {
				completed++
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Capture(ctx, DiscardSink{}, 3)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if res.Frames != 3 || res.Bytes != 48 {
		t.Errorf("Result = %+v, want 3 frames of 16 bytes", res)
	}
}

func TestCaptureDisconnect(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{})
	s := newTestSession(t, dev, testOptions(streamio.Capture), nil)

	time.AfterFunc(20*time.Millisecond, dev.Disconnect)

	_, err := s.Capture(context.Background(), DiscardSink{}, 0)
	if !errors.Is(err, streamio.ErrDisconnected) {
		t.Fatalf("Capture() error = %v, want disconnected", err)
	}
	if _, err := s.Capture(context.Background(), DiscardSink{}, 1); !errors.Is(err, streamio.ErrDisconnected) {
		t.Errorf("Capture() after disconnect error = %v, want disconnected", err)
	}
}

func TestOutputFromReader(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{BufferLength: 16, AutoComplete: true})
	opts := testOptions(streamio.Output)
	opts.Buffers = 2
	s := newTestSession(t, dev, opts, nil)

	src := make([]byte, 40)
	for i := range src {
		src[i] = byte(i)
	}
	res, err := s.Output(context.Background(), bytes.NewReader(src), 16, 0)
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if res.Frames != 3 || res.Bytes != 40 {
		t.Errorf("Result = %+v, want 3 frames and 40 bytes", res)
	}

	drained := dev.Drained()
	if len(drained) != 5 {
		t.Fatalf("driver consumed %d buffers, want 2 blank and 3 frames", len(drained))
	}
	for i, b := range drained[:2] {
		if !bytes.Equal(b, make([]byte, 16)) {
			t.Errorf("primed buffer %d = %v, want blank", i, b)
		}
	}
	want := [][]byte{src[0:16], src[16:32], src[32:40]}
	for i, w := range want {
		if got := drained[2+i]; !bytes.Equal(got, w) {
			t.Errorf("frame %d = %v, want %v", i, got, w)
		}
	}
}

func TestOutputFrameLimit(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{BufferLength: 8, AutoComplete: true})
	s := newTestSession(t, dev, testOptions(streamio.Output), nil)

	res, err := s.Output(context.Background(), strings.NewReader(strings.Repeat("x", 80)), 8, 4)
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if res.Frames != 4 || res.Bytes != 32 {
		t.Errorf("Result = %+v, want 4 frames and 32 bytes", res)
	}
}

func TestOutputErrors(t *testing.T) {
	tests := []struct {
		name      string
		dir       streamio.Direction
		frameSize int
		wantText  string
	}{
		{name: "capture session", dir: streamio.Capture, frameSize: 8, wantText: "not output"},
		{name: "zero frame size", dir: streamio.Output, frameSize: 0, wantText: "invalid frame size"},
		{name: "frame larger than buffer", dir: streamio.Output, frameSize: 64, wantText: "exceeds buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := streamiotest.New(streamiotest.Config{BufferLength: 32, AutoComplete: true})
			s := newTestSession(t, dev, testOptions(tt.dir), nil)

			_, err := s.Output(context.Background(), bytes.NewReader(make([]byte, 128)), tt.frameSize, 1)
			if err == nil || !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("Output() error = %v, want %q", err, tt.wantText)
			}
		})
	}
}

func TestCaptureWrongDirection(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{})
	s := newTestSession(t, dev, testOptions(streamio.Output), nil)

	if _, err := s.Capture(context.Background(), DiscardSink{}, 1); err == nil {
		t.Error("Capture() on output session succeeded")
	}
	if s.Status().State != "idle" {
		t.Errorf("State = %q, want idle", s.Status().State)
	}
}

func TestForward(t *testing.T) {
	in := streamiotest.New(streamiotest.Config{BufferLength: 32, AutoComplete: true})
	out := streamiotest.New(streamiotest.Config{BufferLength: 64, AutoComplete: true})
	inSession := newTestSession(t, in, testOptions(streamio.Capture), nil)
	outOpts := testOptions(streamio.Output)
	outOpts.DevicePath = "/dev/v4lstream-test1"
	outSession := newTestSession(t, out, outOpts, nil)

	res, err := Forward(context.Background(), inSession, outSession, 5)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if res.Frames != 5 || res.Bytes != 5*32 {
		t.Errorf("Result = %+v, want 5 frames of 32 bytes", res)
	}

	drained := out.Drained()
	if len(drained) != 4+5 {
		t.Fatalf("output consumed %d buffers, want 4 blank and 5 frames", len(drained))
	}
	for i, got := range drained[4:] {
		if !bytes.Equal(got, bytes.Repeat([]byte{byte(i)}, 32)) {
			t.Errorf("forwarded frame %d = %d bytes starting %v", i, len(got), got[:min(4, len(got))])
		}
	}
	if outSession.Stats().Outstanding || inSession.Stats().Outstanding {
		t.Error("item still outstanding after Forward")
	}
}

func TestForwardFrameTooLarge(t *testing.T) {
	in := streamiotest.New(streamiotest.Config{BufferLength: 64, AutoComplete: true})
	out := streamiotest.New(streamiotest.Config{BufferLength: 32, AutoComplete: true})
	inSession := newTestSession(t, in, testOptions(streamio.Capture), nil)
	outSession := newTestSession(t, out, testOptions(streamio.Output), nil)

	_, err := Forward(context.Background(), inSession, outSession, 1)
	if !errors.Is(err, streamio.ErrOutOfRange) {
		t.Fatalf("Forward() error = %v, want out of range", err)
	}
	if outSession.Stats().Outstanding {
		t.Error("output item not released after failed write")
	}
}

func TestForwardReportsReleaseFailure(t *testing.T) {
	in := streamiotest.New(streamiotest.Config{BufferLength: 64, AutoComplete: true})
	out := streamiotest.New(streamiotest.Config{BufferLength: 32, AutoComplete: true})
	inSession := newTestSession(t, in, testOptions(streamio.Capture), nil)
	outSession := newTestSession(t, out, testOptions(streamio.Output), nil)
	if err := outSession.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	out.Inject("QueueBuffer", syscall.ENODEV)

	_, err := Forward(context.Background(), inSession, outSession, 1)
	if !errors.Is(err, streamio.ErrOutOfRange) {
		t.Errorf("Forward() error = %v, want out of range", err)
	}
	if !errors.Is(err, streamio.ErrDisconnected) {
		t.Errorf("Forward() error = %v, want the disconnect from re-enqueue", err)
	}
}

func TestForwardDirections(t *testing.T) {
	a := newTestSession(t, streamiotest.New(streamiotest.Config{}), testOptions(streamio.Capture), nil)
	b := newTestSession(t, streamiotest.New(streamiotest.Config{}), testOptions(streamio.Capture), nil)

	if _, err := Forward(context.Background(), a, b, 1); err == nil {
		t.Error("Forward() between two capture sessions succeeded")
	}
}

type fakeFormatDevice struct {
	current v4l2.Format
	adjust  func(v4l2.Format) v4l2.Format
	set     []streamio.Direction
}

func (f *fakeFormatDevice) GetFormat(streamio.Direction) (v4l2.Format, error) {
	return f.current, nil
}

func (f *fakeFormatDevice) SetFormat(dir streamio.Direction, want v4l2.Format) (v4l2.Format, error) {
	f.set = append(f.set, dir)
	if f.adjust != nil {
		want = f.adjust(want)
	}
	f.current = want
	return want, nil
}

func TestForwardFormat(t *testing.T) {
	yuyv := v4l2.Format{Width: 640, Height: 480, PixelFormat: v4l2.PixFmtYUYV, SizeImage: 614400}

	tests := []struct {
		name    string
		adjust  func(v4l2.Format) v4l2.Format
		wantErr bool
	}{
		{name: "accepted"},
		{
			name: "resized by driver",
			adjust: func(f v4l2.Format) v4l2.Format {
				f.Width, f.Height = 320, 240
				return f
			},
			wantErr: true,
		},
		{
			name: "different pixel format",
			adjust: func(f v4l2.Format) v4l2.Format {
				f.PixelFormat = v4l2.PixFmtNV12
				return f
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &fakeFormatDevice{current: yuyv}
			out := &fakeFormatDevice{adjust: tt.adjust}

			got, err := ForwardFormat(in, out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ForwardFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(out.set) != 1 || out.set[0] != streamio.Output {
				t.Errorf("SetFormat directions = %v, want [output]", out.set)
			}
			if !tt.wantErr && got != yuyv {
				t.Errorf("ForwardFormat() = %v, want %v", got, yuyv)
			}
		})
	}
}

func TestResultRates(t *testing.T) {
	r := Result{Frames: 60, Bytes: 2 << 20, Duration: 2 * time.Second}
	if r.FPS() != 30 {
		t.Errorf("FPS() = %v, want 30", r.FPS())
	}
	if r.Throughput() != 1 {
		t.Errorf("Throughput() = %v, want 1", r.Throughput())
	}
	if (Result{Frames: 1}).FPS() != 0 {
		t.Error("FPS() of a zero-length run should be 0")
	}
}

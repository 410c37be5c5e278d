package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
)

type fixedStats streamio.Stats

func (f fixedStats) Stats() streamio.Stats { return streamio.Stats(f) }

func TestStreamCollector(t *testing.T) {
	c := NewStreamCollector()
	c.Add("/dev/video0", streamio.Capture, fixedStats{
		State:   streamio.StateStreaming,
		Buffers: 4,
		Queued:  3,
		Frames:  120,
		Bytes:   491520,
		Dropped: 2,
	})

	expected := `
# HELP v4lstream_stream_frames_total Buffers dequeued from the driver
# TYPE v4lstream_stream_frames_total counter
v4lstream_stream_frames_total{device="/dev/video0",direction="capture"} 120
# HELP v4lstream_stream_dropped_frames_total Frames missing from the driver sequence
# TYPE v4lstream_stream_dropped_frames_total counter
v4lstream_stream_dropped_frames_total{device="/dev/video0",direction="capture"} 2
# HELP v4lstream_stream_queued_buffers Buffers currently owned by the driver
# TYPE v4lstream_stream_queued_buffers gauge
v4lstream_stream_queued_buffers{device="/dev/video0",direction="capture"} 3
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"v4lstream_stream_frames_total",
		"v4lstream_stream_dropped_frames_total",
		"v4lstream_stream_queued_buffers",
	); err != nil {
		t.Error(err)
	}

	// Nine series plus one per state
	if n := testutil.CollectAndCount(c); n != 13 {
		t.Errorf("CollectAndCount() = %d, want 13", n)
	}
}

func TestStreamCollectorState(t *testing.T) {
	c := NewStreamCollector()
	c.Add("/dev/video1", streamio.Output, fixedStats{State: streamio.StateDisconnected})

	expected := `
# HELP v4lstream_stream_state 1 for the current stream state
# TYPE v4lstream_stream_state gauge
v4lstream_stream_state{device="/dev/video1",direction="output",state="disconnected"} 1
v4lstream_stream_state{device="/dev/video1",direction="output",state="idle"} 0
v4lstream_stream_state{device="/dev/video1",direction="output",state="primed"} 0
v4lstream_stream_state{device="/dev/video1",direction="output",state="streaming"} 0
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "v4lstream_stream_state"); err != nil {
		t.Error(err)
	}
}

func TestStreamCollectorRemove(t *testing.T) {
	c := NewStreamCollector()
	c.Add("/dev/video0", streamio.Capture, fixedStats{})
	c.Add("/dev/video0", streamio.Capture, fixedStats{Frames: 1})
	if n := testutil.CollectAndCount(c, "v4lstream_stream_frames_total"); n != 1 {
		t.Errorf("series after re-Add = %d, want 1", n)
	}

	c.Remove("/dev/video0", streamio.Capture)
	if n := testutil.CollectAndCount(c); n != 0 {
		t.Errorf("series after Remove = %d, want 0", n)
	}
}

func TestHandler(t *testing.T) {
	c := NewStreamCollector()
	c.Add("/dev/video0", streamio.Capture, fixedStats{Frames: 7})
	reg := NewRegistry(c)

	if err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP v4lstream_stream_frames_total Buffers dequeued from the driver
# TYPE v4lstream_stream_frames_total counter
v4lstream_stream_frames_total{device="/dev/video0",direction="capture"} 7
`), "v4lstream_stream_frames_total"); err != nil {
		t.Error(err)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("unexpected /metrics response %d", rec.Code)
	}
}

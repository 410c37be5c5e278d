package systemd

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/v4lstream/internal/events"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func newRecorded() (*Notifier, *recorder) {
	rec := &recorder{}
	return &Notifier{logger: slog.Default(), notify: rec.notify}, rec
}

func TestNotifierMessages(t *testing.T) {
	n, rec := newRecorded()
	n.Ready()
	n.Status("%d streams", 2)
	n.Stopping()

	want := []string{"READY=1", "STATUS=2 streams", "STOPPING=1"}
	got := rec.snapshot()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("states = %q, want %q", got, want)
	}
}

func TestReportStreamState(t *testing.T) {
	n, rec := newRecorded()
	bus := events.New()
	stop := n.ReportStreamState(bus)

	bus.Publish(events.StreamStateChangedEvent{DevicePath: "/dev/video0", Direction: "capture", To: "streaming"})
	bus.Publish(events.DeviceRemovedEvent{DevicePath: "/dev/video0", Source: "hotplug"})

	deadline := time.Now().Add(time.Second)
	for len(rec.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("states = %q, want 2", got)
	}
	if got[0] != "STATUS=/dev/video0 capture: streaming" {
		t.Errorf("state status = %q", got[0])
	}
	if got[1] != "STATUS=/dev/video0 removed (hotplug)" {
		t.Errorf("removal status = %q", got[1])
	}

	stop()
	bus.Publish(events.DeviceRemovedEvent{DevicePath: "/dev/video1"})
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.snapshot()); n != 2 {
		t.Errorf("got %d states after unsubscribe, want 2", n)
	}
}

func TestRunWatchdog(t *testing.T) {
	n, rec := newRecorded()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	n.runWatchdog(ctx, 10*time.Millisecond)

	pings := 0
	for _, s := range rec.snapshot() {
		if s == "WATCHDOG=1" {
			pings++
		}
	}
	if pings < 2 {
		t.Errorf("got %d watchdog pings, want at least 2", pings)
	}
}

func TestNotifySocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram socket unavailable: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", path)

	NewNotifier(slog.Default()).Ready()

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "READY=1" {
		t.Errorf("message = %q, want READY=1", buf[:n])
	}
}

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	// Must not panic or block outside systemd.
	n := NewNotifier(slog.Default())
	n.Ready()
	n.RunWatchdog(context.Background())
}

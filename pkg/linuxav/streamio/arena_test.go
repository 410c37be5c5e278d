package streamio_test

import (
	"errors"
	"syscall"
	"testing"

	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
	"github.com/smazurov/v4lstream/pkg/linuxav/streamio/streamiotest"
)

func TestNewArenaSlotIndices(t *testing.T) {
	for _, count := range []uint32{1, 2, 3, 4, 8, 32} {
		dev := streamiotest.New(streamiotest.Config{})
		arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
			Direction: streamio.Capture,
			Memory:    streamio.MemoryMMAP,
			Count:     count,
		})
		if err != nil {
			t.Fatalf("count=%d: NewArena() error = %v", count, err)
		}

		if arena.Len() != int(count) {
			t.Errorf("count=%d: Len() = %d", count, arena.Len())
		}
		slots := arena.Slots()
		seen := make(map[uint32]bool)
		for i, s := range slots {
			if s.Index != uint32(i) {
				t.Errorf("count=%d: slots[%d].Index = %d", count, i, s.Index)
			}
			if seen[s.Index] {
				t.Errorf("count=%d: duplicate index %d", count, s.Index)
			}
			seen[s.Index] = true
			if s.Memory != streamio.MemoryMMAP {
				t.Errorf("count=%d: slots[%d].Memory = %v", count, i, s.Memory)
			}
		}
		if dev.Mapped() != int(count) {
			t.Errorf("count=%d: Mapped() = %d", count, dev.Mapped())
		}

		if err := arena.Release(); err != nil {
			t.Errorf("count=%d: Release() error = %v", count, err)
		}
		if dev.Mapped() != 0 {
			t.Errorf("count=%d: Mapped() after release = %d", count, dev.Mapped())
		}
	}
}

func TestNewArenaConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  streamio.ArenaConfig
		want error
	}{
		{
			name: "zero count",
			cfg:  streamio.ArenaConfig{Direction: streamio.Capture, Memory: streamio.MemoryMMAP},
			want: streamio.ErrInvalidConfig,
		},
		{
			name: "bad direction",
			cfg:  streamio.ArenaConfig{Direction: 9, Memory: streamio.MemoryMMAP, Count: 2},
			want: streamio.ErrInvalidConfig,
		},
		{
			name: "userptr without size",
			cfg:  streamio.ArenaConfig{Direction: streamio.Capture, Memory: streamio.MemoryUserPtr, Count: 2},
			want: streamio.ErrInvalidConfig,
		},
		{
			name: "dmabuf handle count mismatch",
			cfg: streamio.ArenaConfig{
				Direction: streamio.Capture, Memory: streamio.MemoryDMABuf, Count: 2,
				Size: 4096, Handles: []int{5},
			},
			want: streamio.ErrInvalidConfig,
		},
		{
			name: "unknown memory",
			cfg:  streamio.ArenaConfig{Direction: streamio.Capture, Memory: 3, Count: 2},
			want: streamio.ErrTransportUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := streamiotest.New(streamiotest.Config{})
			_, err := streamio.NewArena(dev, tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewArena() error = %v, want %v", err, tt.want)
			}
			if len(dev.Requests()) != 0 {
				t.Errorf("REQBUFS issued for invalid config: %v", dev.Requests())
			}
		})
	}
}

func TestNewArenaPartialGrant(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{Grant: 2})
	arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
		Direction: streamio.Capture,
		Memory:    streamio.MemoryMMAP,
		Count:     4,
	})
	if arena != nil {
		t.Fatal("NewArena() returned an arena for a partial grant")
	}
	if !errors.Is(err, streamio.ErrAllocation) {
		t.Fatalf("NewArena() error = %v, want ErrAllocation", err)
	}
	if dev.Mapped() != 0 {
		t.Errorf("Mapped() = %d, want 0", dev.Mapped())
	}
	reqs := dev.Requests()
	if len(reqs) != 2 || reqs[0] != 4 || reqs[1] != 0 {
		t.Errorf("Requests() = %v, want [4 0]", reqs)
	}
}

func TestNewArenaRaisedCount(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{MinBuffers: 3})
	arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
		Direction: streamio.Capture,
		Memory:    streamio.MemoryMMAP,
		Count:     2,
	})
	if err != nil {
		t.Fatalf("NewArena() error = %v", err)
	}
	defer arena.Release()
	if arena.Len() != 3 {
		t.Errorf("Len() = %d, want 3", arena.Len())
	}
}

func TestNewArenaMapFailureUndoesMappings(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{})
	// Fail the first mapping after QUERYBUF succeeded.
	dev.Inject("Map", syscall.ENOMEM)
	_, err := streamio.NewArena(dev, streamio.ArenaConfig{
		Direction: streamio.Capture,
		Memory:    streamio.MemoryMMAP,
		Count:     4,
	})
	if !errors.Is(err, streamio.ErrAllocation) {
		t.Fatalf("NewArena() error = %v, want ErrAllocation", err)
	}
	if !errors.Is(err, syscall.ENOMEM) {
		t.Errorf("NewArena() error = %v, want wrapped ENOMEM", err)
	}
	if dev.Mapped() != 0 {
		t.Errorf("Mapped() = %d, want 0", dev.Mapped())
	}
}

func TestNewArenaTransportUnsupported(t *testing.T) {
	tests := []struct {
		name string
		cfg  streamiotest.Config
		mem  streamio.Memory
	}{
		{
			name: "driver rejects userptr",
			cfg:  streamiotest.Config{Unsupported: []streamio.Memory{streamio.MemoryUserPtr}},
			mem:  streamio.MemoryUserPtr,
		},
		{
			name: "capabilities lack dmabuf",
			cfg:  streamiotest.Config{Capabilities: streamio.CapSupportsMMAP | streamio.CapSupportsUserPtr},
			mem:  streamio.MemoryDMABuf,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := streamiotest.New(tt.cfg)
			_, err := streamio.NewArena(dev, streamio.ArenaConfig{
				Direction: streamio.Capture,
				Memory:    tt.mem,
				Count:     2,
				Size:      4096,
				Handles:   []int{10, 11},
			})
			if !errors.Is(err, streamio.ErrTransportUnsupported) {
				t.Errorf("NewArena() error = %v, want ErrTransportUnsupported", err)
			}
			if dev.Mapped() != 0 {
				t.Errorf("Mapped() = %d, want 0", dev.Mapped())
			}
		})
	}
}

func TestNewArenaBusy(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{})
	dev.Inject("RequestBuffers", syscall.EBUSY)
	_, err := streamio.NewArena(dev, streamio.ArenaConfig{
		Direction: streamio.Capture,
		Memory:    streamio.MemoryMMAP,
		Count:     2,
	})
	if !errors.Is(err, streamio.ErrDeviceBusy) {
		t.Errorf("NewArena() error = %v, want ErrDeviceBusy", err)
	}
}

func TestArenaSlotOutOfRange(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{})
	arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
		Direction: streamio.Capture,
		Memory:    streamio.MemoryMMAP,
		Count:     2,
	})
	if err != nil {
		t.Fatalf("NewArena() error = %v", err)
	}
	defer arena.Release()

	for _, idx := range []int{-1, 2, 100} {
		if _, err := arena.Slot(idx); !errors.Is(err, streamio.ErrOutOfRange) {
			t.Errorf("Slot(%d) error = %v, want ErrOutOfRange", idx, err)
		}
	}
	s, err := arena.Slot(1)
	if err != nil {
		t.Fatalf("Slot(1) error = %v", err)
	}
	if s.Index != 1 || s.Length != 4096 || s.Offset != 4096 {
		t.Errorf("Slot(1) = %+v", s)
	}
	if arena.BufferSize() != 4096 {
		t.Errorf("BufferSize() = %d, want 4096", arena.BufferSize())
	}
}

func TestArenaUserPtr(t *testing.T) {
	t.Run("device allocator", func(t *testing.T) {
		dev := streamiotest.Allocating(streamiotest.New(streamiotest.Config{}))
		arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
			Direction: streamio.Capture,
			Memory:    streamio.MemoryUserPtr,
			Count:     3,
			Size:      1000,
		})
		if err != nil {
			t.Fatalf("NewArena() error = %v", err)
		}
		if dev.Allocations() != 3 {
			t.Errorf("Allocations() = %d, want 3", dev.Allocations())
		}
		for _, s := range arena.Slots() {
			if s.UserPtr == 0 || s.Length != 1000 {
				t.Errorf("slot %d = %+v", s.Index, s)
			}
		}
		if err := arena.Release(); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		if dev.Allocations() != 0 {
			t.Errorf("Allocations() after release = %d", dev.Allocations())
		}
	})

	t.Run("heap fallback", func(t *testing.T) {
		dev := streamiotest.New(streamiotest.Config{})
		arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
			Direction: streamio.Capture,
			Memory:    streamio.MemoryUserPtr,
			Count:     2,
			Size:      512,
		})
		if err != nil {
			t.Fatalf("NewArena() error = %v", err)
		}
		defer arena.Release()
		slots := arena.Slots()
		if slots[0].UserPtr == slots[1].UserPtr {
			t.Error("slots share a user pointer")
		}
	})
}

func TestArenaDMABuf(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{})
	arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
		Direction: streamio.Capture,
		Memory:    streamio.MemoryDMABuf,
		Count:     2,
		Size:      2048,
		Handles:   []int{40, 41},
	})
	if err != nil {
		t.Fatalf("NewArena() error = %v", err)
	}
	for i, s := range arena.Slots() {
		if s.FD != 40+i {
			t.Errorf("slot %d FD = %d, want %d", i, s.FD, 40+i)
		}
	}
	if dev.Mapped() != 2 {
		t.Errorf("Mapped() = %d, want 2", dev.Mapped())
	}
	if _, err := arena.Export(0); !errors.Is(err, streamio.ErrTransportUnsupported) {
		t.Errorf("Export() on dmabuf arena error = %v", err)
	}
	arena.Release()
	if dev.Mapped() != 0 {
		t.Errorf("Mapped() after release = %d", dev.Mapped())
	}
}

func TestArenaExport(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{})
	arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
		Direction: streamio.Capture,
		Memory:    streamio.MemoryMMAP,
		Count:     2,
	})
	if err != nil {
		t.Fatalf("NewArena() error = %v", err)
	}
	defer arena.Release()

	fd, err := arena.Export(1)
	if err != nil {
		t.Fatalf("Export(1) error = %v", err)
	}
	if fd < 0 {
		t.Errorf("Export(1) = %d", fd)
	}
	if _, err := arena.Export(2); !errors.Is(err, streamio.ErrOutOfRange) {
		t.Errorf("Export(2) error = %v, want ErrOutOfRange", err)
	}
}

func TestArenaReleaseOnDisconnectedDevice(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{})
	arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
		Direction: streamio.Capture,
		Memory:    streamio.MemoryMMAP,
		Count:     4,
	})
	if err != nil {
		t.Fatalf("NewArena() error = %v", err)
	}
	dev.Disconnect()

	if err := arena.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if dev.Mapped() != 0 {
		t.Errorf("Mapped() = %d, want 0", dev.Mapped())
	}
	if err := arena.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestArenaOwnedByStream(t *testing.T) {
	dev := streamiotest.New(streamiotest.Config{})
	arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
		Direction: streamio.Capture,
		Memory:    streamio.MemoryMMAP,
		Count:     2,
	})
	if err != nil {
		t.Fatalf("NewArena() error = %v", err)
	}
	stream, err := streamio.NewStream(arena)
	if err != nil {
		t.Fatalf("NewStream() error = %v", err)
	}
	if err := arena.Release(); !errors.Is(err, streamio.ErrInvalidState) {
		t.Errorf("Release() on owned arena error = %v", err)
	}
	if _, err := streamio.NewStream(arena); !errors.Is(err, streamio.ErrInvalidState) {
		t.Errorf("second NewStream() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if dev.Mapped() != 0 {
		t.Errorf("Mapped() after Close = %d", dev.Mapped())
	}
}

package streamio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
)

// ArenaConfig describes the buffer set an Arena requests.
type ArenaConfig struct {
	Direction Direction
	Memory    Memory
	Count     uint32

	// Size is the buffer size in bytes, normally the sizeimage of the
	// negotiated format. Required for USERPTR and DMABUF; MMAP buffers take
	// the length the driver reports.
	Size int

	// Handles are the shared buffer handles imported by a DMABUF arena,
	// one per slot.
	Handles []int

	Logger *slog.Logger
}

func (c ArenaConfig) validate() error {
	if c.Direction != Capture && c.Direction != Output {
		return newError(CodeInvalidConfig, "", -1, "invalid direction "+c.Direction.String(), nil)
	}
	if c.Count == 0 {
		return newError(CodeInvalidConfig, "", -1, "buffer count must be at least 1", nil)
	}
	switch c.Memory {
	case MemoryMMAP:
	case MemoryUserPtr:
		if c.Size <= 0 {
			return newError(CodeInvalidConfig, "", -1, "userptr buffers need a size", nil)
		}
	case MemoryDMABuf:
		if c.Size <= 0 {
			return newError(CodeInvalidConfig, "", -1, "dmabuf buffers need a size", nil)
		}
		if len(c.Handles) != int(c.Count) {
			return newError(CodeInvalidConfig, "", -1,
				fmt.Sprintf("dmabuf arena needs %d handles, got %d", c.Count, len(c.Handles)), nil)
		}
	default:
		return newError(CodeTransportUnsupported, "", -1, "unknown memory transport "+c.Memory.String(), nil)
	}
	return nil
}

// Arena owns the memory of every buffer slot of one direction and memory
// transport. It is created by NewArena and destroyed by Release.
type Arena struct {
	mu        sync.Mutex
	dev       Device
	dir       Direction
	transport transport
	slots     []*slot
	logger    *slog.Logger
	inUse     bool
	released  bool
}

// NewArena requests cfg.Count buffers from dev and maps or allocates each one.
//
// It fails with ErrAllocation when the driver grants fewer buffers than
// requested and with ErrTransportUnsupported when the device rejects the
// memory transport. On failure nothing stays mapped and the driver buffer set
// is freed again.
func NewArena(dev Device, cfg ArenaConfig) (*Arena, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t, err := newTransport(dev, cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	logger = logger.With("direction", cfg.Direction.String(), "memory", cfg.Memory.String())

	a := &Arena{
		dev:       dev,
		dir:       cfg.Direction,
		transport: t,
		logger:    logger,
	}

	req := Request{Direction: cfg.Direction, Memory: cfg.Memory, Count: cfg.Count}
	if err := dev.RequestBuffers(&req); err != nil {
		if errors.Is(err, syscall.EINVAL) {
			return nil, newError(CodeTransportUnsupported, "VIDIOC_REQBUFS", -1, cfg.Memory.String()+" not supported", err)
		}
		return nil, classify("VIDIOC_REQBUFS", -1, err)
	}
	if !req.Supports(cfg.Memory) {
		a.freeDriverBuffers()
		return nil, newError(CodeTransportUnsupported, "VIDIOC_REQBUFS", -1,
			fmt.Sprintf("%s not in buffer capabilities 0x%x", cfg.Memory, req.Capabilities), nil)
	}
	if req.Count < cfg.Count {
		a.freeDriverBuffers()
		return nil, newError(CodeAllocation, "VIDIOC_REQBUFS", -1,
			fmt.Sprintf("requested %d buffers, driver granted %d", cfg.Count, req.Count), nil)
	}
	if req.Count > cfg.Count {
		// Drivers may raise the count to their minimum. Imported handles
		// cannot cover the extra slots.
		if cfg.Memory == MemoryDMABuf {
			a.freeDriverBuffers()
			return nil, newError(CodeAllocation, "VIDIOC_REQBUFS", -1,
				fmt.Sprintf("driver requires %d buffers, %d handles supplied", req.Count, len(cfg.Handles)), nil)
		}
		logger.Debug("Driver raised buffer count", "requested", cfg.Count, "granted", req.Count)
	}

	a.slots = make([]*slot, 0, req.Count)
	for i := range req.Count {
		s, err := t.setup(dev, cfg.Direction, i, cfg.Size)
		if err != nil {
			a.teardownSlots()
			a.freeDriverBuffers()
			return nil, err
		}
		a.slots = append(a.slots, s)
	}

	logger.Debug("Arena ready", "buffers", len(a.slots), "buffer_size", a.BufferSize())
	return a, nil
}

// Len returns the number of slots.
func (a *Arena) Len() int {
	return len(a.slots)
}

// Direction returns the queue the arena serves.
func (a *Arena) Direction() Direction {
	return a.dir
}

// Memory returns the memory transport of every slot.
func (a *Arena) Memory() Memory {
	return a.transport.kind()
}

// BufferSize returns the length of the largest slot.
func (a *Arena) BufferSize() int {
	n := 0
	for _, s := range a.slots {
		n = max(n, s.length)
	}
	return n
}

// Slot returns a snapshot of the slot at index.
func (a *Arena) Slot(index int) (Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index < 0 || index >= len(a.slots) {
		return Slot{}, a.outOfRange(index)
	}
	return a.viewLocked(index), nil
}

// Slots returns a snapshot of every slot, ordered by index.
func (a *Arena) Slots() []Slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Slot, len(a.slots))
	for i := range a.slots {
		out[i] = a.viewLocked(i)
	}
	return out
}

// Export returns a shared handle for an MMAP slot, suitable as a Handles
// entry of a DMABUF arena on another device. The caller owns the handle.
func (a *Arena) Export(index int) (int, error) {
	if a.Memory() != MemoryMMAP {
		return -1, newError(CodeTransportUnsupported, "VIDIOC_EXPBUF", index, "only mmap buffers can be exported", nil)
	}
	if index < 0 || index >= len(a.slots) {
		return -1, a.outOfRange(index)
	}
	fd, err := a.dev.ExportBuffer(a.dir, uint32(index))
	if err != nil {
		return -1, classify("VIDIOC_EXPBUF", index, err)
	}
	return fd, nil
}

// Release unmaps or frees every slot and then frees the driver buffer set.
// Driver errors are logged, local memory is released regardless. Releasing
// an arena twice is a no-op. An arena owned by an open Stream cannot be
// released; close the stream instead.
func (a *Arena) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	if a.inUse {
		return newError(CodeInvalidState, "release", -1, "arena is owned by an open stream", nil)
	}
	a.releaseLocked()
	return nil
}

func (a *Arena) releaseLocked() {
	a.teardownSlots()
	a.freeDriverBuffers()
	a.released = true
	a.logger.Debug("Arena released")
}

func (a *Arena) teardownSlots() {
	for _, s := range a.slots {
		if err := a.transport.teardown(a.dev, s); err != nil {
			a.logger.Warn("Failed to release buffer", "index", s.index, "error", err)
		}
	}
}

func (a *Arena) freeDriverBuffers() {
	req := Request{Direction: a.dir, Memory: a.transport.kind(), Count: 0}
	if err := a.dev.RequestBuffers(&req); err != nil {
		if isDisconnect(err) {
			a.logger.Debug("Device gone while freeing buffers", "error", err)
			return
		}
		a.logger.Warn("Failed to free driver buffers", "error", err)
	}
}

// acquire hands the arena to a stream.
func (a *Arena) acquire() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.released:
		return newError(CodeInvalidState, "", -1, "arena already released", nil)
	case a.inUse:
		return newError(CodeInvalidState, "", -1, "arena already owned by a stream", nil)
	}
	a.inUse = true
	return nil
}

func (a *Arena) releaseOwned() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse = false
	if !a.released {
		a.releaseLocked()
	}
}

func (a *Arena) setUsed(index, n int) {
	a.mu.Lock()
	a.slots[index].used = n
	a.mu.Unlock()
}

func (a *Arena) viewLocked(index int) Slot {
	v := a.slots[index].view()
	v.Memory = a.transport.kind()
	return v
}

func (a *Arena) outOfRange(index int) *Error {
	return newError(CodeOutOfRange, "", index,
		fmt.Sprintf("slot %d out of range [0,%d)", index, len(a.slots)), nil)
}

func defaultLogger() *slog.Logger {
	return slog.Default().With("component", "linuxav")
}

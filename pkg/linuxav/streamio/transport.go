package streamio

import (
	"unsafe"
)

// slot is the arena-owned state of one buffer.
type slot struct {
	index   uint32
	length  int
	data    []byte
	offset  uint32
	userptr uintptr
	fd      int
	owned   bool // data came from a UserAllocator
	used    int
	meta    Metadata
}

func (s *slot) view() Slot {
	return Slot{
		Index:   s.index,
		Length:  s.length,
		Used:    s.used,
		Offset:  s.offset,
		UserPtr: s.userptr,
		FD:      s.fd,
		Meta:    s.meta,
	}
}

// transport is the per-memory-kind half of the buffer protocol. The set of
// implementations is closed and chosen once by NewArena.
type transport interface {
	kind() Memory
	// setup maps or allocates slot index after the driver granted buffers.
	setup(dev Device, dir Direction, index uint32, size int) (*slot, error)
	// teardown undoes setup. It must release local memory even when the
	// device is gone.
	teardown(dev Device, s *slot) error
	// fill writes the memory-specific payload of s into rec before QBUF.
	fill(rec *Record, s *slot)
	// resolve finds the slot a dequeued record refers to.
	resolve(rec *Record, slots []*slot) (int, bool)
}

func newTransport(dev Device, cfg ArenaConfig) (transport, error) {
	switch cfg.Memory {
	case MemoryMMAP:
		return mmapTransport{}, nil
	case MemoryUserPtr:
		alloc, _ := dev.(UserAllocator)
		return userPtrTransport{alloc: alloc}, nil
	case MemoryDMABuf:
		return dmabufTransport{handles: cfg.Handles}, nil
	default:
		return nil, newError(CodeTransportUnsupported, "", -1, "unknown memory transport "+cfg.Memory.String(), nil)
	}
}

func resolveByIndex(rec *Record, slots []*slot) (int, bool) {
	if int(rec.Index) >= len(slots) {
		return 0, false
	}
	return int(rec.Index), true
}

// mmapTransport maps driver-allocated memory.
type mmapTransport struct{}

func (mmapTransport) kind() Memory { return MemoryMMAP }

func (mmapTransport) setup(dev Device, dir Direction, index uint32, _ int) (*slot, error) {
	rec := Record{Index: index, Direction: dir, Memory: MemoryMMAP}
	if err := dev.QueryBuffer(&rec); err != nil {
		return nil, classify("VIDIOC_QUERYBUF", int(index), err)
	}
	data, err := dev.Map(rec.Offset, rec.Length)
	if err != nil {
		return nil, mapError("mmap", int(index), err)
	}
	return &slot{
		index:  index,
		length: int(rec.Length),
		data:   data,
		offset: rec.Offset,
		fd:     -1,
	}, nil
}

func (mmapTransport) teardown(dev Device, s *slot) error {
	if s.data == nil {
		return nil
	}
	err := dev.Unmap(s.data)
	s.data = nil
	return err
}

func (mmapTransport) fill(rec *Record, s *slot) {
	rec.Offset = s.offset
	rec.Length = uint32(s.length)
}

func (mmapTransport) resolve(rec *Record, slots []*slot) (int, bool) {
	return resolveByIndex(rec, slots)
}

// userPtrTransport registers process memory with the driver on every enqueue.
// Buffers must not move while queued, so they are either allocated by the
// device (page aligned, outside the Go heap) or pinned by the arena.
type userPtrTransport struct {
	alloc UserAllocator
}

func (userPtrTransport) kind() Memory { return MemoryUserPtr }

func (t userPtrTransport) setup(_ Device, _ Direction, index uint32, size int) (*slot, error) {
	var (
		data  []byte
		owned bool
	)
	if t.alloc != nil {
		var err error
		data, err = t.alloc.AllocUser(size)
		if err != nil {
			return nil, mapError("alloc", int(index), err)
		}
		owned = true
	} else {
		data = make([]byte, size)
	}
	return &slot{
		index:   index,
		length:  len(data),
		data:    data,
		userptr: uintptr(unsafe.Pointer(unsafe.SliceData(data))),
		fd:      -1,
		owned:   owned,
	}, nil
}

func (t userPtrTransport) teardown(_ Device, s *slot) error {
	if s.data == nil {
		return nil
	}
	var err error
	if s.owned && t.alloc != nil {
		err = t.alloc.FreeUser(s.data)
	}
	s.data = nil
	s.userptr = 0
	return err
}

func (userPtrTransport) fill(rec *Record, s *slot) {
	rec.UserPtr = s.userptr
	rec.Length = uint32(s.length)
}

// resolve matches the returned pointer, since drivers are free to report
// any index for a user pointer buffer.
func (userPtrTransport) resolve(rec *Record, slots []*slot) (int, bool) {
	for i, s := range slots {
		if s.userptr != 0 && s.userptr == rec.UserPtr {
			return i, true
		}
	}
	return resolveByIndex(rec, slots)
}

// dmabufTransport imports one caller-supplied shared handle per slot.
type dmabufTransport struct {
	handles []int
}

func (dmabufTransport) kind() Memory { return MemoryDMABuf }

func (t dmabufTransport) setup(dev Device, _ Direction, index uint32, size int) (*slot, error) {
	fd := t.handles[index]
	data, err := dev.MapHandle(fd, uint32(size))
	if err != nil {
		return nil, mapError("mmap", int(index), err)
	}
	return &slot{
		index:  index,
		length: size,
		data:   data,
		fd:     fd,
	}, nil
}

func (dmabufTransport) teardown(dev Device, s *slot) error {
	if s.data == nil {
		return nil
	}
	err := dev.Unmap(s.data)
	s.data = nil
	return err
}

func (dmabufTransport) fill(rec *Record, s *slot) {
	rec.FD = int32(s.fd)
	rec.Length = uint32(s.length)
}

func (dmabufTransport) resolve(rec *Record, slots []*slot) (int, bool) {
	return resolveByIndex(rec, slots)
}

// mapError reports a failed mapping as an allocation failure unless the
// device is gone.
func mapError(op string, index int, err error) *Error {
	if isDisconnect(err) {
		return newError(CodeDisconnected, op, index, "", err)
	}
	return newError(CodeAllocation, op, index, "", err)
}

package streamio

import "time"

// Poll events used with Device.Poll.
const (
	PollIn  int16 = 0x0001
	PollPri int16 = 0x0002
	PollOut int16 = 0x0004
	PollErr int16 = 0x0008
	PollHup int16 = 0x0010
)

// Record is the per-slot exchange record passed to the buffer queue ioctls.
// It mirrors struct v4l2_buffer for single-planar buffers.
type Record struct {
	Index     uint32
	Direction Direction
	Memory    Memory
	BytesUsed uint32
	Flags     Flags
	Field     uint32
	Timestamp Timestamp
	Sequence  uint32
	Length    uint32
	Offset    uint32  // MMAP
	UserPtr   uintptr // USERPTR
	FD        int32   // DMABUF
}

// Request is the argument of RequestBuffers (struct v4l2_requestbuffers).
// The driver overwrites Count with the number of buffers it granted and
// Capabilities with its V4L2_BUF_CAP_* bits, when it reports them.
type Request struct {
	Direction    Direction
	Memory       Memory
	Count        uint32
	Capabilities uint32
}

// Buffer capability bits reported by RequestBuffers.
const (
	CapSupportsMMAP    uint32 = 1 << 0
	CapSupportsUserPtr uint32 = 1 << 1
	CapSupportsDMABuf  uint32 = 1 << 2
)

// Supports reports whether the capability bits allow memory m. Drivers that
// predate the capabilities field report zero, which is treated as "unknown".
func (r Request) Supports(m Memory) bool {
	if r.Capabilities == 0 {
		return true
	}
	switch m {
	case MemoryMMAP:
		return r.Capabilities&CapSupportsMMAP != 0
	case MemoryUserPtr:
		return r.Capabilities&CapSupportsUserPtr != 0
	case MemoryDMABuf:
		return r.Capabilities&CapSupportsDMABuf != 0
	}
	return false
}

// Device is the narrow contract an Arena and Stream need from an open video
// device. Errors are returned as the raw errno (syscall.Errno) so they can be
// classified; implementations must be safe for concurrent use.
type Device interface {
	RequestBuffers(req *Request) error
	QueryBuffer(rec *Record) error
	QueueBuffer(rec *Record) error
	DequeueBuffer(rec *Record) error
	StreamOn(dir Direction) error
	StreamOff(dir Direction) error

	// Map maps length bytes of driver memory at offset into the process.
	Map(offset, length uint32) ([]byte, error)
	// MapHandle maps a shared buffer handle for CPU access.
	MapHandle(fd int, length uint32) ([]byte, error)
	Unmap(data []byte) error
	// ExportBuffer exports an MMAP buffer as a shared handle.
	ExportBuffer(dir Direction, index uint32) (int, error)

	// Poll waits up to timeout for events and returns the events that fired.
	// A zero result means the timeout expired.
	Poll(events int16, timeout time.Duration) (int16, error)
}

// UserAllocator is implemented by devices that can provide page-aligned
// memory for USERPTR buffers. Arenas fall back to the Go heap without it.
type UserAllocator interface {
	AllocUser(size int) ([]byte, error)
	FreeUser(data []byte) error
}

package streamio

import (
	"fmt"
	"strings"
	"time"
)

// Direction selects the queue a stream drives.
type Direction uint32

// Directions, numbered as the kernel buffer types they map to.
const (
	Capture Direction = 1 // V4L2_BUF_TYPE_VIDEO_CAPTURE
	Output  Direction = 2 // V4L2_BUF_TYPE_VIDEO_OUTPUT
)

func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("direction(%d)", uint32(d))
	}
}

// ParseDirection converts "capture" or "output" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "capture", "":
		return Capture, nil
	case "output":
		return Output, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// Memory is the transport used to share buffer memory with the driver.
type Memory uint32

// Memory transports, numbered as enum v4l2_memory.
const (
	MemoryMMAP    Memory = 1
	MemoryUserPtr Memory = 2
	MemoryDMABuf  Memory = 4
)

func (m Memory) String() string {
	switch m {
	case MemoryMMAP:
		return "mmap"
	case MemoryUserPtr:
		return "userptr"
	case MemoryDMABuf:
		return "dmabuf"
	default:
		return fmt.Sprintf("memory(%d)", uint32(m))
	}
}

// ParseMemory converts "mmap", "userptr" or "dmabuf" to a Memory.
func ParseMemory(s string) (Memory, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mmap", "":
		return MemoryMMAP, nil
	case "userptr", "user-pointer":
		return MemoryUserPtr, nil
	case "dmabuf", "shared":
		return MemoryDMABuf, nil
	default:
		return 0, fmt.Errorf("unknown memory transport %q", s)
	}
}

// Flags mirrors the flags field of struct v4l2_buffer.
type Flags uint32

// Buffer flags.
const (
	FlagMapped    Flags = 0x00000001
	FlagQueued    Flags = 0x00000002
	FlagDone      Flags = 0x00000004
	FlagKeyframe  Flags = 0x00000008
	FlagPFrame    Flags = 0x00000010
	FlagBFrame    Flags = 0x00000020
	FlagError     Flags = 0x00000040 // data is corrupted
	FlagInRequest Flags = 0x00000080
	FlagTimecode  Flags = 0x00000100
	FlagPrepared  Flags = 0x00000400
	FlagLast      Flags = 0x00100000 // last buffer of a mem2mem stream
	FlagRequestFD Flags = 0x00800000

	FlagTimestampMonotonic Flags = 0x00002000
	FlagTimestampCopy      Flags = 0x00004000
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagMapped, "mapped"},
	{FlagQueued, "queued"},
	{FlagDone, "done"},
	{FlagKeyframe, "keyframe"},
	{FlagPFrame, "pframe"},
	{FlagBFrame, "bframe"},
	{FlagError, "error"},
	{FlagInRequest, "in-request"},
	{FlagTimecode, "timecode"},
	{FlagPrepared, "prepared"},
	{FlagLast, "last"},
	{FlagRequestFD, "request-fd"},
	{FlagTimestampMonotonic, "ts-monotonic"},
	{FlagTimestampCopy, "ts-copy"},
}

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	rest := f
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// Timestamp is the driver timestamp of a buffer (struct timeval).
type Timestamp struct {
	Sec  int64
	Usec int64
}

// Duration returns the timestamp as a time.Duration since the clock epoch.
func (t Timestamp) Duration() time.Duration {
	return time.Duration(t.Sec)*time.Second + time.Duration(t.Usec)*time.Microsecond
}

// IsZero reports whether the driver left the timestamp unset.
func (t Timestamp) IsZero() bool {
	return t.Sec == 0 && t.Usec == 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%06ds", t.Sec, t.Usec)
}

// Metadata is the driver-reported state of a dequeued buffer.
type Metadata struct {
	BytesUsed int
	Flags     Flags
	Field     uint32
	Timestamp Timestamp
	Sequence  uint64
}

// Slot describes one buffer of an arena. It is a copy; mutating it has no effect.
type Slot struct {
	Index   uint32
	Length  int
	Used    int
	Memory  Memory
	Offset  uint32  // MMAP: offset passed to mmap
	UserPtr uintptr // USERPTR: address registered on enqueue
	FD      int     // DMABUF: imported handle, -1 otherwise
	Meta    Metadata
}

// State is the position of a Stream in its lifecycle.
type State int

// Stream states.
const (
	StateIdle         State = iota // no buffers queued, not streaming
	StatePrimed                    // every slot queued, not yet streaming
	StateStreaming                 // driver filling or draining buffers
	StateDisconnected              // device vanished; terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrimed:
		return "primed"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

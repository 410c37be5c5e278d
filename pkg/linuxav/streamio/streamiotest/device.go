// Package streamiotest provides an in-memory V4L2 driver for testing code
// built on streamio.
package streamiotest

import (
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
)

type bufState uint8

const (
	bufUser bufState = iota
	bufQueued
	bufDone
)

type buffer struct {
	state     bufState
	length    uint32
	offset    uint32
	data      []byte // MMAP backing memory
	bytesused uint32
	userptr   uintptr
	fd        int32
	sequence  uint32
	timestamp streamio.Timestamp
	flags     streamio.Flags
}

// Config shapes the fake driver.
type Config struct {
	// Grant caps the number of buffers REQBUFS hands out. Zero grants the
	// requested count.
	Grant uint32
	// MinBuffers raises a request to at least this many buffers.
	MinBuffers uint32
	// BufferLength is the length of MMAP buffers. Defaults to 4096.
	BufferLength uint32
	// Capabilities is reported by REQBUFS. Zero models an old driver.
	Capabilities uint32
	// Unsupported memory transports fail REQBUFS with EINVAL.
	Unsupported []streamio.Memory
	// AutoComplete completes every buffer as soon as it is queued on a
	// streaming queue. Capture buffers are filled with BufferLength bytes.
	AutoComplete bool
}

// Device is a fake single-planar V4L2 driver. All methods are safe for
// concurrent use.
type Device struct {
	mu   sync.Mutex
	cfg  Config
	wake chan struct{}

	memory    streamio.Memory
	dir       streamio.Direction
	buffers   []*buffer
	pending   []uint32 // queued, FIFO
	done      []uint32 // completed, FIFO
	streaming map[streamio.Direction]bool
	removed   bool
	sequence  uint32
	start     time.Time

	mapped   map[*byte]int
	requests []uint32
	inject   map[string]syscall.Errno
	drained  [][]byte
	exported []int
	userMem  map[uintptr][]byte
}

// New returns a fake driver.
func New(cfg Config) *Device {
	if cfg.BufferLength == 0 {
		cfg.BufferLength = 4096
	}
	return &Device{
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		streaming: make(map[streamio.Direction]bool),
		mapped:    make(map[*byte]int),
		inject:    make(map[string]syscall.Errno),
		userMem:   make(map[uintptr][]byte),
		start:     time.Now(),
	}
}

// Inject makes the next call of op fail with errno. Ops are named after the
// Device methods, e.g. "QueueBuffer" or "StreamOn".
func (d *Device) Inject(op string, errno syscall.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inject[op] = errno
}

func (d *Device) injected(op string) error {
	if errno, ok := d.inject[op]; ok {
		delete(d.inject, op)
		return errno
	}
	if d.removed {
		return syscall.ENODEV
	}
	return nil
}

// Disconnect simulates unplugging the device. Every later driver call fails
// with ENODEV; unmapping still works.
func (d *Device) Disconnect() {
	d.mu.Lock()
	d.removed = true
	d.mu.Unlock()
	d.signal()
}

// MarkRemoved is Disconnect under the name v4l2.Device uses, so the fake
// can stand in for a device watched by hotplug.
func (d *Device) MarkRemoved() {
	d.Disconnect()
}

func (d *Device) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Device) RequestBuffers(req *streamio.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("RequestBuffers"); err != nil {
		return err
	}
	for _, m := range d.cfg.Unsupported {
		if m == req.Memory {
			return syscall.EINVAL
		}
	}
	if d.streaming[req.Direction] {
		return syscall.EBUSY
	}
	d.requests = append(d.requests, req.Count)
	req.Capabilities = d.cfg.Capabilities

	if req.Count == 0 {
		d.buffers = nil
		d.pending = nil
		d.done = nil
		return nil
	}

	count := max(req.Count, d.cfg.MinBuffers)
	if d.cfg.Grant > 0 {
		count = min(count, d.cfg.Grant)
	}
	d.memory = req.Memory
	d.dir = req.Direction
	d.buffers = make([]*buffer, count)
	for i := range d.buffers {
		b := &buffer{length: d.cfg.BufferLength, fd: -1}
		if req.Memory == streamio.MemoryMMAP {
			b.offset = uint32(i) * d.cfg.BufferLength
			b.data = make([]byte, d.cfg.BufferLength)
		}
		d.buffers[i] = b
	}
	req.Count = count
	return nil
}

func (d *Device) QueryBuffer(rec *streamio.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("QueryBuffer"); err != nil {
		return err
	}
	b, err := d.buffer(rec.Index)
	if err != nil {
		return err
	}
	d.export(rec, b)
	return nil
}

func (d *Device) QueueBuffer(rec *streamio.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("QueueBuffer"); err != nil {
		return err
	}
	if rec.Memory != d.memory {
		return syscall.EINVAL
	}
	b, err := d.buffer(rec.Index)
	if err != nil {
		return err
	}
	if b.state != bufUser {
		return syscall.EINVAL
	}
	switch rec.Memory {
	case streamio.MemoryUserPtr:
		if rec.UserPtr == 0 || rec.Length == 0 {
			return syscall.EFAULT
		}
		b.userptr = rec.UserPtr
		b.length = rec.Length
	case streamio.MemoryDMABuf:
		if rec.FD < 0 {
			return syscall.EBADF
		}
		b.fd = rec.FD
		b.length = rec.Length
	}
	if rec.Direction == streamio.Output {
		if rec.BytesUsed > b.length {
			return syscall.EINVAL
		}
		b.bytesused = rec.BytesUsed
	}
	b.state = bufQueued
	d.pending = append(d.pending, rec.Index)
	if d.cfg.AutoComplete && d.streaming[d.dir] {
		d.completeLocked(b.length)
	}
	return nil
}

func (d *Device) DequeueBuffer(rec *streamio.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("DequeueBuffer"); err != nil {
		return err
	}
	if !d.streaming[rec.Direction] {
		return syscall.EINVAL
	}
	if len(d.done) == 0 {
		return syscall.EAGAIN
	}
	idx := d.done[0]
	d.done = d.done[1:]
	b := d.buffers[idx]
	b.state = bufUser
	rec.Index = idx
	d.export(rec, b)
	rec.BytesUsed = b.bytesused
	rec.Sequence = b.sequence
	rec.Timestamp = b.timestamp
	rec.Flags = b.flags | streamio.FlagTimestampMonotonic
	rec.Field = 1
	b.flags = 0
	return nil
}

func (d *Device) StreamOn(dir streamio.Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("StreamOn"); err != nil {
		return err
	}
	if d.streaming[dir] {
		return syscall.EBUSY
	}
	if len(d.buffers) == 0 {
		return syscall.EINVAL
	}
	d.streaming[dir] = true
	if d.cfg.AutoComplete {
		for len(d.pending) > 0 {
			d.completeLocked(d.cfg.BufferLength)
		}
	}
	return nil
}

// StreamOff stops the queue and hands every buffer back to userspace.
func (d *Device) StreamOff(dir streamio.Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("StreamOff"); err != nil {
		return err
	}
	d.streaming[dir] = false
	for _, b := range d.buffers {
		b.state = bufUser
	}
	d.pending = nil
	d.done = nil
	return nil
}

func (d *Device) Map(offset, length uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("Map"); err != nil {
		return nil, err
	}
	for _, b := range d.buffers {
		if b.data != nil && b.offset == offset {
			if length > uint32(len(b.data)) {
				return nil, syscall.EINVAL
			}
			data := b.data[:length:length]
			d.mapped[&data[0]]++
			return data, nil
		}
	}
	return nil, syscall.EINVAL
}

func (d *Device) MapHandle(fd int, length uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("MapHandle"); err != nil {
		return nil, err
	}
	if fd < 0 || length == 0 {
		return nil, syscall.EINVAL
	}
	data := make([]byte, length)
	d.mapped[&data[0]]++
	return data, nil
}

func (d *Device) Unmap(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(data) == 0 {
		return syscall.EINVAL
	}
	p := &data[0]
	if d.mapped[p] == 0 {
		return syscall.EINVAL
	}
	if d.mapped[p]--; d.mapped[p] == 0 {
		delete(d.mapped, p)
	}
	return nil
}

func (d *Device) ExportBuffer(_ streamio.Direction, index uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injected("ExportBuffer"); err != nil {
		return -1, err
	}
	if d.memory != streamio.MemoryMMAP {
		return -1, syscall.EINVAL
	}
	if _, err := d.buffer(index); err != nil {
		return -1, err
	}
	fd := 100 + int(index)
	d.exported = append(d.exported, fd)
	return fd, nil
}

// Poll reports PollIn/PollOut once a completed buffer is waiting, and
// PollErr|PollHup after Disconnect.
func (d *Device) Poll(events int16, timeout time.Duration) (int16, error) {
	if revents, ok := d.ready(events); ok {
		return revents, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.wake:
	case <-timer.C:
	}
	revents, _ := d.ready(events)
	return revents, nil
}

func (d *Device) ready(events int16) (int16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return streamio.PollErr | streamio.PollHup, true
	}
	if len(d.done) > 0 {
		return events & (streamio.PollIn | streamio.PollOut), true
	}
	return 0, false
}

// Complete finishes the oldest queued buffer. Capture buffers report used
// bytes and, when their memory is reachable, are filled with the low byte of
// their sequence number. It returns false when nothing is queued.
func (d *Device) Complete(used uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completeLocked(used)
}

// CompleteWithError finishes the oldest queued buffer with FlagError set.
func (d *Device) CompleteWithError(used uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) > 0 {
		d.buffers[d.pending[0]].flags |= streamio.FlagError
	}
	return d.completeLocked(used)
}

// Skip advances the sequence counter as if n frames were dropped.
func (d *Device) Skip(n uint32) {
	d.mu.Lock()
	d.sequence += n
	d.mu.Unlock()
}

func (d *Device) completeLocked(used uint32) bool {
	if len(d.pending) == 0 {
		return false
	}
	idx := d.pending[0]
	d.pending = d.pending[1:]
	b := d.buffers[idx]

	if d.dir == streamio.Output {
		if mem := d.memoryOf(b); mem != nil {
			d.drained = append(d.drained, append([]byte(nil), mem[:b.bytesused]...))
		}
	} else {
		b.bytesused = min(used, b.length)
		if mem := d.memoryOf(b); mem != nil {
			for i := range mem[:b.bytesused] {
				mem[i] = byte(d.sequence)
			}
		}
	}

	elapsed := time.Since(d.start)
	b.sequence = d.sequence
	b.timestamp = streamio.Timestamp{
		Sec:  int64(elapsed / time.Second),
		Usec: int64(elapsed%time.Second) / int64(time.Microsecond),
	}
	b.state = bufDone
	d.sequence++
	d.done = append(d.done, idx)
	d.signal()
	return true
}

func (d *Device) memoryOf(b *buffer) []byte {
	switch d.memory {
	case streamio.MemoryMMAP:
		return b.data
	case streamio.MemoryUserPtr:
		if mem, ok := d.userMem[b.userptr]; ok {
			return mem[:min(int(b.length), len(mem))]
		}
	}
	return nil
}

func (d *Device) buffer(index uint32) (*buffer, error) {
	if int(index) >= len(d.buffers) {
		return nil, syscall.EINVAL
	}
	return d.buffers[index], nil
}

func (d *Device) export(rec *streamio.Record, b *buffer) {
	rec.Memory = d.memory
	rec.Length = b.length
	switch d.memory {
	case streamio.MemoryMMAP:
		rec.Offset = b.offset
	case streamio.MemoryUserPtr:
		rec.UserPtr = b.userptr
	case streamio.MemoryDMABuf:
		rec.FD = b.fd
	}
	switch b.state {
	case bufQueued:
		rec.Flags = streamio.FlagQueued
	case bufDone:
		rec.Flags = streamio.FlagDone
	default:
		rec.Flags = 0
	}
	if d.memory == streamio.MemoryMMAP {
		rec.Flags |= streamio.FlagMapped
	}
}

// Mapped returns the number of live mappings.
func (d *Device) Mapped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.mapped {
		n += c
	}
	return n
}

// Requests returns the count of every REQBUFS call, in order.
func (d *Device) Requests() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.requests...)
}

// Queued returns the number of buffers owned by the driver.
func (d *Device) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) + len(d.done)
}

// Streaming reports whether dir is streaming.
func (d *Device) Streaming(dir streamio.Direction) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming[dir]
}

// Drained returns copies of the payload of every completed output buffer.
func (d *Device) Drained() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.drained...)
}

// Allocating wraps d so it also implements streamio.UserAllocator, letting
// the fake write into USERPTR buffers it allocated.
func Allocating(d *Device) *AllocatingDevice {
	return &AllocatingDevice{Device: d}
}

// AllocatingDevice is a Device with a USERPTR allocator.
type AllocatingDevice struct {
	*Device
	allocs int
}

func (a *AllocatingDevice) AllocUser(size int) ([]byte, error) {
	if size <= 0 {
		return nil, syscall.EINVAL
	}
	data := make([]byte, size)
	a.mu.Lock()
	a.userMem[uintptr(unsafe.Pointer(&data[0]))] = data
	a.allocs++
	a.mu.Unlock()
	return data, nil
}

func (a *AllocatingDevice) FreeUser(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := uintptr(unsafe.Pointer(&data[0]))
	if _, ok := a.userMem[p]; !ok {
		return syscall.EINVAL
	}
	delete(a.userMem, p)
	a.allocs--
	return nil
}

// Allocations returns the number of live USERPTR allocations.
func (a *AllocatingDevice) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}

var (
	_ streamio.Device        = (*Device)(nil)
	_ streamio.UserAllocator = (*AllocatingDevice)(nil)
)

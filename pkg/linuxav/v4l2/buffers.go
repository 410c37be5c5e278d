//go:build linux

package v4l2

import (
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
)

func (d *Device) RequestBuffers(req *streamio.Request) error {
	rb := v4l2RequestBuffers{
		count:  req.Count,
		typ:    uint32(req.Direction),
		memory: uint32(req.Memory),
	}
	if err := d.ioctl(vidiocReqbufs, unsafe.Pointer(&rb)); err != nil {
		return err
	}
	req.Count = rb.count
	req.Capabilities = rb.capabilities
	return nil
}

func (d *Device) QueryBuffer(rec *streamio.Record) error {
	return d.bufferIoctl(vidiocQuerybuf, rec)
}

func (d *Device) QueueBuffer(rec *streamio.Record) error {
	return d.bufferIoctl(vidiocQbuf, rec)
}

func (d *Device) DequeueBuffer(rec *streamio.Record) error {
	return d.bufferIoctl(vidiocDqbuf, rec)
}

func (d *Device) bufferIoctl(req uint, rec *streamio.Record) error {
	b := encodeBuffer(rec)
	if err := d.ioctl(req, unsafe.Pointer(&b)); err != nil {
		return err
	}
	decodeBuffer(&b, rec)
	return nil
}

// StreamOn starts the queue. A second StreamOn for the same direction on this
// handle fails with EBUSY.
func (d *Device) StreamOn(dir streamio.Direction) error {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	if d.streaming[dir] {
		return syscall.EBUSY
	}
	typ := uint32(dir)
	if err := d.ioctl(vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return err
	}
	d.streaming[dir] = true
	return nil
}

// StreamOff stops the queue. The driver returns every buffer to userspace.
func (d *Device) StreamOff(dir streamio.Direction) error {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	typ := uint32(dir)
	err := d.ioctl(vidiocStreamoff, unsafe.Pointer(&typ))
	if err == nil || d.Removed() {
		d.streaming[dir] = false
	}
	return err
}

// Map maps an MMAP buffer at the offset reported by QueryBuffer.
func (d *Device) Map(offset, length uint32) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.removed {
		return nil, syscall.ENODEV
	}
	if d.fd < 0 {
		return nil, syscall.EBADF
	}
	return mapShared(d.fd, int64(offset), int(length))
}

// MapHandle maps a DMABUF handle for CPU access.
func (d *Device) MapHandle(fd int, length uint32) ([]byte, error) {
	return mapShared(fd, 0, int(length))
}

// Unmap releases a mapping made by Map or MapHandle. It works after the
// device is gone.
func (d *Device) Unmap(data []byte) error {
	return unmap(data)
}

// ExportBuffer exports an MMAP buffer as a DMABUF handle (VIDIOC_EXPBUF).
func (d *Device) ExportBuffer(dir streamio.Direction, index uint32) (int, error) {
	eb := v4l2ExportBuffer{
		typ:   uint32(dir),
		index: index,
		flags: unix.O_CLOEXEC | unix.O_RDWR,
	}
	if err := d.ioctl(vidiocExpbuf, unsafe.Pointer(&eb)); err != nil {
		return -1, err
	}
	return int(eb.fd), nil
}

// Poll waits for events on the device. A removed or closed device reports
// PollErr|PollHup immediately.
func (d *Device) Poll(events int16, timeout time.Duration) (int16, error) {
	d.mu.RLock()
	fd, removed := d.fd, d.removed
	d.mu.RUnlock()
	if removed || fd < 0 {
		return streamio.PollErr | streamio.PollHup, nil
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return fds[0].Revents, nil
}

// AllocUser returns page-aligned anonymous memory for a USERPTR buffer.
func (d *Device) AllocUser(size int) ([]byte, error) {
	return mapAnonymous(size)
}

func (d *Device) FreeUser(data []byte) error {
	return unmap(data)
}

func encodeBuffer(rec *streamio.Record) v4l2Buffer {
	b := v4l2Buffer{
		index:     rec.Index,
		typ:       uint32(rec.Direction),
		bytesused: rec.BytesUsed,
		flags:     uint32(rec.Flags),
		field:     rec.Field,
		sequence:  rec.Sequence,
		memory:    uint32(rec.Memory),
		length:    rec.Length,
	}
	b.setTimestamp(rec.Timestamp)
	switch rec.Memory {
	case streamio.MemoryMMAP:
		b.setM(uint64(rec.Offset))
	case streamio.MemoryUserPtr:
		b.setM(uint64(rec.UserPtr))
	case streamio.MemoryDMABuf:
		b.setM(uint64(uint32(rec.FD)))
	}
	return b
}

func decodeBuffer(b *v4l2Buffer, rec *streamio.Record) {
	rec.Index = b.index
	rec.Direction = streamio.Direction(b.typ)
	rec.BytesUsed = b.bytesused
	rec.Flags = streamio.Flags(b.flags)
	rec.Field = b.field
	rec.Timestamp = b.timestamp()
	rec.Sequence = b.sequence
	rec.Memory = streamio.Memory(b.memory)
	rec.Length = b.length
	switch rec.Memory {
	case streamio.MemoryMMAP:
		rec.Offset = uint32(b.getM())
	case streamio.MemoryUserPtr:
		rec.UserPtr = uintptr(b.getM())
	case streamio.MemoryDMABuf:
		rec.FD = int32(uint32(b.getM()))
	}
}

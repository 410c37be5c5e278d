//go:build linux

package v4l2

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"unsafe"

	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
)

// ErrNotVideoDevice is returned by Open for nodes that do not answer
// VIDIOC_QUERYCAP.
var ErrNotVideoDevice = errors.New("not a V4L2 device")

// Device is an open V4L2 device node. It implements streamio.Device and
// streamio.UserAllocator and is safe for concurrent use.
type Device struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex // guards fd against Close during an ioctl
	fd      int
	refs    int
	removed bool

	streamMu  sync.Mutex
	streaming map[streamio.Direction]bool
}

var (
	_ streamio.Device        = (*Device)(nil)
	_ streamio.UserAllocator = (*Device)(nil)
)

// Open opens a video device node non-blocking and checks that it speaks V4L2.
func Open(path string) (*Device, error) {
	fd, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	d := newDevice(path, fd)
	if _, err := d.QueryCapabilities(); err != nil {
		closeFd(fd)
		if errors.Is(err, syscall.ENOTTY) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotVideoDevice)
		}
		return nil, fmt.Errorf("failed to query %s: %w", path, err)
	}
	d.logger.Debug("Opened video device", "fd", fd)
	return d, nil
}

func newDevice(path string, fd int) *Device {
	return &Device{
		path:      path,
		logger:    slog.With("component", "linuxav", "device", path),
		fd:        fd,
		refs:      1,
		streaming: make(map[streamio.Direction]bool),
	}
}

// Path returns the device node path.
func (d *Device) Path() string {
	return d.path
}

// Retain adds a reference. Every Retain must be paired with a Close.
func (d *Device) Retain() *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs++
	return d
}

// Close drops a reference and closes the node when the last one is gone.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		return nil
	}
	d.refs--
	if d.refs > 0 || d.fd < 0 {
		return nil
	}
	err := closeFd(d.fd)
	d.fd = -1
	d.logger.Debug("Closed video device")
	return err
}

// MarkRemoved makes every later driver call fail with ENODEV.
func (d *Device) MarkRemoved() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.removed {
		d.removed = true
		d.logger.Info("Device marked as removed")
	}
}

// Removed reports whether MarkRemoved was called or the driver reported
// the device gone.
func (d *Device) Removed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.removed
}

func (d *Device) ioctl(req uint, arg unsafe.Pointer) error {
	d.mu.RLock()
	if d.removed {
		d.mu.RUnlock()
		return syscall.ENODEV
	}
	if d.fd < 0 {
		d.mu.RUnlock()
		return syscall.EBADF
	}
	err := ioctl(d.fd, req, arg)
	d.mu.RUnlock()

	if errors.Is(err, syscall.ENODEV) {
		d.MarkRemoved()
	}
	return err
}

// QueryCapabilities issues VIDIOC_QUERYCAP.
func (d *Device) QueryCapabilities() (Capabilities, error) {
	var c v4l2Capability
	if err := d.ioctl(vidiocQuerycap, unsafe.Pointer(&c)); err != nil {
		return Capabilities{}, err
	}
	return Capabilities{
		Driver:       cstr(c.driver[:]),
		Card:         cstr(c.card[:]),
		BusInfo:      cstr(c.busInfo[:]),
		Version:      c.version,
		Capabilities: c.capabilities,
		DeviceCaps:   c.deviceCaps,
	}, nil
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

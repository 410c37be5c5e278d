package streamio

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"EAGAIN", syscall.EAGAIN, CodeWouldBlock},
		{"ENODEV", syscall.ENODEV, CodeDisconnected},
		{"ENXIO", syscall.ENXIO, CodeDisconnected},
		{"EIO", syscall.EIO, CodeDisconnected},
		{"EBADF", syscall.EBADF, CodeDisconnected},
		{"EBUSY", syscall.EBUSY, CodeDeviceBusy},
		{"EINVAL", syscall.EINVAL, CodeDriver},
		{"EPIPE", syscall.EPIPE, CodeDriver},
		{"wrapped ENODEV", fmt.Errorf("ioctl: %w", syscall.ENODEV), CodeDisconnected},
		{"already classified", newError(CodeOutOfRange, "x", 1, "", nil), CodeOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("VIDIOC_DQBUF", 2, tt.err)
			if got.Code != tt.want {
				t.Errorf("classify(%v).Code = %s, want %s", tt.err, got.Code, tt.want)
			}
		})
	}

	if classify("op", -1, nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("capture: %w", newError(CodeDisconnected, "VIDIOC_DQBUF", 3, "", syscall.ENODEV))

	if !errors.Is(err, ErrDisconnected) {
		t.Error("errors.Is(err, ErrDisconnected) = false")
	}
	if errors.Is(err, ErrWouldBlock) {
		t.Error("errors.Is(err, ErrWouldBlock) = true")
	}
	if !errors.Is(err, syscall.ENODEV) {
		t.Error("errno not reachable through Unwrap")
	}
	if CodeOf(err) != CodeDisconnected {
		t.Errorf("CodeOf() = %q", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain error) not empty")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{
			err:  newError(CodeDriver, "VIDIOC_QBUF", 2, "", syscall.EINVAL),
			want: "DRIVER_ERROR: VIDIOC_QBUF (buffer 2): invalid argument",
		},
		{
			err:  newError(CodeAllocation, "VIDIOC_REQBUFS", -1, "requested 4 buffers, driver granted 2", nil),
			want: "ALLOCATION_ERROR: VIDIOC_REQBUFS: requested 4 buffers, driver granted 2",
		},
		{
			err:  ErrWouldBlock,
			want: "WOULD_BLOCK",
		},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

//go:build linux

package v4l2

import "fmt"

// Capabilities is the result of VIDIOC_QUERYCAP.
type Capabilities struct {
	Driver       string
	Card         string
	BusInfo      string
	Version      uint32
	Capabilities uint32 // of the physical device
	DeviceCaps   uint32 // of this node, when CapDeviceCaps is set
}

// Effective returns the capabilities of the opened node.
func (c Capabilities) Effective() uint32 {
	if c.Capabilities&CapDeviceCaps != 0 {
		return c.DeviceCaps
	}
	return c.Capabilities
}

func (c Capabilities) CanCapture() bool { return c.Effective()&CapVideoCapture != 0 }
func (c Capabilities) CanOutput() bool  { return c.Effective()&CapVideoOutput != 0 }
func (c Capabilities) CanStream() bool  { return c.Effective()&CapStreaming != 0 }

// VersionString formats the kernel version number, e.g. "6.8.0".
func (c Capabilities) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", c.Version>>16, (c.Version>>8)&0xff, c.Version&0xff)
}

// FormatInfo describes a pixel format reported by VIDIOC_ENUM_FMT.
type FormatInfo struct {
	PixelFormat uint32
	FormatName  string
	Emulated    bool
	Compressed  bool
}

// Format is the single-planar pixel format (struct v4l2_pix_format).
type Format struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32 // buffer size needed for one frame
	Colorspace   uint32
}

// FrameSize is a supported resolution. For stepwise and continuous ranges
// Width and Height are the minimum and Stepwise is set.
type FrameSize struct {
	Width      uint32
	Height     uint32
	Stepwise   bool
	MaxWidth   uint32
	MaxHeight  uint32
	StepWidth  uint32
	StepHeight uint32
}

// Framerate represents a supported frame interval as a fraction of seconds.
type Framerate struct {
	Numerator   uint32
	Denominator uint32
}

// FPS returns the framerate as frames per second.
func (f Framerate) FPS() float64 {
	if f.Numerator == 0 {
		return 0
	}
	return float64(f.Denominator) / float64(f.Numerator)
}

// Capability flags.
const (
	CapVideoCapture uint32 = 0x00000001
	CapVideoOutput  uint32 = 0x00000002
	CapVideoM2M     uint32 = 0x00008000
	CapReadWrite    uint32 = 0x01000000
	CapStreaming    uint32 = 0x04000000
	CapDeviceCaps   uint32 = 0x80000000
)

// Format flags.
const (
	fmtFlagCompressed = 0x0001
	fmtFlagEmulated   = 0x0002
)

// Common pixel formats.
const (
	PixFmtYUYV  uint32 = 0x56595559 // 'YUYV'
	PixFmtMJPEG uint32 = 0x47504A4D // 'MJPG'
	PixFmtH264  uint32 = 0x34363248 // 'H264'
	PixFmtHEVC  uint32 = 0x43564548 // 'HEVC'
	PixFmtNV12  uint32 = 0x3231564E // 'NV12'
	PixFmtRGB24 uint32 = 0x33424752 // 'RGB3'
)

// Field orders.
const (
	FieldAny  uint32 = 0
	FieldNone uint32 = 1
)

// Frame size types.
const (
	frmsizeTypeDiscrete   = 1
	frmsizeTypeContinuous = 2
	frmsizeTypeStepwise   = 3
)

// Frame interval types.
const (
	frmivalTypeDiscrete   = 1
	frmivalTypeContinuous = 2
	frmivalTypeStepwise   = 3
)

//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"unsafe"

	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
)

// GetFormat returns the current format of the dir queue.
func (d *Device) GetFormat(dir streamio.Direction) (Format, error) {
	f := v4l2Format{typ: uint32(dir)}
	if err := d.ioctl(vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, fmt.Errorf("failed to get %s format: %w", dir, err)
	}
	return fromPixFormat(&f.pix), nil
}

// SetFormat asks the driver for format f and returns what it settled on.
// Drivers adjust unsupported sizes rather than fail.
func (d *Device) SetFormat(dir streamio.Direction, f Format) (Format, error) {
	if f.Field == FieldAny {
		f.Field = FieldNone
	}
	vf := v4l2Format{typ: uint32(dir)}
	vf.pix = v4l2PixFormat{
		width:        f.Width,
		height:       f.Height,
		pixelformat:  f.PixelFormat,
		field:        f.Field,
		bytesperline: f.BytesPerLine,
		sizeimage:    f.SizeImage,
		colorspace:   f.Colorspace,
	}
	if err := d.ioctl(vidiocSFmt, unsafe.Pointer(&vf)); err != nil {
		return Format{}, fmt.Errorf("failed to set %s format %s %dx%d: %w",
			dir, FormatFourCC(f.PixelFormat), f.Width, f.Height, err)
	}
	got := fromPixFormat(&vf.pix)
	if got.Width != f.Width || got.Height != f.Height || got.PixelFormat != f.PixelFormat {
		d.logger.Info("Driver adjusted format",
			"requested", fmt.Sprintf("%s %dx%d", FormatFourCC(f.PixelFormat), f.Width, f.Height),
			"actual", got.String())
	}
	return got, nil
}

func fromPixFormat(p *v4l2PixFormat) Format {
	return Format{
		Width:        p.width,
		Height:       p.height,
		PixelFormat:  p.pixelformat,
		Field:        p.field,
		BytesPerLine: p.bytesperline,
		SizeImage:    p.sizeimage,
		Colorspace:   p.colorspace,
	}
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dx%d (%d bytes)", FormatFourCC(f.PixelFormat), f.Width, f.Height, f.SizeImage)
}

// GetFormats returns all supported pixel formats of the dir queue.
func (d *Device) GetFormats(dir streamio.Direction) ([]FormatInfo, error) {
	var formats []FormatInfo

	for i := uint32(0); ; i++ {
		fmtdesc := v4l2Fmtdesc{
			index: i,
			typ:   uint32(dir),
		}

		if err := d.ioctl(vidiocEnumFmt, unsafe.Pointer(&fmtdesc)); err != nil {
			if errors.Is(err, syscall.EINVAL) {
				break // End of enumeration
			}
			return nil, fmt.Errorf("failed to enumerate format %d: %w", i, err)
		}

		formats = append(formats, FormatInfo{
			PixelFormat: fmtdesc.pixelformat,
			FormatName:  cstr(fmtdesc.description[:]),
			Emulated:    fmtdesc.flags&fmtFlagEmulated != 0,
			Compressed:  fmtdesc.flags&fmtFlagCompressed != 0,
		})
	}

	return formats, nil
}

// GetFrameSizes returns the resolutions supported for a pixel format.
func (d *Device) GetFrameSizes(pixelFormat uint32) ([]FrameSize, error) {
	var sizes []FrameSize

	for i := uint32(0); ; i++ {
		frmsize := v4l2Frmsizeenum{
			index:       i,
			pixelFormat: pixelFormat,
		}

		if err := d.ioctl(vidiocEnumFramesizes, unsafe.Pointer(&frmsize)); err != nil {
			if errors.Is(err, syscall.EINVAL) {
				break
			}
			// ENOTTY means device doesn't support frame size enumeration
			if errors.Is(err, syscall.ENOTTY) {
				return []FrameSize{}, nil
			}
			return nil, fmt.Errorf("failed to enumerate frame size %d: %w", i, err)
		}

		switch frmsize.typ {
		case frmsizeTypeDiscrete:
			sizes = append(sizes, FrameSize{Width: frmsize.u[0], Height: frmsize.u[1]})
		case frmsizeTypeContinuous, frmsizeTypeStepwise:
			// min_width, max_width, step_width, min_height, max_height, step_height
			sizes = append(sizes, FrameSize{
				Width:      frmsize.u[0],
				MaxWidth:   frmsize.u[1],
				StepWidth:  frmsize.u[2],
				Height:     frmsize.u[3],
				MaxHeight:  frmsize.u[4],
				StepHeight: frmsize.u[5],
				Stepwise:   true,
			})
			return sizes, nil // Only one stepwise entry
		}
	}

	return sizes, nil
}

// GetFramerates returns the frame intervals supported for a format and
// resolution. Stepwise ranges are reported as their two ends.
func (d *Device) GetFramerates(pixelFormat, width, height uint32) ([]Framerate, error) {
	var framerates []Framerate

	for i := uint32(0); ; i++ {
		frmival := v4l2Frmivalenum{
			index:       i,
			pixelFormat: pixelFormat,
			width:       width,
			height:      height,
		}

		if err := d.ioctl(vidiocEnumFrameintervals, unsafe.Pointer(&frmival)); err != nil {
			if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
				break
			}
			return nil, fmt.Errorf("failed to enumerate frame interval %d: %w", i, err)
		}

		switch frmival.typ {
		case frmivalTypeDiscrete:
			framerates = append(framerates, Framerate{
				Numerator:   frmival.u[0],
				Denominator: frmival.u[1],
			})
		case frmivalTypeContinuous, frmivalTypeStepwise:
			// min and max intervals; the smallest interval is the highest rate
			framerates = append(framerates,
				Framerate{Numerator: frmival.u[0], Denominator: frmival.u[1]},
				Framerate{Numerator: frmival.u[2], Denominator: frmival.u[3]},
			)
			return framerates, nil
		}
	}

	return framerates, nil
}

// FormatFourCC converts a 4-byte pixel format to a human-readable string.
func FormatFourCC(format uint32) string {
	b := make([]byte, 4)
	b[0] = byte(format & 0xFF)
	b[1] = byte((format >> 8) & 0xFF)
	b[2] = byte((format >> 16) & 0xFF)
	b[3] = byte((format >> 24) & 0xFF)
	return string(b)
}

// ParseFourCC converts a code such as "YUYV" or "MJPG" to a pixel format.
// Codes shorter than four characters are padded with spaces.
func ParseFourCC(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 || len(s) > 4 {
		return 0, fmt.Errorf("invalid fourcc %q", s)
	}
	s += strings.Repeat(" ", 4-len(s))
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24, nil
}

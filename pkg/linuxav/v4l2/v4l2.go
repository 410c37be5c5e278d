//go:build linux

// Package v4l2 provides pure Go bindings to the Video4Linux2 (V4L2) API:
// an open device handle implementing streamio.Device, capability and format
// queries.
//
// This package does not use cgo, enabling simple cross-compilation for
// different Linux architectures (amd64, arm64, arm).
//
// # Opening a Device
//
// Devices are always opened non-blocking. The handle is reference counted so
// it can be shared between an arena, a stream and control code:
//
//	dev, err := v4l2.Open("/dev/video0")
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
// # Format Negotiation
//
// Only the buffer size of the negotiated format matters for streaming:
//
//	f, err := dev.SetFormat(streamio.Capture, v4l2.Format{
//	    Width: 1280, Height: 720, PixelFormat: v4l2.PixFmtYUYV,
//	})
//	arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
//	    Direction: streamio.Capture,
//	    Memory:    streamio.MemoryUserPtr,
//	    Count:     4,
//	    Size:      int(f.SizeImage),
//	})
//
// # Device Removal
//
// After the device is unplugged every ioctl fails with ENODEV. MarkRemoved
// short-circuits this when removal is learned from elsewhere, e.g. a hotplug
// monitor, so a stream notices on its next poll interval.
package v4l2

// Package streamio implements zero-copy streaming I/O on top of the V4L2
// buffer queue.
//
// An Arena owns the memory of a fixed set of buffer slots, shared with the
// driver through one memory transport: driver memory mapped into the process
// (MMAP), process memory registered per enqueue (USERPTR), or imported shared
// buffer handles (DMABUF). A Stream drives the queue protocol over an Arena
// and hands out completed buffers as Items:
//
//	arena, err := streamio.NewArena(dev, streamio.ArenaConfig{
//		Direction: streamio.Capture,
//		Memory:    streamio.MemoryMMAP,
//		Count:     4,
//	})
//	if err != nil {
//		return err
//	}
//	stream, err := streamio.NewStream(arena)
//	if err != nil {
//		return err
//	}
//	defer stream.Close()
//
//	if err := stream.Start(); err != nil {
//		return err
//	}
//	for item, err := range stream.All() {
//		if err != nil {
//			return err
//		}
//		process(item.Bytes())
//	}
//
// The device is always driven non-blocking. A blocking Next polls with a
// bounded interval so an unplugged device surfaces ErrDisconnected instead of
// hanging the caller.
//
// The package does not depend on a concrete device. Package
// github.com/smazurov/v4lstream/pkg/linuxav/v4l2 provides the Linux
// implementation of Device; package streamiotest provides a fake driver.
package streamio

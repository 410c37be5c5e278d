package streamio

import "fmt"

// Item is a borrowed view of one dequeued buffer. It stays valid until
// Release, a Stop, or a disconnect, whichever comes first. Data returned by
// Bytes and Buffer must not be retained past that point.
type Item struct {
	stream     *Stream
	slot       *slot
	index      int
	generation uint64
	meta       Metadata
	used       int
	writable   bool
	released   bool
}

// Index returns the slot index of the buffer.
func (it *Item) Index() int {
	return it.index
}

// Metadata returns the driver-reported state of the buffer at dequeue time.
func (it *Item) Metadata() Metadata {
	return it.meta
}

// Bytes returns exactly Len bytes of buffer data. The slice capacity is
// clamped so appends never reach past the used region.
func (it *Item) Bytes() []byte {
	if !it.valid() {
		return nil
	}
	return it.slot.data[:it.used:it.used]
}

// Len returns the number of used bytes.
func (it *Item) Len() int {
	return it.used
}

// Cap returns the slot length.
func (it *Item) Cap() int {
	return it.slot.length
}

// Buffer returns the full writable slot of an output item.
func (it *Item) Buffer() ([]byte, error) {
	if err := it.checkWritable("buffer"); err != nil {
		return nil, err
	}
	return it.slot.data[:it.slot.length:it.slot.length], nil
}

// Write appends p to the used region of an output item. A write that does
// not fit is rejected whole.
func (it *Item) Write(p []byte) (int, error) {
	if err := it.checkWritable("write"); err != nil {
		return 0, err
	}
	if len(p) > it.slot.length-it.used {
		return 0, newError(CodeOutOfRange, "write", it.index,
			fmt.Sprintf("%d bytes do not fit, %d of %d used", len(p), it.used, it.slot.length), nil)
	}
	n := copy(it.slot.data[it.used:it.slot.length], p)
	it.used += n
	return n, nil
}

// SetBytesUsed sets how many bytes of an output item the driver consumes.
func (it *Item) SetBytesUsed(n int) error {
	if err := it.checkWritable("set bytes used"); err != nil {
		return err
	}
	if n < 0 || n > it.slot.length {
		return newError(CodeOutOfRange, "set bytes used", it.index,
			fmt.Sprintf("%d outside [0,%d]", n, it.slot.length), nil)
	}
	it.used = n
	return nil
}

// Reset empties an output item so Write starts at the beginning.
func (it *Item) Reset() error {
	return it.SetBytesUsed(0)
}

// Release hands the buffer back to the driver. Releasing twice, or
// releasing an item invalidated by Stop, is a no-op.
func (it *Item) Release() error {
	if it == nil || it.released {
		return nil
	}
	it.released = true
	return it.stream.release(it)
}

// valid reports whether the item still owns its slot. Stop, a disconnect
// or Close hand the slot back to the stream and make the item stale.
func (it *Item) valid() bool {
	if it.released || it.slot.data == nil {
		return false
	}
	s := it.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	return it.generation == s.generation && s.outstanding == it.index
}

func (it *Item) checkWritable(op string) error {
	if !it.writable {
		return newError(CodeReadOnly, op, it.index, "capture buffers are read-only", nil)
	}
	if !it.valid() {
		return newError(CodeInvalidState, op, it.index, "item released or stale", nil)
	}
	return nil
}

func (it *Item) String() string {
	return fmt.Sprintf("buffer %d: %d/%d bytes seq=%d ts=%s flags=%s",
		it.index, it.used, it.slot.length, it.meta.Sequence, it.meta.Timestamp, it.meta.Flags)
}

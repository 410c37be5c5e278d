package streamio

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"syscall"
	"time"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	fieldNone           = 1 // V4L2_FIELD_NONE
)

type slotState uint8

const (
	slotIdle slotState = iota
	slotQueued
	slotOutstanding
)

// Option configures a Stream.
type Option func(*Stream)

// WithNonBlocking makes Next return ErrWouldBlock instead of waiting.
func WithNonBlocking() Option {
	return func(s *Stream) { s.nonBlocking = true }
}

// WithPollInterval sets how long a blocking Next waits between dequeue
// attempts. The device is always driven non-blocking; the interval bounds
// how late a disconnect is noticed.
func WithPollInterval(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithMaxPollAttempts bounds a blocking Next to n poll intervals, after
// which it returns ErrWouldBlock. Zero waits forever.
func WithMaxPollAttempts(n int) Option {
	return func(s *Stream) {
		if n >= 0 {
			s.maxPollAttempts = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStateObserver registers fn to be called on every state transition.
// fn runs with the stream locked and must not call back into it.
func WithStateObserver(fn func(from, to State)) Option {
	return func(s *Stream) { s.observer = fn }
}

// Stream drives the buffer queue of one Arena.
//
// A Stream is meant to be driven by a single goroutine. Item.Release, Stats,
// State and Stop may be called from elsewhere.
type Stream struct {
	mu    sync.Mutex
	arena *Arena
	dev   Device
	dir   Direction

	state       State
	where       []slotState
	outstanding int
	generation  uint64
	disconnect  *Error
	closed      bool

	nonBlocking     bool
	pollInterval    time.Duration
	maxPollAttempts int
	logger          *slog.Logger
	observer        func(from, to State)

	stats   Stats
	lastSeq uint32
	seqHigh uint64
	seenSeq bool
}

// NewStream takes ownership of arena. The arena is released by Close.
func NewStream(arena *Arena, opts ...Option) (*Stream, error) {
	if arena == nil {
		return nil, newError(CodeInvalidConfig, "", -1, "nil arena", nil)
	}
	if err := arena.acquire(); err != nil {
		return nil, err
	}
	s := &Stream{
		arena:        arena,
		dev:          arena.dev,
		dir:          arena.dir,
		where:        make([]slotState, arena.Len()),
		outstanding:  -1,
		pollInterval: defaultPollInterval,
		logger:       arena.logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Arena returns the arena driven by the stream.
func (s *Stream) Arena() *Arena {
	return s.arena
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Prime enqueues every idle slot without starting the stream.
func (s *Stream) Prime() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primeLocked()
}

func (s *Stream) primeLocked() error {
	if s.closed {
		return errClosed("prime")
	}
	switch s.state {
	case StateDisconnected:
		return s.disconnectedError("prime")
	case StatePrimed, StateStreaming:
		return nil
	}
	for i := range s.where {
		if s.where[i] != slotIdle {
			continue
		}
		if s.dir == Output {
			// Blank frames until the caller writes real ones.
			s.arena.setUsed(i, s.arena.slots[i].length)
		}
		if err := s.enqueueLocked(i); err != nil {
			s.abortLocked()
			return err
		}
	}
	s.setStateLocked(StatePrimed)
	return nil
}

// Start enqueues every slot and starts streaming. Starting a streaming
// stream is a no-op.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStreaming {
		return nil
	}
	if err := s.primeLocked(); err != nil {
		return err
	}
	if err := s.dev.StreamOn(s.dir); err != nil {
		e := classify("VIDIOC_STREAMON", -1, err)
		if e.Code == CodeDisconnected {
			s.markDisconnectedLocked(e)
			return e
		}
		s.abortLocked()
		return e
	}
	s.setStateLocked(StateStreaming)
	s.logger.Debug("Stream started", "buffers", len(s.where))
	return nil
}

// Next dequeues the oldest completed buffer.
//
// In blocking mode Next polls the device until a buffer completes, the device
// disappears, or the poll attempt limit is reached. The stream is unlocked
// while Next waits, so Stats, State and Stop do not stall; a Stop during the
// wait makes Next return ErrInvalidState. In non-blocking mode Next returns
// ErrWouldBlock when nothing is ready.
//
// The previous item must be released before Next is called again; doing
// otherwise panics.
func (s *Stream) Next() (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outstanding >= 0 {
		panic(fmt.Sprintf("streamio: Next called while buffer %d is still outstanding", s.outstanding))
	}

	if s.closed {
		return nil, errClosed("VIDIOC_DQBUF")
	}
	switch s.state {
	case StateDisconnected:
		return nil, s.disconnectedError("VIDIOC_DQBUF")
	case StateIdle:
		return nil, newError(CodeInvalidState, "VIDIOC_DQBUF", -1, "stream not started", nil)
	case StatePrimed:
		if s.nonBlocking {
			s.stats.WouldBlock++
			return nil, newError(CodeWouldBlock, "VIDIOC_DQBUF", -1, "stream primed, not started", nil)
		}
		return nil, newError(CodeInvalidState, "VIDIOC_DQBUF", -1, "stream primed, not started", nil)
	}

	if err := s.requeueIdleLocked(); err != nil {
		return nil, err
	}

	attempts := 0
	for {
		rec := Record{Direction: s.dir, Memory: s.arena.Memory()}
		err := s.dev.DequeueBuffer(&rec)
		if err == nil {
			return s.acceptLocked(&rec)
		}
		if !errors.Is(err, syscall.EAGAIN) && !errors.Is(err, syscall.EINTR) {
			return nil, s.failLocked("VIDIOC_DQBUF", -1, err)
		}
		if s.nonBlocking {
			s.stats.WouldBlock++
			return nil, newError(CodeWouldBlock, "VIDIOC_DQBUF", -1, "", err)
		}
		if s.maxPollAttempts > 0 && attempts >= s.maxPollAttempts {
			s.stats.WouldBlock++
			return nil, newError(CodeWouldBlock, "VIDIOC_DQBUF", -1,
				fmt.Sprintf("no buffer after %d poll attempts", attempts), err)
		}
		attempts++
		if err := s.waitLocked(); err != nil {
			return nil, err
		}
	}
}

// waitLocked polls the device for one interval with the stream unlocked and
// checks that the stream is still streaming afterwards.
func (s *Stream) waitLocked() error {
	events, interval := s.pollEvents(), s.pollInterval
	s.mu.Unlock()
	_, err := s.dev.Poll(events, interval)
	s.mu.Lock()

	switch {
	case s.closed:
		return errClosed("VIDIOC_DQBUF")
	case s.state == StateDisconnected:
		return s.disconnectedError("VIDIOC_DQBUF")
	case s.state != StateStreaming:
		return newError(CodeInvalidState, "VIDIOC_DQBUF", -1, "stream stopped while waiting", nil)
	}
	if err != nil && !errors.Is(err, syscall.EINTR) {
		return s.failLocked("poll", -1, err)
	}
	return nil
}

func (s *Stream) acceptLocked(rec *Record) (*Item, error) {
	idx, ok := s.arena.transport.resolve(rec, s.arena.slots)
	if !ok {
		s.stats.Errors++
		return nil, newError(CodeDriver, "VIDIOC_DQBUF", int(rec.Index), "driver returned unknown buffer", nil)
	}
	if s.where[idx] != slotQueued {
		s.stats.Errors++
		return nil, newError(CodeDriver, "VIDIOC_DQBUF", idx, "driver returned a buffer it did not hold", nil)
	}

	sl := s.arena.slots[idx]
	used := min(int(rec.BytesUsed), sl.length)
	meta := Metadata{
		BytesUsed: used,
		Flags:     rec.Flags,
		Field:     rec.Field,
		Timestamp: rec.Timestamp,
		Sequence:  s.widenSequence(rec.Sequence),
	}
	s.arena.mu.Lock()
	sl.used = used
	sl.meta = meta
	s.arena.mu.Unlock()

	s.where[idx] = slotOutstanding
	s.outstanding = idx
	s.generation++

	s.stats.Frames++
	s.stats.Bytes += uint64(used)
	if rec.Flags.Has(FlagError) {
		s.stats.Corrupted++
	}

	return &Item{
		stream:     s,
		slot:       sl,
		index:      idx,
		generation: s.generation,
		meta:       meta,
		used:       used,
		writable:   s.dir == Output,
	}, nil
}

// widenSequence extends the 32-bit driver sequence across wrap-arounds and
// counts frames the driver skipped.
func (s *Stream) widenSequence(seq uint32) uint64 {
	if s.seenSeq {
		switch {
		case seq < s.lastSeq && s.lastSeq-seq > 1<<31:
			s.seqHigh += 1 << 32
		case seq > s.lastSeq+1:
			s.stats.Dropped += uint64(seq - s.lastSeq - 1)
		}
	}
	s.seenSeq = true
	s.lastSeq = seq
	return s.seqHigh | uint64(seq)
}

func (s *Stream) pollEvents() int16 {
	if s.dir == Output {
		return PollOut
	}
	return PollIn
}

// release re-enqueues the slot of an item.
func (s *Stream) release(it *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.generation != s.generation || s.outstanding != it.index {
		return nil
	}
	s.outstanding = -1
	s.where[it.index] = slotIdle
	if it.writable {
		s.arena.setUsed(it.index, it.used)
	}

	if s.state != StateStreaming {
		return nil
	}
	if err := s.enqueueLocked(it.index); err != nil {
		s.stats.RequeueFailures++
		if e := classify("VIDIOC_QBUF", it.index, err); e.Code != CodeDisconnected {
			s.logger.Warn("Failed to re-enqueue buffer", "index", it.index, "error", err)
		}
		return err
	}
	return nil
}

// requeueIdleLocked retries slots whose re-enqueue failed earlier.
func (s *Stream) requeueIdleLocked() error {
	for i, w := range s.where {
		if w != slotIdle {
			continue
		}
		if err := s.enqueueLocked(i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) enqueueLocked(i int) error {
	sl := s.arena.slots[i]
	rec := Record{
		Index:     uint32(i),
		Direction: s.dir,
		Memory:    s.arena.Memory(),
	}
	s.arena.transport.fill(&rec, sl)
	if s.dir == Output {
		rec.BytesUsed = uint32(sl.used)
		rec.Field = fieldNone
	}
	if err := s.dev.QueueBuffer(&rec); err != nil {
		return s.failLocked("VIDIOC_QBUF", i, err)
	}
	s.where[i] = slotQueued
	return nil
}

// failLocked classifies a driver error and records it. A disconnect is
// terminal.
func (s *Stream) failLocked(op string, index int, err error) *Error {
	e := classify(op, index, err)
	switch e.Code {
	case CodeDisconnected:
		s.markDisconnectedLocked(e)
	case CodeWouldBlock:
		s.stats.WouldBlock++
	default:
		s.stats.Errors++
	}
	return e
}

func (s *Stream) markDisconnectedLocked(e *Error) {
	if s.state == StateDisconnected {
		return
	}
	s.disconnect = e
	s.logger.Warn("Device disconnected", "op", e.Op, "error", e.Cause)
	for i := range s.where {
		s.where[i] = slotIdle
	}
	s.outstanding = -1
	s.generation++
	s.setStateLocked(StateDisconnected)
}

func (s *Stream) disconnectedError(op string) *Error {
	return newError(CodeDisconnected, op, -1, "device disconnected", s.disconnect)
}

// Stop stops streaming and takes every buffer back from the driver. An
// outstanding item becomes stale. Stopping an idle stream is a no-op, and
// stopping a disconnected stream only logs.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Stream) stopLocked() error {
	switch s.state {
	case StateIdle:
		return nil
	case StateDisconnected:
		s.logger.Debug("Stop on disconnected stream")
		return nil
	}
	if err := s.dev.StreamOff(s.dir); err != nil {
		e := classify("VIDIOC_STREAMOFF", -1, err)
		if e.Code == CodeDisconnected {
			s.markDisconnectedLocked(e)
			return nil
		}
		s.stats.Errors++
		return e
	}
	// STREAMOFF hands every queued and done buffer back to userspace.
	s.resetLocked()
	s.setStateLocked(StateIdle)
	s.logger.Debug("Stream stopped")
	return nil
}

// abortLocked returns a stream that failed to start to Idle.
func (s *Stream) abortLocked() {
	if s.state == StateDisconnected {
		return
	}
	if err := s.dev.StreamOff(s.dir); err != nil {
		if e := classify("VIDIOC_STREAMOFF", -1, err); e.Code == CodeDisconnected {
			s.markDisconnectedLocked(e)
			return
		}
		s.logger.Debug("STREAMOFF after failed start", "error", err)
	}
	s.resetLocked()
	s.setStateLocked(StateIdle)
}

func (s *Stream) resetLocked() {
	for i := range s.where {
		s.where[i] = slotIdle
	}
	s.outstanding = -1
	s.generation++
}

// Close stops the stream and releases its arena. A closed stream cannot be
// started again. Closing twice is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	err := s.stopLocked()
	s.closed = true
	s.outstanding = -1
	s.generation++
	s.mu.Unlock()
	s.arena.releaseOwned()
	return err
}

func errClosed(op string) *Error {
	return newError(CodeInvalidState, op, -1, "stream closed", nil)
}

// Each calls fn for every dequeued item and releases the item when fn
// returns. It stops at the first error from Next, fn or the release. fn may
// return ErrStop to end the loop without an error.
func (s *Stream) Each(fn func(*Item) error) error {
	for {
		it, err := s.Next()
		if err != nil {
			return err
		}
		ferr := fn(it)
		rerr := it.Release()
		if errors.Is(ferr, ErrStop) {
			return rerr
		}
		if ferr != nil {
			return ferr
		}
		if rerr != nil {
			return rerr
		}
	}
}

// ErrStop ends Each without an error.
var ErrStop = errors.New("stop iteration")

// All iterates over dequeued items, releasing each one when the loop body
// finishes with it. Errors are yielded with a nil item; the loop continues
// after recoverable errors unless the body breaks, and ends after a
// disconnect or invalid state.
func (s *Stream) All() iter.Seq2[*Item, error] {
	return func(yield func(*Item, error) bool) {
		for {
			it, err := s.Next()
			if err != nil {
				if !yield(nil, err) {
					return
				}
				switch CodeOf(err) {
				case CodeDisconnected, CodeInvalidState:
					return
				}
				continue
			}
			more := yield(it, nil)
			if rerr := it.Release(); rerr != nil {
				if !more || !yield(nil, rerr) {
					return
				}
				continue
			}
			if !more {
				return
			}
		}
	}
}

func (s *Stream) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug("Stream state changed", "from", from.String(), "to", to.String())
	if s.observer != nil {
		s.observer(from, to)
	}
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.state
	st.Buffers = len(s.where)
	st.Outstanding = s.outstanding >= 0
	for _, w := range s.where {
		if w == slotQueued {
			st.Queued++
		}
	}
	if s.seenSeq {
		st.LastSequence = s.seqHigh | uint64(s.lastSeq)
	}
	return st
}

// slotStates reports how many slots are in each state.
func (s *Stream) slotStates() (queued, outstanding, idle int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.where {
		switch w {
		case slotQueued:
			queued++
		case slotOutstanding:
			outstanding++
		default:
			idle++
		}
	}
	return queued, outstanding, idle
}

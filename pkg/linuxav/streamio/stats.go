package streamio

// Stats is a snapshot of Stream counters.
type Stats struct {
	State       State
	Buffers     int
	Queued      int
	Outstanding bool

	Frames          uint64 // buffers dequeued
	Bytes           uint64 // sum of used bytes
	Dropped         uint64 // gaps in the driver sequence
	Corrupted       uint64 // buffers flagged with FlagError
	WouldBlock      uint64
	Errors          uint64
	RequeueFailures uint64
	LastSequence    uint64
}

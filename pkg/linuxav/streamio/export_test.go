package streamio

// SlotStates exposes the per-slot bookkeeping of s to tests.
func SlotStates(s *Stream) (queued, outstanding, idle int) {
	return s.slotStates()
}

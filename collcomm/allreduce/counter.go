package allreduce

import "encoding/binary"

// A SyncCounter tracks the arrivals signalled through a
// rank's synchronization slot.
//
// The slot is an 8-byte little-endian integer that the
// previous rank in the ring increments after each of its
// writes lands. The owning rank only reads and resets it.
type SyncCounter struct {
	slot     []byte
	steps    int
	consumed int
}

// NewSyncCounter wraps a synchronization slot for a ring
// of the given size.
//
// The slot must alias the registered memory that remote
// atomics are applied to.
func NewSyncCounter(slot []byte, size int) *SyncCounter {
	if len(slot) < 8 {
		panic("synchronization slot is smaller than 8 bytes")
	}
	return &SyncCounter{slot: slot[:8], steps: Steps(size)}
}

// Reset zeroes the slot and forgets every consumed
// arrival.
func (s *SyncCounter) Reset() {
	binary.LittleEndian.PutUint64(s.slot, 0)
	s.consumed = 0
}

// Value reads the number of arrivals signalled so far.
func (s *SyncCounter) Value() int64 {
	return int64(binary.LittleEndian.Uint64(s.slot))
}

// Arrived checks if an arrival is waiting to be consumed.
func (s *SyncCounter) Arrived() bool {
	return s.Value() > int64(s.consumed)
}

// Advance consumes one arrival and returns the new step.
func (s *SyncCounter) Advance() int {
	if s.consumed >= s.steps {
		panic("advanced past the final step")
	}
	s.consumed++
	return s.consumed
}

// Consumed returns the number of arrivals consumed.
func (s *SyncCounter) Consumed() int {
	return s.consumed
}

// Done checks if the final arrival has been consumed.
func (s *SyncCounter) Done() bool {
	return s.consumed == s.steps
}

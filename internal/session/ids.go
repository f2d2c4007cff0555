package session

import "sync/atomic"

// SequentialIDs allocates user ids 1, 2, 3... for the life of the process.
type SequentialIDs struct {
	last atomic.Int64
}

// NewSequentialIDs returns an allocator whose first id is 1.
func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{}
}

// NextID returns the next unused id.
func (s *SequentialIDs) NextID() int64 {
	return s.last.Add(1)
}

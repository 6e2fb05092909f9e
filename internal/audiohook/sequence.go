package audiohook

import "sync/atomic"

// SequenceCounter issues the strictly increasing sequence numbers stamped on
// outbound messages. Counters start at zero and the first Next call returns 1;
// they are never reset for the lifetime of a session.
type SequenceCounter struct {
	n atomic.Uint64
}

// Next reserves and returns the next sequence number.
func (c *SequenceCounter) Next() uint64 {
	return c.n.Add(1)
}

// Current returns the most recently issued sequence number.
func (c *SequenceCounter) Current() uint64 {
	return c.n.Load()
}

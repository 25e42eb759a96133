package gateway

import "sync"

// ReplayEntry is one buffered envelope.
type ReplayEntry struct {
	Seq  int64
	Data []byte
}

// ReplayBuffer keeps the newest envelopes of one channel for gap backfill.
// Seqs are pushed in increasing order. Safe for concurrent use.
type ReplayBuffer struct {
	mu      sync.RWMutex
	entries []ReplayEntry
	head    int // index of the oldest entry once full
	size    int
}

// NewReplayBuffer creates a buffer holding up to size entries.
func NewReplayBuffer(size int) *ReplayBuffer {
	if size <= 0 {
		size = 500
	}
	return &ReplayBuffer{entries: make([]ReplayEntry, 0, size), size: size}
}

// Push appends an envelope, evicting the oldest when full. data is copied.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	e := ReplayEntry{Seq: seq, Data: append([]byte(nil), data...)}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.entries) < rb.size {
		rb.entries = append(rb.entries, e)
		return
	}
	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % rb.size
}

// Range returns the entries with seq in [from, to], oldest first.
func (rb *ReplayBuffer) Range(from, to int64) []ReplayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []ReplayEntry
	n := len(rb.entries)
	for i := 0; i < n; i++ {
		e := rb.entries[(rb.head+i)%n]
		if e.Seq >= from && e.Seq <= to {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}

// Package signals implements a deduplicated min-heap of sequence numbers
// needing a poll. Redundant wake-ups collapse into one effective poll per
// slot.
package signals

import (
	"container/heap"

	"github.com/luxfi/pbft/engine/pbft/seqno"
)

type seqHeap []seqno.SeqNo

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(seqno.SeqNo)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Signals maintains the invariant that set membership equals heap presence.
// Not safe for concurrent use; callers (the Consensus Engine) own it
// exclusively.
type Signals struct {
	set  map[seqno.SeqNo]struct{}
	heap seqHeap
}

// New returns an empty Signals.
func New() *Signals {
	return &Signals{set: make(map[seqno.SeqNo]struct{})}
}

// Push records that seq needs a poll. A no-op if seq is already pending.
func (s *Signals) Push(seq seqno.SeqNo) {
	if _, ok := s.set[seq]; ok {
		return
	}
	s.set[seq] = struct{}{}
	heap.Push(&s.heap, seq)
}

// Pop returns the smallest pending sequence number and removes it, or
// (0, false) if none are pending.
func (s *Signals) Pop() (seqno.SeqNo, bool) {
	if len(s.heap) == 0 {
		return 0, false
	}
	seq := heap.Pop(&s.heap).(seqno.SeqNo)
	delete(s.set, seq)
	return seq, true
}

// Len returns the number of distinct pending sequence numbers.
func (s *Signals) Len() int {
	return len(s.heap)
}

// Contains reports whether seq is currently pending.
func (s *Signals) Contains(seq seqno.SeqNo) bool {
	_, ok := s.set[seq]
	return ok
}

// Invariant reports whether |set| == |heap|, checked by tests and callers
// that want to assert IV3 directly.
func (s *Signals) Invariant() bool {
	return len(s.set) == len(s.heap)
}

// Clear empties the structure.
func (s *Signals) Clear() {
	s.set = make(map[seqno.SeqNo]struct{})
	s.heap = nil
}

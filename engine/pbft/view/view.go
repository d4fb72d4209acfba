// Package view holds the immutable view snapshot: membership, leader set,
// and quorum parameter for one PBFT view.
package view

import (
	"fmt"
	"sort"

	"github.com/luxfi/ids"

	"github.com/luxfi/pbft/engine/pbft/seqno"
	"github.com/luxfi/pbft/validators"
)

// Info is an immutable snapshot of one view. A new Info is constructed on
// every view change; it is never mutated in place and is safe to share by
// value across goroutines.
type Info struct {
	seq     seqno.SeqNo
	members []ids.NodeID
	f       int
}

// New builds a view Info for sequence seq over the given replica membership.
// The leader for the view is members[seq % len(members)] (round robin),
// matching the rotating-primary convention of classic PBFT.
func New(seq seqno.SeqNo, members []ids.NodeID, f int) Info {
	cp := make([]ids.NodeID, len(members))
	copy(cp, members)
	return Info{seq: seq, members: cp, f: f}
}

// Seq returns the view sequence number.
func (v Info) Seq() seqno.SeqNo { return v.seq }

// F returns the Byzantine fault tolerance parameter.
func (v Info) F() int { return v.f }

// N returns the replica count.
func (v Info) N() int { return len(v.members) }

// Quorum returns 2f+1, the number of matching votes required to progress
// a phase.
func (v Info) Quorum() int { return 2*v.f + 1 }

// Leader returns the primary for this view.
func (v Info) Leader() ids.NodeID {
	if len(v.members) == 0 {
		return ids.EmptyNodeID
	}
	return v.members[uint32(v.seq)%uint32(len(v.members))]
}

// LeaderSet returns the set of replicas permitted to issue PrePrepares in
// this view. Under rotating-primary PBFT this is a singleton, but the type
// returns a slice so a future multi-leader variant is a non-breaking change.
func (v Info) LeaderSet() []ids.NodeID {
	return []ids.NodeID{v.Leader()}
}

// IsLeader reports whether node is the primary for this view.
func (v Info) IsLeader(node ids.NodeID) bool {
	return v.Leader() == node
}

// Members returns a copy of the view's replica membership.
func (v Info) Members() []ids.NodeID {
	cp := make([]ids.NodeID, len(v.members))
	copy(cp, v.members)
	return cp
}

// WithSeq returns a copy of v installed at a new view sequence number,
// keeping the same membership and f.
func (v Info) WithSeq(seq seqno.SeqNo) Info {
	return New(seq, v.members, v.f)
}

// NewFromValidatorSet builds a view Info whose membership is the node IDs of
// vs, sorted for a deterministic round-robin rotation across replicas that
// all observe the same Set. f is the caller's Byzantine fault tolerance
// parameter (vs carries weights, not a fault count, so it cannot be derived
// from the set alone).
func NewFromValidatorSet(seq seqno.SeqNo, vs validators.Set, f int) Info {
	list := vs.List()
	members := make([]ids.NodeID, len(list))
	for i, val := range list {
		members[i] = val.ID()
	}
	sort.Slice(members, func(i, j int) bool {
		return fmt.Sprintf("%v", members[i]) < fmt.Sprintf("%v", members[j])
	})
	return New(seq, members, f)
}

// Package decision implements a single-slot PBFT state machine: the
// PrePreparing -> Preparing -> Commiting -> Decided agreement path for one
// sequence number within one view. A Decision is a pure state machine with
// an out-param status code; it never calls back into the engine or the
// network, and it never holds a pointer to either.
package decision

import (
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	pbftlog "github.com/luxfi/pbft/log"

	"github.com/luxfi/pbft/engine/pbft/errs"
	"github.com/luxfi/pbft/engine/pbft/seqno"
	"github.com/luxfi/pbft/engine/pbft/wire"
)

// Phase is one state of the three-phase agreement path.
type Phase uint8

const (
	// Init is the leader-only waiting-to-propose state. Non-leader slots
	// are never constructed in Init; they start directly in PrePreparing.
	Init Phase = iota
	// PrePreparing awaits exactly one valid PrePrepare from L(view).
	PrePreparing
	// Preparing tallies Prepare votes for the adopted batch digest.
	Preparing
	// Commiting tallies Commit votes for the adopted batch digest.
	Commiting
	// Decided is terminal within the slot.
	Decided
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "Init"
	case PrePreparing:
		return "PrePreparing"
	case Preparing:
		return "Preparing"
	case Commiting:
		return "Commiting"
	case Decided:
		return "Decided"
	default:
		return "Unknown"
	}
}

// rank orders a phase along the kind it is currently waiting for, so
// ProcessMessage can tell a future message (push back, Queued) from a past
// one (stale evidence, tallied but never transition-triggering) from the
// message the phase actually wants.
func (p Phase) rank() int {
	switch p {
	case Init, PrePreparing:
		return 0
	case Preparing:
		return 1
	case Commiting:
		return 2
	default:
		return 3
	}
}

func kindRank(k wire.Kind) int {
	switch k {
	case wire.KindPrePrepare:
		return 0
	case wire.KindPrepare:
		return 1
	default:
		return 2
	}
}

// PollResult tells the caller what to do next for this slot.
type PollResult uint8

const (
	// PollRecv means nothing is queued for the current phase; go receive
	// more network input.
	PollRecv PollResult = iota
	// PollNextMessage carries a message the caller must feed back through
	// ProcessMessage.
	PollNextMessage
	// PollTryPropose asks the caller to publish this slot's seq into the
	// Proposer Gate; only returned once per slot, from a leader-owned slot
	// sitting in Init.
	PollTryPropose
)

// PollStatus is the result of one Poll call.
type PollStatus struct {
	Result  PollResult
	Message wire.StoredMessage
}

// Status is the result of processing one message against the slot.
type Status uint8

const (
	// StatusNil means the message was absorbed with no visible effect
	// (a harmless duplicate, or stale evidence after the phase moved on).
	StatusNil Status = iota
	// StatusQueued means the message was for a future phase and has been
	// pushed back into this slot's own MessageQueue.
	StatusQueued
	// StatusDeciding means the message was tallied but did not trigger a
	// phase transition.
	StatusDeciding
	// StatusTransitioned means the message moved the slot to its next phase.
	StatusTransitioned
	// StatusDecided means the slot just reached its terminal phase.
	StatusDecided
)

func (s Status) String() string {
	switch s {
	case StatusNil:
		return "Nil"
	case StatusQueued:
		return "Queued"
	case StatusDeciding:
		return "Deciding"
	case StatusTransitioned:
		return "Transitioned"
	case StatusDecided:
		return "Decided"
	default:
		return "Unknown"
	}
}

// CompletedBatch is what Finalize emits: the ordered requests of a decided
// slot plus the digests the persistent log should durably record.
type CompletedBatch struct {
	Seq                        seqno.SeqNo
	BatchDigest                ids.ID
	Requests                   []wire.RequestMessage
	PrePrepareDigestsToPersist []ids.ID
}

// Decision is a single agreement slot. It owns its MessageQueue by value
// and holds no back-pointer into the owning engine.
type Decision struct {
	seq    seqno.SeqNo
	view   seqno.SeqNo
	quorum int
	nodeID ids.NodeID

	leaderOwned bool
	proposed    bool // latches PollTryPropose to at most once

	phase Phase

	prePreparer ids.NodeID
	batchDigest *ids.ID
	batch       []wire.RequestMessage

	prepareVotes map[ids.NodeID]ids.ID
	commitVotes  map[ids.NodeID]ids.ID

	queue wire.MessageQueue

	relaxedPersistence bool
	persisted          bool
	finalized          bool

	log log.Logger
}

// New constructs a Decision for (seq, view). leaderOwned marks a slot this
// node may propose into; such slots start in Init. All other slots start
// directly in PrePreparing, per "Init is transient" for non-leader slots.
// initial is the MessageQueue handed off by the TBO queue (e.g. on
// install_sequence_number's TBO drain), or an empty queue.
func New(seq, view seqno.SeqNo, quorum int, leaderOwned bool, nodeID ids.NodeID, relaxedPersistence bool, initial wire.MessageQueue, logger log.Logger) *Decision {
	if logger == nil {
		logger = pbftlog.NewNoOpLogger()
	}
	phase := PrePreparing
	if leaderOwned {
		phase = Init
	}
	return &Decision{
		seq:                seq,
		view:               view,
		quorum:             quorum,
		nodeID:             nodeID,
		leaderOwned:        leaderOwned,
		phase:              phase,
		prepareVotes:       make(map[ids.NodeID]ids.ID),
		commitVotes:        make(map[ids.NodeID]ids.ID),
		queue:              initial,
		relaxedPersistence: relaxedPersistence,
		log:                logger,
	}
}

// Seq returns the slot's sequence number.
func (d *Decision) Seq() seqno.SeqNo { return d.seq }

// View returns the view this slot is agreeing in.
func (d *Decision) View() seqno.SeqNo { return d.view }

// Phase returns the slot's current phase.
func (d *Decision) Phase() Phase { return d.phase }

// BatchDigest returns the adopted batch digest, if any.
func (d *Decision) BatchDigest() (ids.ID, bool) {
	if d.batchDigest == nil {
		return ids.Empty, false
	}
	return *d.batchDigest, true
}

// IsSignalled reports whether the slot's own MessageQueue has anything
// pending for the engine to drain.
func (d *Decision) IsSignalled() bool { return d.queue.IsSignalled() }

// Enqueue buffers an off-context message into the slot's own MessageQueue
// without processing it, for later draining by Poll. Used by the engine's
// Queue (buffering) path, as opposed to ProcessMessage (immediate).
func (d *Decision) Enqueue(msg wire.StoredMessage) {
	d.queue.Push(msg)
}

// SkipInitPhase forces a leader-owned slot still in Init directly into
// PrePreparing, used when installing a forged PrePrepare from a finished
// view change: the synthetic proposal does not go through TryPropose.
func (d *Decision) SkipInitPhase() {
	if d.phase == Init {
		d.phase = PrePreparing
	}
}

// MarkPersisted records that the persistent log has acked every message
// backing this slot's batch. A no-op once relaxed persistence is set.
func (d *Decision) MarkPersisted() { d.persisted = true }

// IsFinalizeable reports whether the slot is Decided and, unless the
// persistent-log discipline is relaxed, has had its writes acked.
func (d *Decision) IsFinalizeable() bool {
	if d.phase != Decided {
		return false
	}
	return d.relaxedPersistence || d.persisted
}

// Poll drains the slot's own MessageQueue of the kind matching its current
// phase, or asks the caller to propose if this is a leader-owned Init slot
// that hasn't asked yet.
func (d *Decision) Poll() PollStatus {
	switch d.phase {
	case Init:
		if d.leaderOwned && !d.proposed {
			d.proposed = true
			return PollStatus{Result: PollTryPropose}
		}
		return PollStatus{Result: PollRecv}
	case PrePreparing:
		if m, ok := d.queue.PopPrePrepare(); ok {
			return PollStatus{Result: PollNextMessage, Message: m}
		}
	case Preparing:
		if m, ok := d.queue.PopPrepare(); ok {
			return PollStatus{Result: PollNextMessage, Message: m}
		}
	case Commiting:
		if m, ok := d.queue.PopCommit(); ok {
			return PollStatus{Result: PollNextMessage, Message: m}
		}
	}
	return PollStatus{Result: PollRecv}
}

// ProcessMessage validates m against this slot's (seq, view) and advances
// the state machine. It returns the resulting Status and, when the
// transition produces an outbound vote (Prepare after adopting a
// PrePrepare, Commit after reaching the prepare quorum), the message the
// caller must broadcast.
func (d *Decision) ProcessMessage(header wire.Header, m wire.ConsensusMessage) (Status, *wire.ConsensusMessage, error) {
	if m.Seq != d.seq {
		return StatusNil, nil, errs.ErrStaleSequence
	}
	if m.View != d.view {
		return StatusNil, nil, errs.ErrStaleView
	}

	kr := kindRank(m.Kind)
	pr := d.phase.rank()

	if kr > pr {
		d.queue.Push(wire.StoredMessage{Header: header, Message: m})
		return StatusQueued, nil, nil
	}

	switch m.Kind {
	case wire.KindPrePrepare:
		return d.processPrePrepare(header, m)
	case wire.KindPrepare:
		return d.processPrepare(header, m, kr < pr)
	default:
		return d.processCommit(header, m, kr < pr)
	}
}

func (d *Decision) processPrePrepare(header wire.Header, m wire.ConsensusMessage) (Status, *wire.ConsensusMessage, error) {
	if d.phase != Init && d.phase != PrePreparing {
		if header.From == d.prePreparer {
			return StatusNil, nil, nil
		}
		return StatusNil, nil, errs.VotedTwice(header.From)
	}

	digest := m.Digest
	d.batchDigest = &digest
	d.batch = m.Batch
	d.prePreparer = header.From
	d.phase = Preparing
	d.prepareVotes[d.nodeID] = digest
	d.log.Debug("pbft: adopted pre-prepare", "seq", d.seq, "view", d.view, "from", header.From)

	var broadcast *wire.ConsensusMessage
	if d.nodeID != header.From {
		broadcast = &wire.ConsensusMessage{Seq: d.seq, View: d.view, Kind: wire.KindPrepare, Digest: digest}
	}
	return StatusTransitioned, broadcast, nil
}

func (d *Decision) processPrepare(header wire.Header, m wire.ConsensusMessage, isPastPhase bool) (Status, *wire.ConsensusMessage, error) {
	if existing, ok := d.prepareVotes[header.From]; ok {
		if existing != m.Digest {
			return StatusNil, nil, errs.VotedTwice(header.From)
		}
		return StatusNil, nil, nil
	}
	d.prepareVotes[header.From] = m.Digest

	if isPastPhase || d.batchDigest == nil || m.Digest != *d.batchDigest {
		return StatusDeciding, nil, nil
	}
	if d.countMatching(d.prepareVotes, *d.batchDigest) < d.quorum-1 {
		return StatusDeciding, nil, nil
	}

	d.phase = Commiting
	d.commitVotes[d.nodeID] = *d.batchDigest
	broadcast := &wire.ConsensusMessage{Seq: d.seq, View: d.view, Kind: wire.KindCommit, Digest: *d.batchDigest}
	return StatusTransitioned, broadcast, nil
}

func (d *Decision) processCommit(header wire.Header, m wire.ConsensusMessage, isPastPhase bool) (Status, *wire.ConsensusMessage, error) {
	if existing, ok := d.commitVotes[header.From]; ok {
		if existing != m.Digest {
			return StatusNil, nil, errs.VotedTwice(header.From)
		}
		return StatusNil, nil, nil
	}
	d.commitVotes[header.From] = m.Digest

	if isPastPhase || d.phase != Commiting || d.batchDigest == nil || m.Digest != *d.batchDigest {
		return StatusDeciding, nil, nil
	}
	if d.countMatching(d.commitVotes, *d.batchDigest) < d.quorum {
		return StatusDeciding, nil, nil
	}

	d.phase = Decided
	d.log.Info("pbft: slot decided", "seq", d.seq, "view", d.view)
	return StatusDecided, nil, nil
}

func (d *Decision) countMatching(votes map[ids.NodeID]ids.ID, digest ids.ID) int {
	n := 0
	for _, v := range votes {
		if v == digest {
			n++
		}
	}
	return n
}

// Finalize emits the slot's CompletedBatch. It may be called at most once
// per Decision; the slot is consumed afterwards.
func (d *Decision) Finalize() (CompletedBatch, error) {
	if d.phase != Decided {
		return CompletedBatch{}, fmt.Errorf("pbft: finalize called on non-decided slot seq=%s phase=%s", d.seq, d.phase)
	}
	if d.finalized {
		return CompletedBatch{}, fmt.Errorf("pbft: slot seq=%s already finalized", d.seq)
	}
	d.finalized = true
	return CompletedBatch{
		Seq:                        d.seq,
		BatchDigest:                *d.batchDigest,
		Requests:                   d.batch,
		PrePrepareDigestsToPersist: []ids.ID{*d.batchDigest},
	}, nil
}

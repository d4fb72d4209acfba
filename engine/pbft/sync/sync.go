// Package sync fixes the contract between the OP Driver and the
// view-change / collaborative-state-transfer subprotocol. The
// subprotocol's own logic — how a view change actually gathers and
// certifies a quorum, how CST fetches and verifies a checkpoint — is an
// external collaborator out of scope here; this package only names the
// poll/process surface the driver drives it through.
package sync

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/pbft/engine/pbft/consensus"
	"github.com/luxfi/pbft/engine/pbft/seqno"
	"github.com/luxfi/pbft/engine/pbft/wire"
	"github.com/luxfi/pbft/networking/timeout"
)

// Kind discriminates a ViewChangeMessage's payload within the
// subprotocol. Stop/StopData carry a replica's request to abandon the
// current view; Sync/Collaborate carry the CST checkpoint exchange.
type Kind uint8

const (
	KindStop Kind = iota
	KindStopData
	KindSync
	KindCollaborate
)

func (k Kind) String() string {
	switch k {
	case KindStop:
		return "Stop"
	case KindStopData:
		return "StopData"
	case KindSync:
		return "Sync"
	case KindCollaborate:
		return "Collaborate"
	default:
		return "Unknown"
	}
}

// ViewChangeMessage is the wire payload the synchronizer exchanges with
// its peers. Payload is opaque to the driver and engine: only the
// subprotocol itself interprets it.
type ViewChangeMessage struct {
	View    seqno.SeqNo
	Kind    Kind
	Payload []byte
}

// StoredMessage pairs a validated Header with a ViewChangeMessage, the
// unit the synchronizer hands back to the driver to route through AdvSync.
type StoredMessage struct {
	Header  wire.Header
	Message ViewChangeMessage
}

// PollResult is what Poll (SyncPhase) returns to the driver.
type PollResult uint8

const (
	// PollRecv means nothing pending; go receive more network input.
	PollRecv PollResult = iota
	// PollNextMessage carries a message the driver must route via AdvSync.
	PollNextMessage
	// PollResumeViewChange means the subprotocol finished and the driver
	// should call ResumeViewChange and fall back to NormalPhase.
	PollResumeViewChange
)

// PollOutcome is the result of one SyncPhase Poll call.
type PollOutcome struct {
	Result  PollResult
	Message *StoredMessage
}

// PhaseResult is what PollSyncPhase (called from NormalPhase) returns.
type PhaseResult uint8

const (
	// PhaseNil means no view-change activity is in progress.
	PhaseNil PhaseResult = iota
	// PhaseRunning means a view change is underway but not yet ready to
	// switch the driver's top-level phase.
	PhaseRunning
	// PhaseRunSyncProtocol means the driver should switch to SyncPhase.
	PhaseRunSyncProtocol
	// PhaseRunCSTProtocol means collaborative state transfer is needed;
	// the driver hands control back to its supervisor.
	PhaseRunCSTProtocol
)

// PhaseOutcome is the result of one PollSyncPhase call.
type PhaseOutcome struct {
	Result  PhaseResult
	Message *StoredMessage
}

// AdvResult is what AdvSync returns; the driver's ProcessViewChangeMessage
// acts on it in NormalPhase.
type AdvResult uint8

const (
	// AdvNil means the message was absorbed with no phase-level effect.
	AdvNil AdvResult = iota
	// AdvRunning means a view change is now underway; NormalPhase callers
	// must switch to SyncPhase.
	AdvRunning
)

// RequestsTimedOut is HandleTimeout's result: requests still within their
// retry budget are forwarded again; requests whose budget is exhausted
// are "stopped" and trigger a view change.
type RequestsTimedOut struct {
	Forwarded []wire.RequestMessage
	Stopped   []wire.RequestMessage
}

// Synchronizer is the contract the OP Driver drives the view-change and
// collaborative-state-transfer subprotocol through. Nothing about how a
// view change is actually carried out is visible past this interface.
type Synchronizer interface {
	// Queue buffers an off-context ViewChange message for later draining.
	Queue(header wire.Header, msg ViewChangeMessage)
	// Signal wakes an idle driver to re-poll the subprotocol.
	Signal()
	// CanProcessStops reports whether NormalPhase should keep draining
	// PollSyncPhase before polling the consensus engine.
	CanProcessStops() bool
	// PollSyncPhase advances the subprotocol by one step while still in
	// NormalPhase (used to detect a quorum of Stop messages forming).
	PollSyncPhase() (PhaseOutcome, error)
	// AdvSync feeds one ViewChange message through the subprotocol.
	AdvSync(header wire.Header, msg ViewChangeMessage) (AdvResult, error)
	// Poll advances the subprotocol while in SyncPhase.
	Poll() (PollOutcome, error)
	// ResumeViewChange finishes a completed view change: installs the new
	// view into the engine, clears view-change timeouts, and unlocks the
	// proposer gate.
	ResumeViewChange(log consensus.Log, timeouts timeout.Manager, engine *consensus.Engine, node ids.NodeID) error
	// HandleTimeout asks the subprotocol what to do about a timed-out
	// client request; ok is false if the id is not one it is tracking.
	HandleTimeout(timedOut ids.ID) (result RequestsTimedOut, ok bool)
	// BeginViewChange starts a view change over the given stalled requests.
	BeginViewChange(stopped []wire.RequestMessage)
	// Watch registers requests the subprotocol should track as pending but
	// not (yet) treat as stalled, so a later Stop quorum knows they exist.
	Watch(requests []wire.RequestMessage)
}

// Package driver implements the Ordering Protocol driver: the top-level
// state machine that multiplexes the Normal and Sync phases, dispatches
// off-context messages to the consensus engine or the synchronizer,
// drains decided batches to the persistent log and executor, and reacts
// to client-request timeouts and execution-availability changes. The
// driver is single-threaded over the engine: all of its entry points
// take the same mutex, matching the "never concurrently mutates the
// engine from two goroutines" discipline the engine itself assumes.
package driver

import (
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	pbftlog "github.com/luxfi/pbft/log"

	"github.com/luxfi/pbft/engine/pbft/consensus"
	"github.com/luxfi/pbft/engine/pbft/decision"
	"github.com/luxfi/pbft/engine/pbft/errs"
	"github.com/luxfi/pbft/engine/pbft/proposer"
	gosync "github.com/luxfi/pbft/engine/pbft/sync"
	"github.com/luxfi/pbft/engine/pbft/wire"
	"github.com/luxfi/pbft/networking/timeout"
)

// Phase is the driver's top-level state.
type Phase uint8

const (
	// NormalPhase runs ordinary PBFT agreement, checking between polls
	// whether a view change has started forming.
	NormalPhase Phase = iota
	// SyncPhase runs the view-change/CST subprotocol exclusively; the
	// gate is locked and no new proposals are released.
	SyncPhase
)

func (p Phase) String() string {
	if p == SyncPhase {
		return "Sync"
	}
	return "Normal"
}

// Action is what Poll hands back to the driver's supervisor.
type Action uint8

const (
	// ActionContinue means the caller should go receive more network
	// input before calling Poll again.
	ActionContinue Action = iota
	// ActionRunCST means collaborative state transfer must run; the
	// supervisor owns driving the CST worker and will call back into
	// the driver (via the engine's InstallState) once it completes.
	ActionRunCST
)

// BatchInfo classifies what FinalizeBatch learned about a just-finalized
// batch: an ordinary batch, or one that also crosses a checkpoint
// boundary and should trigger an app-state snapshot request.
type BatchInfo uint8

const (
	InfoNil BatchInfo = iota
	InfoBeginCheckpoint
)

// PersistentLog is the write-behind store backing both the pending
// (not-yet-ordered) request log and the durable decided-batch log. It
// embeds consensus.Log so it can be handed directly to the synchronizer's
// ResumeViewChange and the engine's CatchUpToQuorum.
type PersistentLog interface {
	consensus.Log
	// DeletePending removes requests that have just been ordered from the
	// not-yet-ordered pending log.
	DeletePending(requests []wire.RequestMessage)
	// MarkLatestOps records, per client session, the highest operation_id
	// ordered so far (used to answer duplicate-request queries).
	MarkLatestOps(requests []wire.RequestMessage)
	// FinalizeBatch durably appends batch to the decided-batch log and
	// reports whether it crosses a checkpoint boundary.
	FinalizeBatch(batch decision.CompletedBatch) (BatchInfo, error)
	// InsertPending admits requests forwarded by a peer into the
	// not-yet-ordered pending log.
	InsertPending(requests []wire.RequestMessage)
}

// Executor is the opaque application state machine batches are handed to
// once durably logged.
type Executor interface {
	// Enqueue hands a finalized batch to the executor for application.
	Enqueue(batch decision.CompletedBatch)
	// RequestSnapshot asks the executor to produce an app-state snapshot,
	// used when FinalizeBatch reports a checkpoint boundary.
	RequestSnapshot()
}

// Forwarder re-sends still-pending client requests to their replicas of
// record, used by HandleTimeout's forward path.
type Forwarder interface {
	Forward(requests []wire.RequestMessage)
}

// Broadcaster sends a ConsensusMessage (the Prepare or Commit vote a
// Decision's ProcessMessage hands back) to the rest of the replica group.
// Connection establishment, framing, and signing are all external
// collaborators per spec.md §6; this interface only names the send.
type Broadcaster interface {
	Broadcast(msg wire.ConsensusMessage)
}

// Driver is the OP Driver: the top-level state machine gluing the
// consensus engine, the proposer gate, the view-change/CST synchronizer,
// the persistent log, and the executor together.
type Driver struct {
	mu sync.Mutex

	nodeID ids.NodeID
	phase  Phase

	engine *consensus.Engine
	gate   *proposer.Gate
	sync   gosync.Synchronizer

	persistentLog PersistentLog
	executor      Executor
	forwarder     Forwarder
	broadcaster   Broadcaster
	timeouts      timeout.Manager

	phaseGauge prometheus.Gauge

	log log.Logger
}

// RegisterMetrics attaches a driver_phase gauge (0=Normal, 1=Sync) tracking
// the OP Driver's top-level state. Re-registering the same collector name is
// tolerated (AlreadyRegisteredError is swallowed and the existing collector
// reused).
func (d *Driver) RegisterMetrics(reg prometheus.Registerer) error {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driver_phase",
		Help: "OP Driver top-level phase: 0=Normal, 1=Sync.",
	})
	if err := reg.Register(g); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		g = are.ExistingCollector.(prometheus.Gauge)
	}
	d.mu.Lock()
	d.phaseGauge = g
	d.phaseGauge.Set(float64(d.phase))
	d.mu.Unlock()
	return nil
}

// New constructs a Driver in NormalPhase.
func New(
	nodeID ids.NodeID,
	engine *consensus.Engine,
	gate *proposer.Gate,
	synchronizer gosync.Synchronizer,
	persistentLog PersistentLog,
	executor Executor,
	forwarder Forwarder,
	broadcaster Broadcaster,
	timeouts timeout.Manager,
	logger log.Logger,
) *Driver {
	if logger == nil {
		logger = pbftlog.NewNoOpLogger()
	}
	return &Driver{
		nodeID:        nodeID,
		phase:         NormalPhase,
		engine:        engine,
		gate:          gate,
		sync:          synchronizer,
		persistentLog: persistentLog,
		executor:      executor,
		forwarder:     forwarder,
		broadcaster:   broadcaster,
		timeouts:      timeouts,
		log:           logger,
	}
}

// Phase returns the driver's current top-level phase.
func (d *Driver) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// HandleOffCtxConsensusMessage buffers a PrePrepare/Prepare/Commit message
// arriving outside the driver's own poll loop (e.g. from a network reader
// goroutine) into the engine's queue, for later draining by Poll.
func (d *Driver) HandleOffCtxConsensusMessage(header wire.Header, msg wire.ConsensusMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engine.Queue(header, msg)
}

// HandleOffCtxViewChangeMessage buffers a ViewChange-subprotocol message
// into the synchronizer and signals it to re-check on the next poll.
func (d *Driver) HandleOffCtxViewChangeMessage(header wire.Header, msg gosync.ViewChangeMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sync.Queue(header, msg)
	d.sync.Signal()
}

// Poll drives one or more steps of the top-level state machine until
// there is nothing left to do without more network input, a decided
// batch was drained as far as possible, or CST must run.
func (d *Driver) Poll() (Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		switch d.phase {
		case NormalPhase:
			action, loop, err := d.pollNormalPhaseLocked()
			if err != nil || !loop {
				return action, err
			}
		case SyncPhase:
			loop, err := d.pollSyncPhaseLocked()
			if err != nil || !loop {
				return ActionContinue, err
			}
		}
	}
}

// pollNormalPhaseLocked runs one NormalPhase step. loop=true asks Poll to
// iterate again immediately (more work may be ready without new input).
func (d *Driver) pollNormalPhaseLocked() (action Action, loop bool, err error) {
	for d.sync.CanProcessStops() {
		out, err := d.sync.PollSyncPhase()
		if err != nil {
			return ActionContinue, false, fmt.Errorf("pbft: driver: poll_sync_phase: %w", err)
		}
		if out.Message != nil {
			if _, err := d.sync.AdvSync(out.Message.Header, out.Message.Message); err != nil {
				d.log.Warn("pbft: driver: adv_sync rejected message", "err", err)
			}
		}
		switch out.Result {
		case gosync.PhaseRunSyncProtocol:
			d.switchPhaseLocked(SyncPhase)
			return ActionContinue, true, nil
		case gosync.PhaseRunCSTProtocol:
			return ActionRunCST, false, nil
		}
	}

	out := d.engine.Poll()
	d.broadcastAllLocked(out.Broadcasts)
	switch out.Result {
	case consensus.PollRecv:
		return ActionContinue, false, nil
	case consensus.PollNextMessage:
		return ActionContinue, false, nil
	case consensus.PollDecided:
		if err := d.finalizeAllPossibleLocked(); err != nil {
			return ActionContinue, false, err
		}
		return ActionContinue, true, nil
	}
	return ActionContinue, false, nil
}

// pollSyncPhaseLocked runs one SyncPhase step.
func (d *Driver) pollSyncPhaseLocked() (loop bool, err error) {
	out, err := d.sync.Poll()
	if err != nil {
		return false, fmt.Errorf("pbft: driver: sync poll: %w", err)
	}
	switch out.Result {
	case gosync.PollRecv:
		return false, nil
	case gosync.PollNextMessage:
		if out.Message != nil {
			if _, err := d.sync.AdvSync(out.Message.Header, out.Message.Message); err != nil {
				d.log.Warn("pbft: driver: adv_sync rejected message", "err", err)
			}
		}
		return true, nil
	case gosync.PollResumeViewChange:
		if err := d.sync.ResumeViewChange(d.persistentLog, d.timeouts, d.engine, d.nodeID); err != nil {
			return false, fmt.Errorf("pbft: driver: resume_view_change: %w", err)
		}
		d.switchPhaseLocked(NormalPhase)
		return true, nil
	}
	return false, nil
}

// ProcessConsensusMessage routes one Consensus-kind message by the
// driver's current phase: in NormalPhase it advances the engine directly
// (via advConsensusLocked); in SyncPhase it is merely buffered into the
// engine for later draining, per "Consensus payloads are queued into the
// engine for later" while a view change is underway.
func (d *Driver) ProcessConsensusMessage(header wire.Header, msg wire.ConsensusMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase == SyncPhase {
		d.engine.Queue(header, msg)
		return nil
	}
	return d.advConsensusLocked(header, msg)
}

// ProcessViewChangeMessage routes one ViewChange-kind message through the
// synchronizer, the counterpart of ProcessConsensusMessage.
func (d *Driver) ProcessViewChangeMessage(header wire.Header, msg gosync.ViewChangeMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase == SyncPhase {
		_, err := d.sync.AdvSync(header, msg)
		return err
	}

	result, err := d.sync.AdvSync(header, msg)
	if err != nil {
		return err
	}
	switch result {
	case gosync.AdvNil:
		return nil
	case gosync.AdvRunning:
		d.switchPhaseLocked(SyncPhase)
		return nil
	default:
		return fmt.Errorf("pbft: driver: unreachable adv_sync result %v in NormalPhase", result)
	}
}

// advConsensusLocked feeds one Consensus message through the engine,
// broadcasts any resulting vote, and drains every finalizeable slot that
// results.
func (d *Driver) advConsensusLocked(header wire.Header, msg wire.ConsensusMessage) error {
	status, broadcast, err := d.engine.ProcessMessage(header, msg)
	if err != nil {
		if peer, ok := errs.AsVotedTwice(err); ok {
			d.log.Info("pbft: driver: replica voted twice", "peer", peer)
			return nil
		}
		return err
	}
	if broadcast != nil {
		d.broadcastAllLocked([]wire.ConsensusMessage{*broadcast})
	}
	if status == consensus.StatusDecided {
		return d.finalizeAllPossibleLocked()
	}
	return nil
}

// broadcastAllLocked hands every message in msgs to the Broadcaster, if one
// is wired. A nil Broadcaster is tolerated the same way a nil Metrics is:
// callers that don't need real network fan-out (most unit tests) pass nil.
func (d *Driver) broadcastAllLocked(msgs []wire.ConsensusMessage) {
	if d.broadcaster == nil {
		return
	}
	for _, m := range msgs {
		d.broadcaster.Broadcast(m)
	}
}

// finalizeAllPossibleLocked drains every finalizeable head slot: deletes
// the batch's requests from the pending log, records the clients'
// latest-ordered operations, durably appends the batch, and enqueues it
// (plus, on a checkpoint boundary, a snapshot request) to the executor.
func (d *Driver) finalizeAllPossibleLocked() error {
	for d.engine.CanFinalize() {
		batch, err := d.engine.Finalize()
		if err != nil {
			return fmt.Errorf("pbft: driver: finalize: %w", err)
		}

		d.persistentLog.DeletePending(batch.Requests)
		d.persistentLog.MarkLatestOps(batch.Requests)

		info, err := d.persistentLog.FinalizeBatch(batch)
		if err != nil {
			return fmt.Errorf("pbft: driver: finalize_batch: %w", err)
		}

		d.executor.Enqueue(batch)
		if info == InfoBeginCheckpoint {
			d.executor.RequestSnapshot()
		}
	}
	return nil
}

// HandleTimeout asks the synchronizer what a timed-out client request
// means: forward the ones still within budget, and if any exhausted
// theirs, begin a view change and switch to SyncPhase.
func (d *Driver) HandleTimeout(timedOut ids.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	result, ok := d.sync.HandleTimeout(timedOut)
	if !ok {
		return nil
	}
	if len(result.Forwarded) > 0 {
		d.forwarder.Forward(result.Forwarded)
	}
	if len(result.Stopped) > 0 {
		d.sync.BeginViewChange(result.Stopped)
		d.switchPhaseLocked(SyncPhase)
	}
	return nil
}

// HandleExecutionChanged reacts to the executor pausing or resuming: the
// gate is locked whenever execution cannot keep up, and only unlocked
// again once both execution has resumed and the driver is back in
// NormalPhase (a mid-view-change resume must not release proposals).
func (d *Driver) HandleExecutionChanged(isExecuting bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !isExecuting {
		d.gate.LockConsensus()
		return
	}
	if d.phase == NormalPhase {
		d.gate.UnlockConsensus()
	}
}

// HandleForwardedRequests admits a batch of requests forwarded by a peer
// replica: requests already seen are dropped, the rest are registered
// with the synchronizer (so a subsequent Stop knows they are pending) and
// inserted into the pending log.
func (d *Driver) HandleForwardedRequests(requests []wire.RequestMessage, alreadySeen func(wire.RequestMessage) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fresh := requests[:0:0]
	for _, r := range requests {
		if alreadySeen != nil && alreadySeen(r) {
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return
	}
	d.sync.Watch(fresh)
	d.persistentLog.InsertPending(fresh)
}

// switchPhaseLocked transitions to newPhase. On NormalPhase->SyncPhase the
// gate is locked so no further proposals are released mid-view-change. A
// same-phase call is a no-op.
func (d *Driver) switchPhaseLocked(newPhase Phase) {
	if newPhase == d.phase {
		return
	}
	if d.phase == NormalPhase && newPhase == SyncPhase {
		d.gate.LockConsensus()
	}
	old := d.phase
	d.phase = newPhase
	if d.phaseGauge != nil {
		d.phaseGauge.Set(float64(newPhase))
	}
	d.log.Debug("pbft: driver: switched phase", "from", old, "to", newPhase)
}

// Package consensus implements the pipelined collection of Decisions
// within a watermark window: intake classification (current view / future
// view / stale), the signalling-driven poll loop, finalization ordering,
// and the view/state install surface the synchronizer and CST protocol
// drive. The Engine is single-threaded over its own state; the driver
// never calls it from two goroutines concurrently, but a mutex still
// guards it since the proposer goroutine reads the watermark and view via
// the shared Gate rather than the Engine directly.
package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	pbftlog "github.com/luxfi/pbft/log"

	"github.com/luxfi/pbft/config"
	"github.com/luxfi/pbft/engine/pbft/decision"
	"github.com/luxfi/pbft/engine/pbft/errs"
	"github.com/luxfi/pbft/engine/pbft/proposer"
	"github.com/luxfi/pbft/engine/pbft/seqno"
	"github.com/luxfi/pbft/engine/pbft/signals"
	"github.com/luxfi/pbft/engine/pbft/tbo"
	"github.com/luxfi/pbft/engine/pbft/view"
	"github.com/luxfi/pbft/engine/pbft/wire"
	"github.com/luxfi/pbft/validators"
)

// Status is the engine-level translation of a decision.Status, surfaced to
// the OP Driver.
type Status uint8

const (
	StatusNil Status = iota
	StatusQueued
	StatusDeciding
	StatusTransitioned
	StatusDecided
)

func translateStatus(s decision.Status) Status {
	switch s {
	case decision.StatusQueued:
		return StatusQueued
	case decision.StatusDeciding:
		return StatusDeciding
	case decision.StatusTransitioned:
		return StatusTransitioned
	case decision.StatusDecided:
		return StatusDecided
	default:
		return StatusNil
	}
}

// PollResult tells the OP Driver what the engine's poll pass accomplished.
type PollResult uint8

const (
	// PollRecv means nothing was pending; the driver should receive more
	// network input before polling again.
	PollRecv PollResult = iota
	// PollNextMessage means the engine processed a buffered message and
	// may have produced outbound votes the driver must broadcast.
	PollNextMessage
	// PollDecided means the head slot is now finalizeable.
	PollDecided
)

// PollOutcome is the result of one Poll call.
type PollOutcome struct {
	Result     PollResult
	Broadcasts []wire.ConsensusMessage
}

// Proof pairs a decided slot's accepted PrePrepare with its sequence
// number, the shape the CST protocol hands the engine to replay or adopt.
type Proof struct {
	Seq       seqno.SeqNo
	PrePrepare wire.ConsensusMessage
}

// DecLog is the external, already-decided proof log CST hands to
// InstallState; Proofs must be sorted ascending by Seq.
type DecLog interface {
	Proofs() []Proof
}

// Log is the persistent-log collaborator the engine calls into when
// installing a state-transfer proof. Ordinary in-pipeline persistence acks
// arrive the other way, via NotifyPersisted.
type Log interface {
	InstallProof(seq seqno.SeqNo, digest ids.ID, requests []wire.RequestMessage) error
}

// Engine is the pipelined collection of Decisions within one watermark
// window, the TBO overflow buffer immediately beyond it, the signalling
// queue driving poll(), and the cross-view message backlog.
type Engine struct {
	mu sync.Mutex

	nodeID             ids.NodeID
	seqNo              seqno.SeqNo
	watermark          uint32
	curView            view.Info
	relaxedPersistence bool

	decisions []*decision.Decision
	tboQueue  *tbo.Queue
	signalled *signals.Signals
	viewQueue [][]wire.StoredMessage

	gate         *proposer.Gate
	isRecovering bool

	createdAt map[seqno.SeqNo]time.Time
	metrics   *Metrics

	log log.Logger
}

// New constructs an Engine anchored at seqNo in the given view, with w
// fresh decisions pre-populated per the construction-time invariant.
func New(nodeID ids.NodeID, seqNo seqno.SeqNo, v view.Info, watermark uint32, relaxedPersistence bool, gate *proposer.Gate, logger log.Logger) *Engine {
	if logger == nil {
		logger = pbftlog.NewNoOpLogger()
	}
	e := &Engine{
		nodeID:             nodeID,
		seqNo:              seqNo,
		watermark:          watermark,
		curView:            v,
		relaxedPersistence: relaxedPersistence,
		tboQueue:           tbo.New(seqNo, watermark, logger),
		signalled:          signals.New(),
		gate:               gate,
		createdAt:          make(map[seqno.SeqNo]time.Time),
		log:                logger,
	}
	e.decisions = e.buildFreshDecisionsLocked()
	return e
}

// NewFromParams validates p, derives the initial view from vs (round-robin
// leader at view 0), and constructs the Gate and Engine a replica binary
// needs to start accepting PrePrepare/Prepare/Commit traffic at seq_no=0.
// It does not build a Driver: wiring the persistent log, executor, and
// view-change synchronizer around the returned Engine is left to the
// caller, since those collaborators are deployment-specific.
func NewFromParams(nodeID ids.NodeID, vs validators.Set, p config.Parameters, logger log.Logger) (*Engine, *proposer.Gate, error) {
	if err := p.Valid(); err != nil {
		return nil, nil, fmt.Errorf("pbft: invalid parameters: %w", err)
	}
	if vs.Len() != p.N {
		return nil, nil, fmt.Errorf("pbft: validator set has %d members, parameters require N=%d", vs.Len(), p.N)
	}

	v := view.NewFromValidatorSet(0, vs, p.F)
	gate := proposer.New(v)
	e := New(nodeID, 0, v, p.Watermark, p.RelaxedPersistence, gate, logger)
	return e, gate, nil
}

// RegisterMetrics attaches a Metrics instance registered against reg to the
// engine. Called once after New by a replica binary wiring itself from
// config.Parameters; an engine with no attached Metrics runs with every
// instrumentation call compiled down to a nil check.
func (e *Engine) RegisterMetrics(reg prometheus.Registerer) error {
	m, err := NewMetrics(reg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.metrics = m
	e.metrics.setDecisionsActive(len(e.decisions))
	e.mu.Unlock()
	return nil
}

// SeqNo returns the engine's current head sequence number.
func (e *Engine) SeqNo() seqno.SeqNo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqNo
}

// View returns the engine's current view.
func (e *Engine) View() view.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.curView
}

// IsRecovering reports whether the engine is still draining a CST-induced
// recovery window (client-request timeouts silenced until it clears).
func (e *Engine) IsRecovering() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isRecovering
}

func (e *Engine) buildFreshDecisionsLocked() []*decision.Decision {
	e.resetCreatedLocked()
	leaderOwned := e.curView.IsLeader(e.nodeID)
	out := make([]*decision.Decision, e.watermark)
	for i := range out {
		seq := e.seqNo.Add(uint32(i))
		out[i] = decision.New(seq, e.curView.Seq(), e.curView.Quorum(), leaderOwned, e.nodeID, e.relaxedPersistence, wire.MessageQueue{}, e.log)
		e.stampCreatedLocked(seq)
	}
	e.metrics.setDecisionsActive(len(out))
	return out
}

func (e *Engine) stampCreatedLocked(seq seqno.SeqNo) {
	e.createdAt[seq] = time.Now()
}

func (e *Engine) resetCreatedLocked() {
	e.createdAt = make(map[seqno.SeqNo]time.Time)
}

// indexOf maps an absolute seq to its index within the decisions window,
// or false if it falls outside [seq_no, seq_no+watermark).
func (e *Engine) indexOf(seq seqno.SeqNo) (int, bool) {
	side, off := seq.Index(e.seqNo)
	if side == seqno.Left || off >= e.watermark {
		return 0, false
	}
	return int(off), true
}

func (e *Engine) enqueueViewQueueLocked(header wire.Header, msg wire.ConsensusMessage, vOff uint32) {
	idx := int(vOff) - 1
	for len(e.viewQueue) <= idx {
		e.viewQueue = append(e.viewQueue, nil)
	}
	e.viewQueue[idx] = append(e.viewQueue[idx], wire.StoredMessage{Header: header, Message: msg})
}

// Queue buffers an off-context message (one the driver is not actively
// processing inline) into the right slot's MessageQueue, the engine's TBO
// overflow, or the cross-view backlog, depending on classification
// against the current view and seq_no. It never processes the message.
func (e *Engine) Queue(header wire.Header, msg wire.ConsensusMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	vSide, vOff := msg.View.Index(e.curView.Seq())
	if vSide == seqno.Right && vOff > 0 {
		e.enqueueViewQueueLocked(header, msg, vOff)
		return
	}
	if vSide == seqno.Left {
		e.log.Warn("pbft: dropping queued message from stale view", "view", msg.View, "curr_view", e.curView.Seq())
		return
	}

	sSide, sOff := msg.Seq.Index(e.seqNo)
	if sSide == seqno.Left {
		e.log.Warn("pbft: dropping queued message with stale sequence", "seq", msg.Seq, "seq_no", e.seqNo)
		return
	}

	sm := wire.StoredMessage{Header: header, Message: msg}
	if sOff < e.watermark {
		e.decisions[sOff].Enqueue(sm)
		e.signalled.Push(msg.Seq)
		return
	}
	e.tboQueue.QueueRelative(sOff-e.watermark, sm)
}

// ProcessMessage is the engine's direct, synchronous entry point: the
// driver calls this for messages arriving in the current context. It
// translates the underlying decision.Status to the engine-level Status and
// re-signals msg.Seq on Transitioned or Queued so a subsequent Poll drains
// any follow-on buffered messages.
func (e *Engine) ProcessMessage(header wire.Header, msg wire.ConsensusMessage) (Status, *wire.ConsensusMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processMessageLocked(header, msg)
}

func (e *Engine) processMessageLocked(header wire.Header, msg wire.ConsensusMessage) (Status, *wire.ConsensusMessage, error) {
	vSide, vOff := msg.View.Index(e.curView.Seq())
	if vSide == seqno.Right && vOff > 0 {
		e.enqueueViewQueueLocked(header, msg, vOff)
		return StatusQueued, nil, nil
	}
	if vSide == seqno.Left {
		return StatusNil, nil, errs.ErrStaleView
	}

	sSide, sOff := msg.Seq.Index(e.seqNo)
	if sSide == seqno.Left {
		return StatusNil, nil, errs.ErrStaleSequence
	}
	if sOff >= e.watermark {
		e.tboQueue.QueueRelative(sOff-e.watermark, wire.StoredMessage{Header: header, Message: msg})
		return StatusQueued, nil, errs.ErrWindowOverflow
	}

	d := e.decisions[sOff]
	status, broadcast, err := d.ProcessMessage(header, msg)
	e.metrics.observeVote(msg.Kind.String())
	if status == decision.StatusTransitioned || status == decision.StatusQueued {
		e.signalled.Push(msg.Seq)
	}
	return translateStatus(status), broadcast, err
}

// Poll drains one signalled sequence number's slot. If the slot asks to
// propose, the gate is notified only when we are in the current leader
// set. If it hands back a buffered message, the message is fed through
// the slot's own ProcessMessage and the seq is re-signalled in case more
// remains. The head slot's finalizeability is always re-checked, so a
// caller sees PollDecided promptly regardless of which branch fired.
func (e *Engine) Poll() PollOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	var outcome PollOutcome

	seq, ok := e.signalled.Pop()
	if !ok {
		outcome.Result = PollRecv
	} else if idx, inWindow := e.indexOf(seq); !inWindow {
		outcome.Result = PollRecv
	} else {
		d := e.decisions[idx]
		st := d.Poll()
		switch st.Result {
		case decision.PollRecv:
			outcome.Result = PollRecv
		case decision.PollTryPropose:
			if e.curView.IsLeader(e.nodeID) {
				e.gate.MakeSeqAvailable(seq)
			}
			outcome.Result = PollNextMessage
		case decision.PollNextMessage:
			status, broadcast, err := d.ProcessMessage(st.Message.Header, st.Message.Message)
			if err != nil {
				if peer, ok := errs.AsVotedTwice(err); ok {
					e.log.Info("pbft: replica voted twice", "peer", peer, "seq", seq)
				} else {
					e.log.Warn("pbft: rejected buffered message", "seq", seq, "err", err)
				}
			}
			if broadcast != nil {
				outcome.Broadcasts = append(outcome.Broadcasts, *broadcast)
			}
			if status == decision.StatusTransitioned || d.IsSignalled() {
				e.signalled.Push(seq)
			}
			outcome.Result = PollNextMessage
		}
	}

	if len(e.decisions) > 0 && e.decisions[0].IsFinalizeable() {
		outcome.Result = PollDecided
	}
	return outcome
}

// CanFinalize reports whether the head decision is ready to finalize.
func (e *Engine) CanFinalize() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.decisions) > 0 && e.decisions[0].IsFinalizeable()
}

// NotifyPersisted marks seq's slot as acked by the persistent log, the
// other half of the finalizeable gate alongside Decided.
func (e *Engine) NotifyPersisted(seq seqno.SeqNo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok := e.indexOf(seq); ok {
		e.decisions[idx].MarkPersisted()
	}
}

// Finalize rotates the head decision out, advances seq_no, pulls the next
// MessageQueue from the TBO overflow, and appends a fresh tail decision.
// If the TBO handed back an empty queue and the engine was recovering
// (post CST install_state), recovery is cleared here: fresh client-request
// timeouts will be armed by the pre-processor on the next submission.
func (e *Engine) Finalize() (decision.CompletedBatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.decisions) == 0 || !e.decisions[0].IsFinalizeable() {
		return decision.CompletedBatch{}, fmt.Errorf("pbft: head slot seq=%s is not finalizeable", e.seqNo)
	}

	headSeq := e.decisions[0].Seq()
	head := e.decisions[0]
	batch, err := head.Finalize()
	if err != nil {
		return decision.CompletedBatch{}, err
	}

	if created, ok := e.createdAt[headSeq]; ok {
		e.metrics.observeFinalizeLatencySeconds(time.Since(created).Seconds())
		delete(e.createdAt, headSeq)
	}

	e.decisions = e.decisions[1:]
	e.seqNo = e.seqNo.Next()

	mq := e.tboQueue.AdvanceQueue()
	if e.isRecovering && !mq.IsSignalled() {
		e.isRecovering = false
	}

	back := e.decisions[len(e.decisions)-1]
	nextSeq := back.Seq().Next()
	leaderOwned := e.curView.IsLeader(e.nodeID)
	nd := decision.New(nextSeq, e.curView.Seq(), e.curView.Quorum(), leaderOwned, e.nodeID, e.relaxedPersistence, mq, e.log)
	e.decisions = append(e.decisions, nd)
	e.stampCreatedLocked(nextSeq)
	e.metrics.setDecisionsActive(len(e.decisions))
	if mq.IsSignalled() {
		e.signalled.Push(nextSeq)
	}

	e.gate.InstallSeqNo(e.seqNo)
	return batch, nil
}

func (e *Engine) drainTboIntoDecisionsLocked() {
	for uint32(len(e.decisions)) < e.watermark {
		mq := e.tboQueue.AdvanceQueue()
		nextSeq := e.seqNo.Add(uint32(len(e.decisions)))
		leaderOwned := e.curView.IsLeader(e.nodeID)
		nd := decision.New(nextSeq, e.curView.Seq(), e.curView.Quorum(), leaderOwned, e.nodeID, e.relaxedPersistence, mq, e.log)
		e.decisions = append(e.decisions, nd)
		e.stampCreatedLocked(nextSeq)
		if mq.IsSignalled() {
			e.signalled.Push(nextSeq)
		}
	}
	e.metrics.setDecisionsActive(len(e.decisions))
}

func (e *Engine) installViewLocked(v view.Info) {
	side, k := v.Seq().Index(e.curView.Seq())
	if side == seqno.Left || (side == seqno.Right && k == 0) {
		return
	}

	e.curView = v
	e.tboQueue.Clear()
	e.signalled.Clear()
	e.decisions = e.buildFreshDecisionsLocked()

	drop := int(k) - 1
	if drop > len(e.viewQueue) {
		drop = len(e.viewQueue)
	}
	e.viewQueue = e.viewQueue[drop:]

	if len(e.viewQueue) > 0 {
		pending := e.viewQueue[0]
		e.viewQueue = e.viewQueue[1:]
		for _, sm := range pending {
			e.queueFromBacklogLocked(sm.Header, sm.Message)
		}
	}

	e.gate.InstallView(v)
}

// queueFromBacklogLocked re-runs Queue's classification for a message
// drained from the cross-view backlog, now that the view has caught up.
func (e *Engine) queueFromBacklogLocked(header wire.Header, msg wire.ConsensusMessage) {
	vSide, vOff := msg.View.Index(e.curView.Seq())
	if vSide == seqno.Right && vOff > 0 {
		e.enqueueViewQueueLocked(header, msg, vOff)
		return
	}
	if vSide == seqno.Left {
		return
	}
	sSide, sOff := msg.Seq.Index(e.seqNo)
	if sSide == seqno.Left {
		return
	}
	sm := wire.StoredMessage{Header: header, Message: msg}
	if sOff < e.watermark {
		e.decisions[sOff].Enqueue(sm)
		e.signalled.Push(msg.Seq)
		return
	}
	e.tboQueue.QueueRelative(sOff-e.watermark, sm)
}

// InstallView adopts a new, strictly later view: clears every queue,
// repopulates decisions with w fresh slots at the current seq_no, drops
// the view-change backlog entries that are now behind, and replays the
// first remaining backlog bucket (if any) through Queue.
func (e *Engine) InstallView(v view.Info) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installViewLocked(v)
}

// InstallSequenceNumber re-anchors the window at newSeq: rewinding,
// no-op, or fast-forwarding (draining the TBO overflow into fresh
// decisions, discarding anything skipped entirely), per the three cases
// in the design.
func (e *Engine) InstallSequenceNumber(newSeq seqno.SeqNo, v view.Info) {
	e.mu.Lock()
	defer e.mu.Unlock()

	side, k := newSeq.Index(e.seqNo)
	switch {
	case side == seqno.Right && k == 0:
		return
	case side == seqno.Left:
		e.seqNo = newSeq
		e.curView = v
		e.tboQueue.Reset(newSeq)
		e.signalled.Clear()
		e.decisions = e.buildFreshDecisionsLocked()
	case k >= e.watermark:
		overflow := k - e.watermark
		discard := overflow
		if discard > e.watermark {
			discard = e.watermark
		}
		for i := uint32(0); i < discard; i++ {
			e.tboQueue.NextInstanceQueue()
		}
		e.decisions = nil
		e.resetCreatedLocked()
		e.seqNo = newSeq
		e.curView = v
		e.drainTboIntoDecisionsLocked()
		e.tboQueue.Realign(newSeq)
	default:
		e.decisions = e.decisions[k:]
		e.seqNo = newSeq
		e.curView = v
		e.drainTboIntoDecisionsLocked()
	}

	e.gate.InstallSeqNo(e.seqNo)
}

// CatchUpToQuorum installs a CST-delivered quorum proof into the
// persistent log and advances the window by exactly one instance.
func (e *Engine) CatchUpToQuorum(seq seqno.SeqNo, v view.Info, proof Proof, l Log) (decision.CompletedBatch, error) {
	if err := l.InstallProof(seq, proof.PrePrepare.Digest, proof.PrePrepare.Batch); err != nil {
		return decision.CompletedBatch{}, fmt.Errorf("pbft: installing quorum proof for seq=%s: %w", seq, err)
	}
	batch := decision.CompletedBatch{
		Seq:                        seq,
		BatchDigest:                proof.PrePrepare.Digest,
		Requests:                   proof.PrePrepare.Batch,
		PrePrepareDigestsToPersist: []ids.ID{proof.PrePrepare.Digest},
	}
	e.InstallSequenceNumber(seq.Next(), v)
	return batch, nil
}

// ForgeProposal manufactures a PrePrepare for (seq_no, v.Seq()) without
// broadcasting it; used by the sync finalizer to inject a view-change's
// synthetic proposal.
func (e *Engine) ForgeProposal(requests []wire.RequestMessage, digest ids.ID, v view.Info) wire.ConsensusMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return wire.ConsensusMessage{Seq: e.seqNo, View: v.Seq(), Kind: wire.KindPrePrepare, Batch: requests, Digest: digest}
}

// FinalizeViewChange installs the new view, registers the synthetic
// PrePrepare's client requests into the Proposer Gate so they are not
// re-proposed, skips the head slot's Init phase, feeds the synthetic
// PrePrepare through it, and finally unlocks the gate for proposing again.
func (e *Engine) FinalizeViewChange(header wire.Header, msg wire.ConsensusMessage, v view.Info) (Status, *wire.ConsensusMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.installViewLocked(v)

	rqs := make(map[ids.NodeID]map[seqno.SeqNo]seqno.SeqNo)
	for _, r := range msg.Batch {
		sessions, ok := rqs[r.Client]
		if !ok {
			sessions = make(map[seqno.SeqNo]seqno.SeqNo)
			rqs[r.Client] = sessions
		}
		if cur, ok := sessions[r.SessionID]; !ok {
			sessions[r.SessionID] = r.OperationID
		} else if side, _ := r.OperationID.Index(cur); side == seqno.Right && r.OperationID != cur {
			sessions[r.SessionID] = r.OperationID
		}
	}
	e.gate.InstallSyncMessageRequests(rqs)

	var status decision.Status
	var broadcast *wire.ConsensusMessage
	var err error
	if len(e.decisions) > 0 {
		e.decisions[0].SkipInitPhase()
		status, broadcast, err = e.decisions[0].ProcessMessage(header, msg)
		if status == decision.StatusTransitioned {
			e.signalled.Push(msg.Seq)
		}
	}

	e.gate.UnlockConsensus()
	return translateStatus(status), broadcast, err
}

// InstallState installs a CST checkpoint: the view and a seq rewound or
// advanced to the checkpoint, marks the engine recovering until the TBO
// next drains empty, and reconstructs the replay list by concatenating
// the operations of dec_log's proofs in ascending seq order.
func (e *Engine) InstallState(checkpointSeq seqno.SeqNo, v view.Info, decLog DecLog) []wire.RequestMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.curView = v
	e.seqNo = checkpointSeq.Next()
	e.tboQueue.Reset(e.seqNo)
	e.signalled.Clear()
	e.decisions = e.buildFreshDecisionsLocked()
	e.isRecovering = true
	e.gate.InstallView(v)
	e.gate.InstallSeqNo(e.seqNo)

	var replay []wire.RequestMessage
	for _, p := range decLog.Proofs() {
		replay = append(replay, p.PrePrepare.Batch...)
	}
	return replay
}

// SnapshotLog is a pure read of the checkpoint/view CST needs to build its
// own proof for peers; dec_log content lives outside the engine (external
// persistent-log collaborator), so only seq/view are reported here.
func (e *Engine) SnapshotLog() (seqno.SeqNo, view.Info) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqNo, e.curView
}

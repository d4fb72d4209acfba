package driver

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/pbft/engine/pbft/consensus"
	"github.com/luxfi/pbft/engine/pbft/decision"
	"github.com/luxfi/pbft/engine/pbft/proposer"
	"github.com/luxfi/pbft/engine/pbft/seqno"
	gosync "github.com/luxfi/pbft/engine/pbft/sync"
	"github.com/luxfi/pbft/engine/pbft/view"
	"github.com/luxfi/pbft/engine/pbft/wire"
	"github.com/luxfi/pbft/networking/timeout"
)

const watermark = 4

type fixture struct {
	members  []ids.NodeID
	view     view.Info
	gate     *proposer.Gate
	engine   *consensus.Engine
	sync     *fakeSync
	log      *fakeLog
	executor *fakeExecutor
	forward  *fakeForwarder
	bcast    *fakeBroadcaster
	driver   *Driver
}

func newFixture(t *testing.T, nodeIdx int) *fixture {
	t.Helper()
	members := make([]ids.NodeID, 4)
	for i := range members {
		members[i] = ids.GenerateTestNodeID()
	}
	v := view.New(0, members, 1)
	gate := proposer.New(v)
	engine := consensus.New(members[nodeIdx], 0, v, watermark, true, gate, nil)
	s := &fakeSync{}
	l := &fakeLog{}
	ex := &fakeExecutor{}
	fw := &fakeForwarder{}
	bc := &fakeBroadcaster{}
	tm := timeout.NewManager(time.Millisecond)
	d := New(members[nodeIdx], engine, gate, s, l, ex, fw, bc, tm, nil)
	return &fixture{members: members, view: v, gate: gate, engine: engine, sync: s, log: l, executor: ex, forward: fw, bcast: bc, driver: d}
}

func header(n ids.NodeID) wire.Header { return wire.Header{From: n} }

func deliverFullSlot(t *testing.T, f *fixture, seq seqno.SeqNo, digest ids.ID, leaderIdx int) {
	t.Helper()
	leader := f.members[leaderIdx]
	_, _, err := f.engine.ProcessMessage(header(leader), wire.ConsensusMessage{Seq: seq, View: 0, Kind: wire.KindPrePrepare, Digest: digest})
	require.NoError(t, err)
	for i, m := range f.members {
		if i == leaderIdx {
			continue
		}
		_, _, err := f.engine.ProcessMessage(header(m), wire.ConsensusMessage{Seq: seq, View: 0, Kind: wire.KindPrepare, Digest: digest})
		require.NoError(t, err)
	}
	for i, m := range f.members {
		if i == leaderIdx {
			continue
		}
		_, _, err := f.engine.ProcessMessage(header(m), wire.ConsensusMessage{Seq: seq, View: 0, Kind: wire.KindCommit, Digest: digest})
		require.NoError(t, err)
	}
}

type fakeSync struct {
	canProcessStops bool
	phaseOutcome    gosync.PhaseOutcome
	phaseErr        error
	pollOutcome     gosync.PollOutcome
	pollErr         error
	advErr          error

	resumeCalled bool
	resumeErr    error

	timeoutResult gosync.RequestsTimedOut
	timeoutOK     bool

	beginViewChangeCalled  bool
	beginViewChangeStopped []wire.RequestMessage

	watched [][]wire.RequestMessage
}

func (f *fakeSync) Queue(wire.Header, gosync.ViewChangeMessage) {}
func (f *fakeSync) Signal()                                     {}
func (f *fakeSync) CanProcessStops() bool                       { return f.canProcessStops }
func (f *fakeSync) PollSyncPhase() (gosync.PhaseOutcome, error) { return f.phaseOutcome, f.phaseErr }
func (f *fakeSync) AdvSync(wire.Header, gosync.ViewChangeMessage) (gosync.AdvResult, error) {
	return gosync.AdvNil, f.advErr
}
func (f *fakeSync) Poll() (gosync.PollOutcome, error) { return f.pollOutcome, f.pollErr }
func (f *fakeSync) ResumeViewChange(consensus.Log, timeout.Manager, *consensus.Engine, ids.NodeID) error {
	f.resumeCalled = true
	return f.resumeErr
}
func (f *fakeSync) HandleTimeout(ids.ID) (gosync.RequestsTimedOut, bool) {
	return f.timeoutResult, f.timeoutOK
}
func (f *fakeSync) BeginViewChange(stopped []wire.RequestMessage) {
	f.beginViewChangeCalled = true
	f.beginViewChangeStopped = stopped
}
func (f *fakeSync) Watch(requests []wire.RequestMessage) {
	f.watched = append(f.watched, requests)
}

type fakeLog struct {
	deleted      [][]wire.RequestMessage
	marked       [][]wire.RequestMessage
	finalized    []decision.CompletedBatch
	finalizeInfo BatchInfo
	finalizeErr  error
	inserted     [][]wire.RequestMessage
}

func (f *fakeLog) InstallProof(seqno.SeqNo, ids.ID, []wire.RequestMessage) error { return nil }
func (f *fakeLog) DeletePending(requests []wire.RequestMessage) {
	f.deleted = append(f.deleted, requests)
}
func (f *fakeLog) MarkLatestOps(requests []wire.RequestMessage) {
	f.marked = append(f.marked, requests)
}
func (f *fakeLog) FinalizeBatch(batch decision.CompletedBatch) (BatchInfo, error) {
	f.finalized = append(f.finalized, batch)
	return f.finalizeInfo, f.finalizeErr
}
func (f *fakeLog) InsertPending(requests []wire.RequestMessage) {
	f.inserted = append(f.inserted, requests)
}

type fakeExecutor struct {
	enqueued          []decision.CompletedBatch
	snapshotRequested bool
}

func (f *fakeExecutor) Enqueue(batch decision.CompletedBatch) { f.enqueued = append(f.enqueued, batch) }
func (f *fakeExecutor) RequestSnapshot()                      { f.snapshotRequested = true }

type fakeForwarder struct {
	forwarded [][]wire.RequestMessage
}

func (f *fakeForwarder) Forward(requests []wire.RequestMessage) {
	f.forwarded = append(f.forwarded, requests)
}

type fakeBroadcaster struct {
	sent []wire.ConsensusMessage
}

func (f *fakeBroadcaster) Broadcast(msg wire.ConsensusMessage) {
	f.sent = append(f.sent, msg)
}

func TestPollNormalPhaseDrainsDecidedBatch(t *testing.T) {
	f := newFixture(t, 1)
	digest := ids.GenerateTestID()
	deliverFullSlot(t, f, 0, digest, 0)

	action, err := f.driver.Poll()
	require.NoError(t, err)
	require.Equal(t, ActionContinue, action)

	require.Len(t, f.log.finalized, 1)
	require.Equal(t, seqno.SeqNo(0), f.log.finalized[0].Seq)
	require.Len(t, f.executor.enqueued, 1)
	require.False(t, f.executor.snapshotRequested)
}

func TestProcessConsensusMessageBroadcastsPrepareVote(t *testing.T) {
	f := newFixture(t, 1)
	digest := ids.GenerateTestID()
	leader := f.members[0]

	err := f.driver.ProcessConsensusMessage(header(leader), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrePrepare, Digest: digest})
	require.NoError(t, err)

	require.Len(t, f.bcast.sent, 1)
	require.Equal(t, wire.KindPrepare, f.bcast.sent[0].Kind)
	require.Equal(t, digest, f.bcast.sent[0].Digest)
}

func TestPollBroadcastsEngineVotes(t *testing.T) {
	f := newFixture(t, 1)
	digest := ids.GenerateTestID()
	leader := f.members[0]

	_, _, err := f.engine.ProcessMessage(header(leader), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrePrepare, Digest: digest})
	require.NoError(t, err)
	for i, m := range f.members {
		if i == 0 || i == 1 {
			continue
		}
		f.engine.Queue(header(m), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrepare, Digest: digest})
	}

	// Each Poll call drains at most one buffered message off the slot's own
	// MessageQueue. The first queued Prepare, together with this replica's
	// own vote, already reaches the q-1=2 prepare threshold and moves the
	// slot Preparing -> Commiting, so the Commit is broadcast on the first
	// call; the second call finds no queued Commit and does nothing more.
	for i := 0; i < 2; i++ {
		_, err = f.driver.Poll()
		require.NoError(t, err)
	}
	require.NotEmpty(t, f.bcast.sent)
	require.Equal(t, wire.KindCommit, f.bcast.sent[len(f.bcast.sent)-1].Kind)
}

func TestPollRequestsSnapshotOnCheckpointBoundary(t *testing.T) {
	f := newFixture(t, 1)
	f.log.finalizeInfo = InfoBeginCheckpoint
	deliverFullSlot(t, f, 0, ids.GenerateTestID(), 0)

	_, err := f.driver.Poll()
	require.NoError(t, err)
	require.True(t, f.executor.snapshotRequested)
}

func TestPollSwitchesToSyncOnRunSyncProtocol(t *testing.T) {
	f := newFixture(t, 1)
	f.gate.UnlockConsensus()
	require.True(t, f.gate.CanPropose())

	f.sync.canProcessStops = true
	f.sync.phaseOutcome = gosync.PhaseOutcome{Result: gosync.PhaseRunSyncProtocol}

	action, err := f.driver.Poll()
	require.NoError(t, err)
	require.Equal(t, ActionContinue, action)
	require.Equal(t, SyncPhase, f.driver.Phase())
	require.False(t, f.gate.CanPropose())
}

func TestPollRunCSTProtocolSurfacesToSupervisor(t *testing.T) {
	f := newFixture(t, 1)
	f.sync.canProcessStops = true
	f.sync.phaseOutcome = gosync.PhaseOutcome{Result: gosync.PhaseRunCSTProtocol}

	action, err := f.driver.Poll()
	require.NoError(t, err)
	require.Equal(t, ActionRunCST, action)
	require.Equal(t, NormalPhase, f.driver.Phase())
}

func TestPollResumeViewChangeReturnsToNormalPhase(t *testing.T) {
	f := newFixture(t, 1)
	f.sync.canProcessStops = true
	f.sync.phaseOutcome = gosync.PhaseOutcome{Result: gosync.PhaseRunSyncProtocol}
	_, err := f.driver.Poll()
	require.NoError(t, err)
	require.Equal(t, SyncPhase, f.driver.Phase())

	f.sync.canProcessStops = false
	f.sync.pollOutcome = gosync.PollOutcome{Result: gosync.PollResumeViewChange}

	_, err = f.driver.Poll()
	require.NoError(t, err)
	require.True(t, f.sync.resumeCalled)
	require.Equal(t, NormalPhase, f.driver.Phase())
}

func TestHandleTimeoutForwardsAndBeginsViewChange(t *testing.T) {
	f := newFixture(t, 1)
	f.gate.UnlockConsensus()
	forwarded := wire.RequestMessage{OperationID: 1}
	stopped := wire.RequestMessage{OperationID: 2}
	f.sync.timeoutOK = true
	f.sync.timeoutResult = gosync.RequestsTimedOut{
		Forwarded: []wire.RequestMessage{forwarded},
		Stopped:   []wire.RequestMessage{stopped},
	}

	err := f.driver.HandleTimeout(ids.GenerateTestID())
	require.NoError(t, err)
	require.Len(t, f.forward.forwarded, 1)
	require.Equal(t, forwarded, f.forward.forwarded[0][0])
	require.True(t, f.sync.beginViewChangeCalled)
	require.Equal(t, SyncPhase, f.driver.Phase())
	require.False(t, f.gate.CanPropose())
}

func TestHandleExecutionChangedLocksAndUnlocksGate(t *testing.T) {
	f := newFixture(t, 1)
	f.gate.UnlockConsensus()

	f.driver.HandleExecutionChanged(false)
	require.False(t, f.gate.CanPropose())

	f.driver.HandleExecutionChanged(true)
	require.True(t, f.gate.CanPropose())
}

func TestHandleExecutionChangedResumingMidSyncStaysLocked(t *testing.T) {
	f := newFixture(t, 1)
	f.sync.canProcessStops = true
	f.sync.phaseOutcome = gosync.PhaseOutcome{Result: gosync.PhaseRunSyncProtocol}
	_, err := f.driver.Poll()
	require.NoError(t, err)
	require.Equal(t, SyncPhase, f.driver.Phase())

	f.driver.HandleExecutionChanged(true)
	require.False(t, f.gate.CanPropose())
}

func TestHandleForwardedRequestsFiltersSeenAndInserts(t *testing.T) {
	f := newFixture(t, 1)
	seen := wire.RequestMessage{OperationID: 1}
	fresh := wire.RequestMessage{OperationID: 2}
	alreadySeen := func(r wire.RequestMessage) bool { return r.OperationID == seen.OperationID }

	f.driver.HandleForwardedRequests([]wire.RequestMessage{seen, fresh}, alreadySeen)

	require.Len(t, f.log.inserted, 1)
	require.Equal(t, []wire.RequestMessage{fresh}, f.log.inserted[0])
	require.Len(t, f.sync.watched, 1)
	require.Equal(t, []wire.RequestMessage{fresh}, f.sync.watched[0])
}

func TestProcessConsensusMessageQueuesDuringSync(t *testing.T) {
	f := newFixture(t, 1)
	f.sync.canProcessStops = true
	f.sync.phaseOutcome = gosync.PhaseOutcome{Result: gosync.PhaseRunSyncProtocol}
	_, err := f.driver.Poll()
	require.NoError(t, err)
	require.Equal(t, SyncPhase, f.driver.Phase())

	digest := ids.GenerateTestID()
	err = f.driver.ProcessConsensusMessage(header(f.members[0]), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrePrepare, Digest: digest})
	require.NoError(t, err)
}

package decision

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/pbft/engine/pbft/errs"
	"github.com/luxfi/pbft/engine/pbft/wire"
)

const quorum = 3 // n=4,f=1 -> 2f+1=3

func header(from ids.NodeID) wire.Header {
	return wire.Header{From: from}
}

func TestLeaderSlotStartsInInitAndProposesOnce(t *testing.T) {
	leader := ids.GenerateTestNodeID()
	d := New(0, 0, quorum, true, leader, true, wire.MessageQueue{}, nil)
	require.Equal(t, Init, d.Phase())

	st := d.Poll()
	require.Equal(t, PollTryPropose, st.Result)

	st = d.Poll()
	require.Equal(t, PollRecv, st.Result, "TryPropose must not repeat within the same lifetime")
}

func TestBackupSlotStartsInPrePreparing(t *testing.T) {
	d := New(0, 0, quorum, false, ids.GenerateTestNodeID(), true, wire.MessageQueue{}, nil)
	require.Equal(t, PrePreparing, d.Phase())
}

func TestHappyPathReachesDecided(t *testing.T) {
	self := ids.GenerateTestNodeID()
	leader := ids.GenerateTestNodeID()
	d := New(0, 0, quorum, false, self, true, wire.MessageQueue{}, nil)

	digest := ids.GenerateTestID()
	status, broadcast, err := d.ProcessMessage(header(leader), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrePrepare, Digest: digest})
	require.NoError(t, err)
	require.Equal(t, StatusTransitioned, status)
	require.NotNil(t, broadcast)
	require.Equal(t, wire.KindPrepare, broadcast.Kind)
	require.Equal(t, Preparing, d.Phase())

	// Prepare quorum is q-1=2 distinct votes, and self already contributed
	// one on adopting the pre-prepare, so a single peer vote suffices.
	prepPeer := ids.GenerateTestNodeID()
	status, broadcast, err = d.ProcessMessage(header(prepPeer), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrepare, Digest: digest})
	require.NoError(t, err)
	require.Equal(t, StatusTransitioned, status)
	require.NotNil(t, broadcast)
	require.Equal(t, wire.KindCommit, broadcast.Kind)
	require.Equal(t, Commiting, d.Phase())

	// Commit quorum is q=3 distinct votes; self contributed one on
	// entering Commiting, so two more peers are needed.
	commitPeers := []ids.NodeID{ids.GenerateTestNodeID(), ids.GenerateTestNodeID()}
	for i, p := range commitPeers {
		status, _, err = d.ProcessMessage(header(p), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindCommit, Digest: digest})
		require.NoError(t, err)
		if i == len(commitPeers)-1 {
			require.Equal(t, StatusDecided, status)
		} else {
			require.Equal(t, StatusDeciding, status)
		}
	}

	require.Equal(t, Decided, d.Phase())
}

func TestFinalizeableRespectsPersistenceDiscipline(t *testing.T) {
	self := ids.GenerateTestNodeID()
	leader := ids.GenerateTestNodeID()
	d := New(0, 0, quorum, false, self, false, wire.MessageQueue{}, nil)
	digest := ids.GenerateTestID()
	_, _, _ = d.ProcessMessage(header(leader), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrePrepare, Digest: digest})
	_, _, _ = d.ProcessMessage(header(ids.GenerateTestNodeID()), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrepare, Digest: digest})
	_, _, _ = d.ProcessMessage(header(ids.GenerateTestNodeID()), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrepare, Digest: digest})
	_, _, _ = d.ProcessMessage(header(ids.GenerateTestNodeID()), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindCommit, Digest: digest})
	_, _, _ = d.ProcessMessage(header(ids.GenerateTestNodeID()), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindCommit, Digest: digest})
	require.Equal(t, Decided, d.Phase())
	require.False(t, d.IsFinalizeable())

	d.MarkPersisted()
	require.True(t, d.IsFinalizeable())

	_, err := d.Finalize()
	require.NoError(t, err)
	_, err = d.Finalize()
	require.Error(t, err)
}

func TestDoubleVoteDifferentDigestReturnsVotedTwice(t *testing.T) {
	self := ids.GenerateTestNodeID()
	leader := ids.GenerateTestNodeID()
	d := New(0, 0, quorum, false, self, true, wire.MessageQueue{}, nil)
	digest := ids.GenerateTestID()
	_, _, _ = d.ProcessMessage(header(leader), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrePrepare, Digest: digest})

	voter := ids.GenerateTestNodeID()
	_, _, err := d.ProcessMessage(header(voter), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrepare, Digest: digest})
	require.NoError(t, err)

	other := ids.GenerateTestID()
	_, _, err = d.ProcessMessage(header(voter), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrepare, Digest: other})
	peer, ok := errs.AsVotedTwice(err)
	require.True(t, ok)
	require.Equal(t, voter, peer)
}

func TestFutureKindIsQueuedOnSlot(t *testing.T) {
	self := ids.GenerateTestNodeID()
	d := New(0, 0, quorum, false, self, true, wire.MessageQueue{}, nil)

	status, _, err := d.ProcessMessage(header(ids.GenerateTestNodeID()), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindCommit, Digest: ids.GenerateTestID()})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, status)
	require.True(t, d.IsSignalled())
}

func TestStaleViewAndSeqRejected(t *testing.T) {
	d := New(5, 2, quorum, false, ids.GenerateTestNodeID(), true, wire.MessageQueue{}, nil)
	_, _, err := d.ProcessMessage(header(ids.GenerateTestNodeID()), wire.ConsensusMessage{Seq: 5, View: 1, Kind: wire.KindPrePrepare})
	require.ErrorIs(t, err, errs.ErrStaleView)

	_, _, err = d.ProcessMessage(header(ids.GenerateTestNodeID()), wire.ConsensusMessage{Seq: 4, View: 2, Kind: wire.KindPrePrepare})
	require.ErrorIs(t, err, errs.ErrStaleSequence)
}

func TestSkipInitPhaseAdmitsForgedProposal(t *testing.T) {
	leader := ids.GenerateTestNodeID()
	d := New(0, 0, quorum, true, leader, true, wire.MessageQueue{}, nil)
	d.SkipInitPhase()
	require.Equal(t, PrePreparing, d.Phase())

	status, _, err := d.ProcessMessage(header(ids.GenerateTestNodeID()), wire.ConsensusMessage{Seq: 0, View: 0, Kind: wire.KindPrePrepare, Digest: ids.GenerateTestID()})
	require.NoError(t, err)
	require.Equal(t, StatusTransitioned, status)
}

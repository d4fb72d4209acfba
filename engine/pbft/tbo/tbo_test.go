package tbo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/pbft/engine/pbft/seqno"
	"github.com/luxfi/pbft/engine/pbft/wire"
)

func msg(seq seqno.SeqNo, kind wire.Kind) wire.StoredMessage {
	return wire.StoredMessage{Message: wire.ConsensusMessage{Seq: seq, Kind: kind}}
}

func TestQueueDropsStale(t *testing.T) {
	q := New(5, 4, nil)
	ok := q.Queue(msg(3, wire.KindPrepare))
	require.False(t, ok)
}

func TestQueueDropsOverWatermark(t *testing.T) {
	q := New(0, 4, nil)
	ok := q.Queue(msg(4, wire.KindPrepare))
	require.False(t, ok)
	require.Equal(t, seqno.SeqNo(4), q.BaseSeq())
}

func TestQueueAcceptsWithinWindow(t *testing.T) {
	q := New(0, 4, nil)
	ok := q.Queue(msg(2, wire.KindPrePrepare))
	require.True(t, ok)
}

func TestAdvanceQueueIncrementsAndDrains(t *testing.T) {
	q := New(0, 4, nil)
	require.True(t, q.Queue(msg(0, wire.KindPrePrepare)))

	mq := q.AdvanceQueue()
	require.Len(t, mq.PrePrepares, 1)
	require.Equal(t, seqno.SeqNo(1), q.CurrSeq())

	mq2 := q.AdvanceQueue()
	require.Empty(t, mq2.PrePrepares)
}

func TestOutOfWindowAcceptedAfterSlide(t *testing.T) {
	// Scenario 3: seq=5 dropped at seq_no=0, watermark=4; accepted once
	// curr_seq advances to 2 (offset 3 < 4).
	q := New(0, 4, nil)
	require.False(t, q.Queue(msg(5, wire.KindPrePrepare)))

	q.AdvanceQueue()
	q.AdvanceQueue()
	require.Equal(t, seqno.SeqNo(2), q.CurrSeq())

	require.True(t, q.Queue(msg(5, wire.KindPrePrepare)))
}

func TestClearEmptiesDeques(t *testing.T) {
	q := New(0, 4, nil)
	q.Queue(msg(0, wire.KindCommit))
	q.Clear()
	mq := q.AdvanceQueue()
	require.Empty(t, mq.Commits)
	require.False(t, q.ShouldPoll())
}

// Package tbo implements the Totally-Before-Ordering reorder buffer: three
// per-kind deques-of-deques that align out-of-order network arrivals to
// their correct sequence slot within a fixed watermark window.
package tbo

import (
	"github.com/luxfi/log"

	pbftlog "github.com/luxfi/pbft/log"

	"github.com/luxfi/pbft/engine/pbft/seqno"
	"github.com/luxfi/pbft/engine/pbft/wire"
)

// Queue is the TBO reorder buffer. curr_seq plus watermark defines the
// acceptance window [curr_seq, curr_seq+watermark); anything outside it is
// dropped at intake.
type Queue struct {
	currSeq   seqno.SeqNo
	watermark uint32
	getQueue  bool

	prePrepares [][]wire.StoredMessage
	prepares    [][]wire.StoredMessage
	commits     [][]wire.StoredMessage

	log log.Logger
}

// New returns a Queue anchored at currSeq with the given watermark.
func New(currSeq seqno.SeqNo, watermark uint32, logger log.Logger) *Queue {
	if logger == nil {
		logger = pbftlog.NewNoOpLogger()
	}
	return &Queue{
		currSeq:     currSeq,
		watermark:   watermark,
		prePrepares: make([][]wire.StoredMessage, watermark),
		prepares:    make([][]wire.StoredMessage, watermark),
		commits:     make([][]wire.StoredMessage, watermark),
		log:         logger,
	}
}

// CurrSeq returns the queue's current anchor sequence number.
func (q *Queue) CurrSeq() seqno.SeqNo { return q.currSeq }

// BaseSeq returns curr_seq + watermark, the exclusive upper acceptance bound.
func (q *Queue) BaseSeq() seqno.SeqNo { return q.currSeq.Add(q.watermark) }

func (q *Queue) deques(kind wire.Kind) [][]wire.StoredMessage {
	switch kind {
	case wire.KindPrePrepare:
		return q.prePrepares
	case wire.KindPrepare:
		return q.prepares
	default:
		return q.commits
	}
}

// Queue places msg into the deque for its kind at its relative offset from
// curr_seq, dropping it if the offset is behind curr_seq or at/beyond the
// watermark.
func (q *Queue) Queue(msg wire.StoredMessage) bool {
	side, offset := msg.Message.Seq.Index(q.currSeq)
	if side == Left {
		q.log.Warn("tbo: dropping stale message", "seq", msg.Message.Seq, "curr_seq", q.currSeq)
		return false
	}
	if offset >= q.watermark {
		q.log.Warn("tbo: dropping out-of-window message", "seq", msg.Message.Seq, "watermark", q.watermark)
		return false
	}
	deques := q.deques(msg.Message.Kind)
	deques[offset] = append(deques[offset], msg)
	q.getQueue = true
	return true
}

// Side mirrors seqno.Side so callers of Queue don't need to import seqno
// just to spell the comparison.
type Side = seqno.Side

const Left = seqno.Left

// AdvanceQueue pops the front deque of each kind (yielding empty queues for
// empties), increments curr_seq, and returns the triple as the initial
// MessageQueue for the newly admitted slot.
func (q *Queue) AdvanceQueue() wire.MessageQueue {
	var mq wire.MessageQueue
	if len(q.prePrepares) > 0 {
		mq.PrePrepares = q.prePrepares[0]
		q.prePrepares = append(q.prePrepares[1:], nil)
	}
	if len(q.prepares) > 0 {
		mq.Prepares = q.prepares[0]
		q.prepares = append(q.prepares[1:], nil)
	}
	if len(q.commits) > 0 {
		mq.Commits = q.commits[0]
		q.commits = append(q.commits[1:], nil)
	}
	q.currSeq = q.currSeq.Next()
	return mq
}

// NextInstanceQueue discards the head of each deque without producing a
// MessageQueue, used when skipping slots on a state install.
func (q *Queue) NextInstanceQueue() {
	if len(q.prePrepares) > 0 {
		q.prePrepares = append(q.prePrepares[1:], nil)
	}
	if len(q.prepares) > 0 {
		q.prepares = append(q.prepares[1:], nil)
	}
	if len(q.commits) > 0 {
		q.commits = append(q.commits[1:], nil)
	}
	q.currSeq = q.currSeq.Next()
}

// Len returns the number of deque slots currently allocated (== watermark,
// unless Reset has rewritten it).
func (q *Queue) Len() uint32 {
	return uint32(len(q.prePrepares))
}

// Clear empties all deques and clears the advisory get_queue flag.
func (q *Queue) Clear() {
	for i := range q.prePrepares {
		q.prePrepares[i] = nil
		q.prepares[i] = nil
		q.commits[i] = nil
	}
	q.getQueue = false
}

// Signal sets the advisory get_queue flag, driving an idle engine to
// re-check the queue.
func (q *Queue) Signal() {
	q.getQueue = true
}

// ShouldPoll reports the advisory get_queue flag.
func (q *Queue) ShouldPoll() bool {
	return q.getQueue
}

// Reset re-anchors the queue at seq with a freshly sized set of empty
// deques, used by install_sequence_number's rewind case.
func (q *Queue) Reset(seq seqno.SeqNo) {
	q.currSeq = seq
	q.prePrepares = make([][]wire.StoredMessage, q.watermark)
	q.prepares = make([][]wire.StoredMessage, q.watermark)
	q.commits = make([][]wire.StoredMessage, q.watermark)
	q.getQueue = false
}

// QueueRelative places msg at a deque offset already computed relative to
// base_seq() (i.e. offset 0 is the slot immediately beyond the engine's
// decisions window), dropping it if offset is at or beyond the watermark.
// Used by the engine for messages whose absolute offset from curr_seq is
// >= the decisions window's width.
func (q *Queue) QueueRelative(offset uint32, msg wire.StoredMessage) bool {
	if offset >= q.watermark {
		q.log.Warn("tbo: dropping out-of-window message", "offset", offset, "watermark", q.watermark)
		return false
	}
	deques := q.deques(msg.Message.Kind)
	deques[offset] = append(deques[offset], msg)
	q.getQueue = true
	return true
}

// Realign forces curr_seq to seq without touching any buffered content.
// A safety net for install_sequence_number's overflow corner, where the
// jump exceeds what NextInstanceQueue/AdvanceQueue calls alone can express.
func (q *Queue) Realign(seq seqno.SeqNo) {
	q.currSeq = seq
}

// DiscardFront drops n leading deque slots (used when an overflow install
// must skip ahead), re-anchoring curr_seq forward by n and padding the tail
// with empty slots.
func (q *Queue) DiscardFront(n uint32) {
	if n > q.Len() {
		n = q.Len()
	}
	q.prePrepares = append(q.prePrepares[n:], make([][]wire.StoredMessage, n)...)
	q.prepares = append(q.prepares[n:], make([][]wire.StoredMessage, n)...)
	q.commits = append(q.commits[n:], make([][]wire.StoredMessage, n)...)
	q.currSeq = q.currSeq.Add(n)
}

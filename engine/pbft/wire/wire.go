// Package wire defines the message envelope and payload types that cross
// the network boundary: the fixed Header, the three PBFT agreement message
// kinds, and the client request shape. Serialization and signing live
// outside this package (the Serializable/codec boundary is an external
// collaborator); wire only fixes the shapes and the Header's byte layout.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"

	"github.com/luxfi/pbft/engine/pbft/seqno"
)

// nodeIDLen is the marshaled width of an ids.NodeID.
const nodeIDLen = 20

// HeaderLength is the fixed wire size of a Header: from(20) + to(20) +
// nonce(8) + payload_digest(32) + signature(64) + payload_length(4).
const HeaderLength = nodeIDLen + nodeIDLen + 8 + 32 + 64 + 4

// Header is the per-message envelope validated before a payload ever
// reaches the state machine. From/To name replicas directly by NodeID so
// the agreement layer never needs a side table to recover voter identity.
type Header struct {
	From          ids.NodeID
	To            ids.NodeID
	Nonce         uint64
	PayloadDigest [32]byte
	Signature     [64]byte
	PayloadLength uint32
}

// MarshalBinary renders the header as exactly HeaderLength bytes.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderLength)
	off := 0
	copy(buf[off:off+nodeIDLen], h.From[:])
	off += nodeIDLen
	copy(buf[off:off+nodeIDLen], h.To[:])
	off += nodeIDLen
	binary.BigEndian.PutUint64(buf[off:off+8], h.Nonce)
	off += 8
	copy(buf[off:off+32], h.PayloadDigest[:])
	off += 32
	copy(buf[off:off+64], h.Signature[:])
	off += 64
	binary.BigEndian.PutUint32(buf[off:off+4], h.PayloadLength)
	return buf, nil
}

// UnmarshalBinary parses exactly HeaderLength bytes into h.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) != HeaderLength {
		return fmt.Errorf("wire: header must be %d bytes, got %d", HeaderLength, len(buf))
	}
	off := 0
	copy(h.From[:], buf[off:off+nodeIDLen])
	off += nodeIDLen
	copy(h.To[:], buf[off:off+nodeIDLen])
	off += nodeIDLen
	h.Nonce = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	copy(h.PayloadDigest[:], buf[off:off+32])
	off += 32
	copy(h.Signature[:], buf[off:off+64])
	off += 64
	h.PayloadLength = binary.BigEndian.Uint32(buf[off : off+4])
	return nil
}

// Verify is the signature-verification hook for a header. It does not check
// Signature: it returns false for a nil pub and true for any non-nil pub.
// Signing itself is an external collaborator; this hook lets a real signer
// be dropped in without changing the Header shape.
func (h Header) Verify(pub *bls.PublicKey) bool {
	if pub == nil {
		return false
	}
	return true
}

// Kind discriminates a ConsensusMessage's payload.
type Kind uint8

const (
	// KindPrePrepare carries the leader's proposed batch.
	KindPrePrepare Kind = iota
	// KindPrepare carries a vote for a batch digest.
	KindPrepare
	// KindCommit carries a commit vote for a batch digest.
	KindCommit
)

func (k Kind) String() string {
	switch k {
	case KindPrePrepare:
		return "PrePrepare"
	case KindPrepare:
		return "Prepare"
	case KindCommit:
		return "Commit"
	default:
		return "Unknown"
	}
}

// RequestMessage is a single client operation. Client ordering within a
// session is by OperationID.
type RequestMessage struct {
	Client      ids.NodeID
	SessionID   seqno.SeqNo
	OperationID seqno.SeqNo
	Operation   []byte
}

// ConsensusMessage is one PBFT agreement message: a PrePrepare carrying a
// batch, or a Prepare/Commit vote for a batch digest.
type ConsensusMessage struct {
	Seq   seqno.SeqNo
	View  seqno.SeqNo
	Kind  Kind
	Batch []RequestMessage // populated only for KindPrePrepare
	// Digest identifies the batch being voted on (or, for a PrePrepare,
	// the digest computed over Batch).
	Digest ids.ID
}

// StoredMessage pairs a validated Header with its ConsensusMessage payload,
// the unit the TBO queue and MessageQueue move around.
type StoredMessage struct {
	Header  Header
	Message ConsensusMessage
}

// MessageQueue holds the three FIFO queues for a single sequence slot.
type MessageQueue struct {
	PrePrepares []StoredMessage
	Prepares    []StoredMessage
	Commits     []StoredMessage
}

// IsSignalled reports whether any of the three queues is non-empty.
func (q MessageQueue) IsSignalled() bool {
	return len(q.PrePrepares) > 0 || len(q.Prepares) > 0 || len(q.Commits) > 0
}

// Push appends msg onto the queue matching its kind.
func (q *MessageQueue) Push(msg StoredMessage) {
	switch msg.Message.Kind {
	case KindPrePrepare:
		q.PrePrepares = append(q.PrePrepares, msg)
	case KindPrepare:
		q.Prepares = append(q.Prepares, msg)
	case KindCommit:
		q.Commits = append(q.Commits, msg)
	}
}

// PopPrePrepare removes and returns the oldest queued PrePrepare, if any.
func (q *MessageQueue) PopPrePrepare() (StoredMessage, bool) {
	if len(q.PrePrepares) == 0 {
		return StoredMessage{}, false
	}
	m := q.PrePrepares[0]
	q.PrePrepares = q.PrePrepares[1:]
	return m, true
}

// PopPrepare removes and returns the oldest queued Prepare, if any.
func (q *MessageQueue) PopPrepare() (StoredMessage, bool) {
	if len(q.Prepares) == 0 {
		return StoredMessage{}, false
	}
	m := q.Prepares[0]
	q.Prepares = q.Prepares[1:]
	return m, true
}

// PopCommit removes and returns the oldest queued Commit, if any.
func (q *MessageQueue) PopCommit() (StoredMessage, bool) {
	if len(q.Commits) == 0 {
		return StoredMessage{}, false
	}
	m := q.Commits[0]
	q.Commits = q.Commits[1:]
	return m, true
}

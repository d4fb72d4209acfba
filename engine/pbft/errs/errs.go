// Package errs collects the error taxonomy shared by every layer of the
// ordering protocol. Transient message-level errors are values the caller
// is expected to log and drop; they are never panics.
package errs

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
)

var (
	// ErrMalformedHeader is returned when a header fails length or signature
	// validation before it ever reaches the state machine.
	ErrMalformedHeader = errors.New("pbft: malformed header")

	// ErrWrongDestination is returned when header.To does not match this node.
	ErrWrongDestination = errors.New("pbft: message addressed to another node")

	// ErrStaleView is returned when a message's view is behind the current view.
	ErrStaleView = errors.New("pbft: stale view")

	// ErrStaleSequence is returned when a message's sequence number is behind
	// the engine's current sequence number.
	ErrStaleSequence = errors.New("pbft: stale sequence number")

	// ErrWindowOverflow is returned when a message's relative offset falls at
	// or beyond the watermark.
	ErrWindowOverflow = errors.New("pbft: sequence number beyond watermark")

	// ErrPersistFailed is returned when the persistent log fails to
	// acknowledge a write. Fatal for the replica.
	ErrPersistFailed = errors.New("pbft: persistent log write failed")

	// ErrCommunicationPeerNotFound is returned when a destination lookup misses.
	ErrCommunicationPeerNotFound = errors.New("pbft: peer not found")
)

// VotedTwiceError reports a duplicate vote from a replica within one slot
// and phase. It is surfaced to the driver but never mutates state.
type VotedTwiceError struct {
	Peer ids.NodeID
}

func (e *VotedTwiceError) Error() string {
	return fmt.Sprintf("pbft: replica %s voted twice in this phase", e.Peer)
}

// VotedTwice constructs a VotedTwiceError for the given peer.
func VotedTwice(peer ids.NodeID) error {
	return &VotedTwiceError{Peer: peer}
}

// AsVotedTwice reports whether err is (or wraps) a VotedTwiceError and
// returns the offending peer.
func AsVotedTwice(err error) (ids.NodeID, bool) {
	var vt *VotedTwiceError
	if errors.As(err, &vt) {
		return vt.Peer, true
	}
	return ids.EmptyNodeID, false
}

// CommunicationPeerNotFoundError names the peer that could not be reached.
type CommunicationPeerNotFoundError struct {
	Peer ids.NodeID
}

func (e *CommunicationPeerNotFoundError) Error() string {
	return fmt.Sprintf("pbft: peer %s not found: %v", e.Peer, ErrCommunicationPeerNotFound)
}

func (e *CommunicationPeerNotFoundError) Unwrap() error {
	return ErrCommunicationPeerNotFound
}

// PeerNotFound constructs a CommunicationPeerNotFoundError for the given peer.
func PeerNotFound(peer ids.NodeID) error {
	return &CommunicationPeerNotFoundError{Peer: peer}
}

// Package timeout owns client-request and view-change timeout bookkeeping.
// The consensus engine never arms a timer and does not call this package.
package timeout

import (
	"context"
	"time"

	"github.com/luxfi/ids"
)

// Op classifies what a registered timeout is waiting on, so a Manager
// implementation can apply different backoff/escalation policy per kind.
type Op uint8

const (
	// OpRequest is a pending client request awaiting ordering.
	OpRequest Op = iota
	// OpViewChange is a pending view-change round.
	OpViewChange
	// OpCheckpoint is a pending state-transfer checkpoint fetch.
	OpCheckpoint
)

// Manager manages request and view-change timeouts. The OP Driver holds one
// and hands it to the synchronizer's ResumeViewChange; the driver does not
// register timeouts itself, and learns of a fired one through HandleTimeout.
type Manager interface {
	// RegisterTimeout arms a callback to fire after duration unless cancelled.
	RegisterTimeout(duration time.Duration) func(context.Context, ids.ID) error

	// RegisterRequest arms a per-request timeout for a specific peer.
	RegisterRequest(peer ids.NodeID, requestID ids.ID, critical bool, uniqueRequestID uint32, onTimeout func())

	// RegisterResponse cancels a previously-registered request timeout,
	// returning whether it was still pending and a cleanup func.
	RegisterResponse(peer ids.NodeID, requestID ids.ID, uniqueRequestID uint32, op Op) (bool, func())

	// TimeoutDuration returns the currently configured timeout duration.
	TimeoutDuration() time.Duration
}

type manager struct {
	duration time.Duration
}

// NewManager creates a Manager with a fixed timeout duration. The returned
// Manager only records the duration: RegisterTimeout returns a callback that
// does nothing, RegisterRequest arms no timer, and RegisterResponse always
// reports that nothing was pending.
func NewManager(duration time.Duration) Manager {
	return &manager{duration: duration}
}

func (m *manager) RegisterTimeout(duration time.Duration) func(context.Context, ids.ID) error {
	return func(ctx context.Context, id ids.ID) error {
		return nil
	}
}

func (m *manager) RegisterRequest(ids.NodeID, ids.ID, bool, uint32, func()) {}

func (m *manager) RegisterResponse(ids.NodeID, ids.ID, uint32, Op) (bool, func()) {
	return false, func() {}
}

func (m *manager) TimeoutDuration() time.Duration {
	return m.duration
}

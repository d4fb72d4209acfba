// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import "time"

// Parameters defines the PBFT ordering protocol parameters for a replica group.
type Parameters struct {
	// N is the replica count; must equal 3*F+1.
	N int
	// F is the number of Byzantine replicas the group tolerates.
	F int
	// Watermark is the number of concurrently in-flight agreement slots.
	Watermark uint32
	// FirstClientID is the smallest node id treated as a client rather than a replica.
	FirstClientID uint32
	// CheckpointPeriod is the number of decided slots between stable checkpoints.
	CheckpointPeriod uint32
	// RequestTimeout bounds how long a client request may sit unordered before
	// the replica forwards it and, if still stuck, begins a view change.
	RequestTimeout time.Duration
	// ViewChangeTimeout bounds how long a view change may run before escalating.
	ViewChangeTimeout time.Duration
	// ConnRetries is the number of outbound connection attempts before giving up.
	ConnRetries int
	// ConnRetryInterval is the spacing between outbound connection attempts.
	ConnRetryInterval time.Duration
	// RelaxedPersistence skips waiting for the persistent log's ack before a
	// decided slot is eligible to finalize. Safe only when the log's writes
	// are already durable by the time NotifyPersisted would otherwise fire
	// (e.g. an in-memory log backing a test network).
	RelaxedPersistence bool
}

// Quorum returns the PBFT matching-vote quorum size, 2f+1.
func (p Parameters) Quorum() int {
	return 2*p.F + 1
}

// DefaultParams returns the pinned default parameters (watermark=30, per the
// source's hardcoded default).
func DefaultParams() Parameters {
	return Parameters{
		N:                 4,
		F:                 1,
		Watermark:         30,
		FirstClientID:     1000,
		CheckpointPeriod:  100,
		RequestTimeout:    3 * time.Second,
		ViewChangeTimeout: 5 * time.Second,
		ConnRetries:       180,
		ConnRetryInterval: time.Second,
	}
}

// MainnetParams returns parameters sized for a larger, latency-tolerant group.
func MainnetParams() Parameters {
	p := DefaultParams()
	p.N = 10
	p.F = 3
	p.Watermark = 100
	p.CheckpointPeriod = 1000
	p.RequestTimeout = 10 * time.Second
	p.ViewChangeTimeout = 15 * time.Second
	return p
}

// TestnetParams returns parameters for a mid-size test network.
func TestnetParams() Parameters {
	p := DefaultParams()
	p.N = 7
	p.F = 2
	p.Watermark = 50
	p.CheckpointPeriod = 500
	return p
}

// LocalParams returns small, fast parameters suited to scenario tests
// (matches the n=4, f=1, watermark=4 fixture used throughout the test suite).
func LocalParams() Parameters {
	return Parameters{
		N:                 4,
		F:                 1,
		Watermark:         4,
		FirstClientID:     1000,
		CheckpointPeriod:  8,
		RequestTimeout:    50 * time.Millisecond,
		ViewChangeTimeout: 100 * time.Millisecond,
		ConnRetries:       3,
		ConnRetryInterval: time.Millisecond,
	}
}

// Valid validates the parameters against the PBFT structural invariants.
func (p Parameters) Valid() error {
	if p.F < 1 {
		return ErrInvalidF
	}
	if p.N != 3*p.F+1 {
		return ErrInvalidN
	}
	if p.Watermark < 1 {
		return ErrInvalidWatermark
	}
	if p.RequestTimeout <= 0 || p.ViewChangeTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if p.CheckpointPeriod < 1 {
		return ErrInvalidCheckpoint
	}
	return nil
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utils

import "sync/atomic"

// AtomicBool provides atomic bool operations
type AtomicBool struct {
	value atomic.Bool
}

// NewAtomicBool creates a new atomic bool
func NewAtomicBool(value bool) *AtomicBool {
	a := &AtomicBool{}
	a.Set(value)
	return a
}

// Get returns the current value
func (a *AtomicBool) Get() bool {
	return a.value.Load()
}

// Set sets the value
func (a *AtomicBool) Set(value bool) {
	a.value.Store(value)
}

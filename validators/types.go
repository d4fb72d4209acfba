// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package validators provides the membership abstraction the PBFT engine's
// view.Info is built from: a Set of weighted validators plus the State
// collaborator used to look one up at a given height. It is deliberately
// thin — weight-based sampling and dynamic membership churn are a node-level
// concern, not a consensus-algorithm one; this package only has to answer
// "who is in L(v)" and "what is the quorum parameter".
package validators

import (
	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
)

// GetValidatorOutput is the per-validator record returned by State lookups
// and folded into a Set.
type GetValidatorOutput struct {
	NodeID    ids.NodeID
	PublicKey *bls.PublicKey
	Weight    uint64
}

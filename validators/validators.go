// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validators

import (
	"context"

	"github.com/luxfi/ids"
)

// Validator is one member of a Set.
type Validator interface {
	ID() ids.NodeID
	Weight() uint64
}

// validatorImpl is the concrete Validator backing a Set built by NewSet.
type validatorImpl struct {
	nodeID ids.NodeID
	weight uint64
}

func (v *validatorImpl) ID() ids.NodeID { return v.nodeID }
func (v *validatorImpl) Weight() uint64 { return v.weight }

// Set represents a fixed snapshot of validator membership for one height or
// view. It is immutable once constructed: membership changes produce a new
// Set rather than mutating this one.
type Set interface {
	Has(ids.NodeID) bool
	Len() int
	List() []Validator
	TotalWeight() uint64
}

// State looks up the validator set backing a given chain at a given height.
// The Engine never calls State directly; it is a collaborator of whatever
// constructs view.Info on a view change.
type State interface {
	GetValidatorSet(ctx context.Context, height uint64, chainID ids.ID) (map[ids.NodeID]*GetValidatorOutput, error)
}

// Connector is notified as peers connect and disconnect, so a membership
// manager can track liveness independently of the consensus hot path.
type Connector interface {
	Connected(ctx context.Context, nodeID ids.NodeID) error
	Disconnected(ctx context.Context, nodeID ids.NodeID) error
}

// SetCallbackListener is notified of membership changes within one Set.
type SetCallbackListener interface {
	OnValidatorAdded(nodeID ids.NodeID, weight uint64)
	OnValidatorRemoved(nodeID ids.NodeID, weight uint64)
	OnValidatorWeightChanged(nodeID ids.NodeID, oldWeight, newWeight uint64)
}

type set struct {
	members map[ids.NodeID]*validatorImpl
	total   uint64
}

// NewSet builds an immutable Set from a slice of validator outputs. Outputs
// with duplicate NodeIDs overwrite earlier entries, matching the last-write
// semantics of a validator-set snapshot built from a map.
func NewSet(outputs []*GetValidatorOutput) Set {
	s := &set{members: make(map[ids.NodeID]*validatorImpl, len(outputs))}
	for _, o := range outputs {
		if _, exists := s.members[o.NodeID]; exists {
			s.total -= s.members[o.NodeID].weight
		}
		s.members[o.NodeID] = &validatorImpl{nodeID: o.NodeID, weight: o.Weight}
		s.total += o.Weight
	}
	return s
}

func (s *set) Has(nodeID ids.NodeID) bool {
	_, ok := s.members[nodeID]
	return ok
}

func (s *set) Len() int { return len(s.members) }

func (s *set) List() []Validator {
	out := make([]Validator, 0, len(s.members))
	for _, v := range s.members {
		out = append(out, v)
	}
	return out
}

func (s *set) TotalWeight() uint64 { return s.total }

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validators_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"

	"github.com/luxfi/pbft/validators"
)

func TestSetMembership(t *testing.T) {
	require := require.New(t)

	n0, n1, n2 := ids.GenerateTestNodeID(), ids.GenerateTestNodeID(), ids.GenerateTestNodeID()
	s := validators.NewSet([]*validators.GetValidatorOutput{
		{NodeID: n0, Weight: 100},
		{NodeID: n1, Weight: 200},
		{NodeID: n2, Weight: 300},
	})

	require.Equal(3, s.Len())
	require.True(s.Has(n0))
	require.False(s.Has(ids.GenerateTestNodeID()))
	require.Equal(uint64(600), s.TotalWeight())
	require.Len(s.List(), 3)
}

func TestSetDuplicateNodeIDOverwrites(t *testing.T) {
	require := require.New(t)

	n0 := ids.GenerateTestNodeID()
	s := validators.NewSet([]*validators.GetValidatorOutput{
		{NodeID: n0, Weight: 100},
		{NodeID: n0, Weight: 250},
	})

	require.Equal(1, s.Len())
	require.Equal(uint64(250), s.TotalWeight())
}

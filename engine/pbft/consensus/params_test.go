package consensus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"

	"github.com/luxfi/pbft/config"
	"github.com/luxfi/pbft/engine/pbft/seqno"
	"github.com/luxfi/pbft/validators"
)

func testValidatorSet(t *testing.T, n int) ([]ids.NodeID, validators.Set) {
	t.Helper()
	members := make([]ids.NodeID, n)
	outputs := make([]*validators.GetValidatorOutput, n)
	for i := range members {
		members[i] = ids.GenerateTestNodeID()
		outputs[i] = &validators.GetValidatorOutput{NodeID: members[i], Weight: 1}
	}
	return members, validators.NewSet(outputs)
}

func TestNewFromParamsRejectsMismatchedSet(t *testing.T) {
	members, vs := testValidatorSet(t, 3)
	p := config.LocalParams()
	_, _, err := NewFromParams(members[0], vs, p, nil)
	require.Error(t, err)
}

func TestNewFromParamsBuildsEngine(t *testing.T) {
	members, vs := testValidatorSet(t, 4)
	p := config.LocalParams()
	e, gate, err := NewFromParams(members[0], vs, p, nil)
	require.NoError(t, err)
	require.NotNil(t, gate)
	require.Equal(t, seqno.SeqNo(0), e.SeqNo())
	require.Equal(t, 3, e.View().Quorum())
	require.Equal(t, 4, e.View().N())
}

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	members, vs := testValidatorSet(t, 4)
	p := config.LocalParams()
	e, _, err := NewFromParams(members[0], vs, p, nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	require.NoError(t, e.RegisterMetrics(reg))
	require.NoError(t, e.RegisterMetrics(reg))
}

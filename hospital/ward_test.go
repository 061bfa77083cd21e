package hospital

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwire/flowstate/pkg/api"
)

func TestWard_AdmitThenDischarge_InvokesReadmit(t *testing.T) {
	var readmitted []api.FlowId
	w := NewWard(nil, api.NoopObserver{}, func(ctx context.Context, flowId api.FlowId) error {
		readmitted = append(readmitted, flowId)
		return nil
	})

	flowId := api.NewFlowId()
	require.False(t, w.IsAdmitted(flowId))

	require.NoError(t, w.Admit(context.Background(), flowId, api.ClassFatal, "boom", &api.Checkpoint{}))
	require.True(t, w.IsAdmitted(flowId))

	census := w.Census()
	require.Len(t, census, 1)
	require.Equal(t, flowId, census[0].FlowId)
	require.Equal(t, api.ClassFatal, census[0].Class)
	require.Equal(t, 1, census[0].Count)

	require.NoError(t, w.Discharge(context.Background(), flowId))
	require.False(t, w.IsAdmitted(flowId))
	require.Equal(t, []api.FlowId{flowId}, readmitted)
}

func TestWard_Admit_IncrementsCountAcrossReadmissions(t *testing.T) {
	w := NewWard(nil, api.NoopObserver{}, nil)
	flowId := api.NewFlowId()

	require.NoError(t, w.Admit(context.Background(), flowId, api.ClassRetryable, "first", &api.Checkpoint{}))
	require.NoError(t, w.Discharge(context.Background(), flowId))
	require.NoError(t, w.Admit(context.Background(), flowId, api.ClassRetryable, "second", &api.Checkpoint{}))

	census := w.Census()
	require.Len(t, census, 1)
	require.Equal(t, 2, census[0].Count)
	require.Equal(t, "second", census[0].Reason)
}

func TestWard_Discharge_UnknownFlow_ReturnsErrNotAdmitted(t *testing.T) {
	w := NewWard(nil, api.NoopObserver{}, nil)
	require.ErrorIs(t, w.Discharge(context.Background(), api.NewFlowId()), ErrNotAdmitted)
}

func TestWard_Discharge_NoReadmitCallback_Succeeds(t *testing.T) {
	w := NewWard(nil, api.NoopObserver{}, nil)
	flowId := api.NewFlowId()
	require.NoError(t, w.Admit(context.Background(), flowId, api.ClassFatal, "boom", &api.Checkpoint{}))
	require.NoError(t, w.Discharge(context.Background(), flowId))
}

func TestRetryPolicy_NextDelay_GrowsAndBounds(t *testing.T) {
	p := RetryPolicy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     40 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     3,
	}

	d1, ok := p.NextDelay(1)
	require.True(t, ok)
	require.GreaterOrEqual(t, d1, time.Duration(0))

	d2, ok := p.NextDelay(2)
	require.True(t, ok)
	require.Greater(t, d2, time.Duration(0))

	// Growth is randomized (RandomizationFactor) but bounded by MaxInterval
	// plus its randomization jitter.
	require.LessOrEqual(t, d2, p.MaxInterval*2)

	_, ok = p.NextDelay(4)
	require.False(t, ok)
}

func TestRetryPolicy_NextDelay_ZeroMaxAttemptsNeverExhausts(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
	_, ok := p.NextDelay(1000)
	require.True(t, ok)
}

func TestDefaultRetryPolicy_HasFiveAttempts(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, 5, p.MaxAttempts)
	require.Equal(t, time.Second, p.InitialInterval)
	require.Equal(t, time.Minute, p.MaxInterval)
}

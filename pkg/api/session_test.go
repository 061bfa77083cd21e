package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeduplicationId_StableAndDistinguishesFields(t *testing.T) {
	a := DeduplicationId("sender-1", "seed-a", 3)
	require.Equal(t, "sender-1:seed-a:3", a)

	require.NotEqual(t, a, DeduplicationId("sender-2", "seed-a", 3))
	require.NotEqual(t, a, DeduplicationId("sender-1", "seed-b", 3))
	require.NotEqual(t, a, DeduplicationId("sender-1", "seed-a", 4))
}

func TestDeduplicationId_EmptySenderForResumedReplay(t *testing.T) {
	require.Equal(t, ":seed:1", DeduplicationId("", "seed", 1))
}

func TestSessionPhase_String(t *testing.T) {
	require.Equal(t, "Uninitiated", SessionUninitiated.String())
	require.Equal(t, "Initiating", SessionInitiating.String())
	require.Equal(t, "Initiated", SessionInitiated.String())
	require.Equal(t, "Closed", SessionClosed.String())
	require.Equal(t, "Unknown", SessionPhase(99).String())
}

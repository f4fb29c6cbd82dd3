package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveResultRoundTrip(t *testing.T) {
	m := SignupMoveResult{
		SignupID:      "signup-1",
		PrevState:     SignupStateWaitlisted,
		State:         SignupStateConfirmed,
		PrevBucketKey: "",
		BucketKey:     "player",
	}

	back, err := MoveResultFromMap(m.ToMap())
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestMoveResultFromMap_UnknownState(t *testing.T) {
	h := map[string]any{"signup_id": "x", "prev_state": "cancelled", "state": "confirmed"}
	_, err := MoveResultFromMap(h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestMoveResultFromMap_WrongType(t *testing.T) {
	h := map[string]any{"signup_id": 42}
	_, err := MoveResultFromMap(h)
	require.Error(t, err)
}

func TestMoveResultTouchesConfirmed(t *testing.T) {
	promotion := SignupMoveResult{PrevState: SignupStateWaitlisted, State: SignupStateConfirmed}
	assert.True(t, promotion.TouchesConfirmed())

	demotion := SignupMoveResult{PrevState: SignupStateConfirmed, State: SignupStateWaitlisted}
	assert.True(t, demotion.TouchesConfirmed())

	waitlistOnly := SignupMoveResult{PrevState: SignupStateWaitlisted, State: SignupStateWithdrawn}
	assert.False(t, waitlistOnly.TouchesConfirmed())
}

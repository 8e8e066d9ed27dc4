package runstate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunStatus(t *testing.T) {
	for _, st := range AllStatuses() {
		got, err := ParseRunStatus(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}

	got, err := ParseRunStatus("  LOCKED ")
	require.NoError(t, err)
	assert.Equal(t, Locked, got)

	_, err = ParseRunStatus("0.25")
	assert.Error(t, err)
}

func TestRunStatus_JSONUsesTokens(t *testing.T) {
	type row struct {
		Status RunStatus `json:"status"`
	}
	b, err := json.Marshal(row{Status: SecondaryRunning})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"secondary_running"}`, string(b))

	var back row
	require.NoError(t, json.Unmarshal([]byte(`{"status":"failed_once"}`), &back))
	assert.Equal(t, FailedOnce, back.Status)

	_, err = json.Marshal(row{Status: RunStatus(42)})
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{NotStarted, Submitted, true},
		{Submitted, Running, true},
		{Running, FailedOnce, true},
		{FailedOnce, Locked, true},
		{Locked, NotStarted, true},
		{Locked, Running, false},
		{Running, Locked, false},
		{SecondaryReady, SecondaryRunning, true},
		{SecondaryRunning, Complete, true},
		{Complete, NotStarted, false},
		{Complete, Running, false},
		{Complete, Complete, true},
		{Locked, Locked, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCompleteHasNoExits(t *testing.T) {
	for _, st := range AllStatuses() {
		if st == Complete {
			continue
		}
		assert.False(t, CanTransition(Complete, st), "complete must never move to %s", st)
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, Complete.IsTerminal())
	assert.False(t, Locked.IsTerminal())
	assert.True(t, Locked.NeedsHuman())
	assert.True(t, Running.IsActive())
	assert.True(t, SecondaryRunning.IsActive())
	assert.False(t, FailedOnce.IsActive())
	assert.Equal(t, "unknown", RunStatus(99).String())
}

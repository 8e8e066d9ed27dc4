package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/hydrocal/pkg/runstate"
)

// allObservations enumerates every combination of observation flags.
func allObservations() []Observation {
	var out []Observation
	for mask := 0; mask < 1<<8; mask++ {
		out = append(out, Observation{
			LockPresent:        mask&1 != 0,
			ModelAlive:         mask&2 != 0,
			SecondaryAlive:     mask&4 != 0,
			ModelComplete:      mask&8 != 0,
			ModelProgress:      mask&16 != 0,
			Iterative:          mask&32 != 0,
			SecondaryAttempted: mask&64 != 0,
			SecondaryComplete:  mask&128 != 0,
		})
	}
	return out
}

func TestNext_AlwaysFollowsStatusGraph(t *testing.T) {
	for _, from := range runstate.AllStatuses() {
		for _, obs := range allObservations() {
			tr := Next(from, obs)
			assert.True(t, tr.Valid(), "%s %+v -> %s", from, obs, tr.To)
		}
	}
}

func TestNext_CompleteIsTerminal(t *testing.T) {
	for _, obs := range allObservations() {
		tr := Next(runstate.Complete, obs)
		assert.Equal(t, runstate.Complete, tr.To)
		assert.Equal(t, ActionNone, tr.Action)
		assert.False(t, tr.Changed())
	}
}

func TestNext_LockedStaysWhileMarkerPresent(t *testing.T) {
	for _, obs := range allObservations() {
		if !obs.LockPresent {
			continue
		}
		tr := Next(runstate.Locked, obs)
		assert.Equal(t, runstate.Locked, tr.To)
		assert.Equal(t, ActionNone, tr.Action)
	}
}

func TestNext_DeadAndCompleteIsComplete(t *testing.T) {
	obs := Observation{ModelComplete: true, ModelProgress: true}
	iterative := Observation{ModelComplete: true, ModelProgress: true, Iterative: true, SecondaryAttempted: true, SecondaryComplete: true}

	for _, from := range runstate.AllStatuses() {
		assert.Equal(t, runstate.Complete, Next(from, obs).To, "from %s", from)
		assert.Equal(t, runstate.Complete, Next(from, iterative).To, "from %s (iterative)", from)
	}

	locked := obs
	locked.LockPresent = true
	assert.Equal(t, runstate.Locked, Next(runstate.Locked, locked).To)
}

func TestNext_Table(t *testing.T) {
	tests := []struct {
		name   string
		from   runstate.RunStatus
		obs    Observation
		to     runstate.RunStatus
		action Action
	}{
		{"fresh unit is submitted", runstate.NotStarted, Observation{}, runstate.Submitted, ActionSubmitModel},
		{"alive after submission", runstate.Submitted, Observation{ModelAlive: true}, runstate.Running, ActionNone},
		{"alive when never recorded", runstate.NotStarted, Observation{ModelAlive: true}, runstate.Running, ActionNone},
		{"running stays running", runstate.Running, Observation{ModelAlive: true}, runstate.Running, ActionNone},
		{"first failure retries", runstate.Running, Observation{ModelProgress: true}, runstate.FailedOnce, ActionSubmitModel},
		{"submitted then died", runstate.Submitted, Observation{}, runstate.FailedOnce, ActionSubmitModel},
		{"output without record is a failure", runstate.NotStarted, Observation{ModelProgress: true}, runstate.FailedOnce, ActionSubmitModel},
		{"retry in flight", runstate.FailedOnce, Observation{ModelAlive: true}, runstate.FailedOnce, ActionNone},
		{"second failure locks", runstate.FailedOnce, Observation{ModelProgress: true}, runstate.Locked, ActionLock},
		{"retry succeeded", runstate.FailedOnce, Observation{ModelComplete: true}, runstate.Complete, ActionNone},

		{"model done starts secondary", runstate.Running, Observation{ModelComplete: true, Iterative: true}, runstate.SecondaryReady, ActionSubmitSecondary},
		{"secondary alive", runstate.SecondaryReady, Observation{SecondaryAlive: true, Iterative: true}, runstate.SecondaryRunning, ActionNone},
		{"secondary died", runstate.SecondaryRunning, Observation{ModelComplete: true, Iterative: true, SecondaryAttempted: true}, runstate.FailedOnce, ActionSubmitSecondary},
		{"secondary never launched", runstate.SecondaryReady, Observation{ModelComplete: true, Iterative: true}, runstate.SecondaryReady, ActionSubmitSecondary},
		{"secondary retry died", runstate.FailedOnce, Observation{ModelComplete: true, Iterative: true, SecondaryAttempted: true}, runstate.Locked, ActionLock},
		{"model retry succeeded", runstate.FailedOnce, Observation{ModelComplete: true, Iterative: true}, runstate.SecondaryReady, ActionSubmitSecondary},
		{"secondary done", runstate.SecondaryRunning, Observation{ModelComplete: true, Iterative: true, SecondaryAttempted: true, SecondaryComplete: true}, runstate.Complete, ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Next(tt.from, tt.obs)
			assert.Equal(t, tt.to, tr.To)
			assert.Equal(t, tt.action, tr.Action)
			assert.False(t, tr.Unlocked)
		})
	}
}

func TestNext_Unlock(t *testing.T) {
	tr := Next(runstate.Locked, Observation{ModelProgress: true})
	assert.True(t, tr.Unlocked)
	assert.Equal(t, runstate.FailedOnce, tr.To, "progress on disk counts as one failure after unlock")
	assert.Equal(t, ActionSubmitModel, tr.Action)
	assert.True(t, tr.Valid())

	// The single restart attempt also dies: locked again.
	tr = Next(tr.To, Observation{ModelProgress: true})
	assert.Equal(t, runstate.Locked, tr.To)
	assert.Equal(t, ActionLock, tr.Action)

	tr = Next(runstate.Locked, Observation{})
	assert.True(t, tr.Unlocked)
	assert.Equal(t, runstate.Submitted, tr.To)

	tr = Next(runstate.Locked, Observation{ModelComplete: true})
	assert.Equal(t, runstate.Complete, tr.To)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "submit_model", ActionSubmitModel.String())
	assert.Equal(t, "lock", ActionLock.String())
	assert.Equal(t, "unknown", Action(99).String())
}

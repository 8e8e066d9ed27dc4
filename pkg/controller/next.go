package controller

import (
	"github.com/3leaps/hydrocal/pkg/runstate"
)

// Action is the side effect a transition asks for.
type Action int

const (
	ActionNone Action = iota
	ActionSubmitModel
	ActionSubmitSecondary
	ActionLock
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSubmitModel:
		return "submit_model"
	case ActionSubmitSecondary:
		return "submit_secondary"
	case ActionLock:
		return "lock"
	}
	return "unknown"
}

// Observation is everything one poll learns about a unit from outside the
// process. It is rebuilt from scratch every cycle.
type Observation struct {
	// LockPresent is set when the run directory holds the workflow lock marker.
	LockPresent bool

	ModelAlive     bool
	SecondaryAlive bool

	// ModelComplete means both restart artifacts exist for the end time.
	ModelComplete bool
	// ModelProgress means some timestep after the begin time was reached.
	ModelProgress bool

	// Iterative units have a secondary stage after the model run.
	Iterative          bool
	SecondaryAttempted bool
	SecondaryComplete  bool
}

func (o Observation) alive() bool { return o.ModelAlive || o.SecondaryAlive }

// Transition is the outcome of Next.
type Transition struct {
	From   runstate.RunStatus
	To     runstate.RunStatus
	Action Action
	// Unlocked is set when a human removed the lock marker of a LOCKED unit.
	Unlocked bool
}

// Changed reports whether anything needs to be persisted or executed.
func (t Transition) Changed() bool {
	return t.From != t.To || t.Action != ActionNone || t.Unlocked
}

// Valid checks the transition against the status graph. An unlock passes
// through NOT_STARTED.
func (t Transition) Valid() bool {
	if t.Unlocked {
		return runstate.CanTransition(runstate.Locked, runstate.NotStarted) &&
			runstate.CanTransition(runstate.NotStarted, t.To)
	}
	return runstate.CanTransition(t.From, t.To)
}

// Next decides the next status of a unit from its stored status and what the
// current poll observed. It has no side effects; the same inputs always give
// the same answer, which is what makes a restarted orchestrator safe.
//
// Failure is inferred: not alive and not complete. A unit gets one automatic
// resubmission; a second consecutive failure locks it until the marker is
// removed by hand.
func Next(from runstate.RunStatus, obs Observation) Transition {
	t := Transition{From: from, To: from}
	cur := from

	if cur == runstate.Locked {
		if obs.LockPresent {
			return t
		}
		t.Unlocked = true
		cur = runstate.NotStarted
		t.To = cur
	}
	if cur == runstate.Complete {
		return t
	}

	if obs.alive() {
		switch cur {
		case runstate.NotStarted, runstate.Submitted:
			if obs.SecondaryAlive && !obs.ModelAlive {
				t.To = runstate.SecondaryRunning
			} else {
				t.To = runstate.Running
			}
		case runstate.SecondaryReady:
			if obs.SecondaryAlive {
				t.To = runstate.SecondaryRunning
			}
		}
		return t
	}

	if !obs.ModelComplete {
		switch cur {
		case runstate.FailedOnce:
			t.To, t.Action = runstate.Locked, ActionLock
		case runstate.NotStarted:
			if obs.ModelProgress {
				// Output exists but nothing runs: a previous attempt died.
				t.To, t.Action = runstate.FailedOnce, ActionSubmitModel
			} else {
				t.To, t.Action = runstate.Submitted, ActionSubmitModel
			}
		default:
			t.To, t.Action = runstate.FailedOnce, ActionSubmitModel
		}
		return t
	}

	if !obs.Iterative || obs.SecondaryComplete {
		t.To = runstate.Complete
		return t
	}

	// Model finished; the secondary stage is outstanding.
	switch cur {
	case runstate.FailedOnce:
		if obs.SecondaryAttempted {
			t.To, t.Action = runstate.Locked, ActionLock
		} else {
			t.To, t.Action = runstate.SecondaryReady, ActionSubmitSecondary
		}
	case runstate.SecondaryReady:
		if obs.SecondaryAttempted {
			t.To, t.Action = runstate.FailedOnce, ActionSubmitSecondary
		} else {
			t.Action = ActionSubmitSecondary
		}
	case runstate.SecondaryRunning:
		t.To, t.Action = runstate.FailedOnce, ActionSubmitSecondary
	default:
		if obs.SecondaryAttempted {
			t.To, t.Action = runstate.FailedOnce, ActionSubmitSecondary
		} else {
			t.To, t.Action = runstate.SecondaryReady, ActionSubmitSecondary
		}
	}
	return t
}

// Package runstate defines the identity and lifecycle vocabulary shared by
// every part of the calibration orchestrator: stages, work units and the
// closed RunStatus enumeration with its legal transitions.
//
// NOTE: The string tokens returned by String() are persisted by the progress
// store and are part of the stable on-disk contract.
package runstate

import (
	"fmt"
	"strings"
)

// RunStatus is the lifecycle state of a single WorkUnit.
type RunStatus int

const (
	// NotStarted means no submission has been made and no output exists.
	NotStarted RunStatus = iota
	// Submitted means a job was submitted but no completed steps exist yet.
	Submitted
	// Running means the job is alive and partial progress is on disk.
	Running
	// FailedOnce means the job died before completion and one restart was issued.
	FailedOnce
	// Locked means the job died twice in a row; a human must remove the lock marker.
	Locked
	// SecondaryReady means the model run finished and the dependent
	// parameter-estimation stage may run.
	SecondaryReady
	// SecondaryRunning means the dependent stage is alive.
	SecondaryRunning
	// Complete means all work for the unit is finished.
	Complete
)

var statusTokens = map[RunStatus]string{
	NotStarted:       "not_started",
	Submitted:        "submitted",
	Running:          "running",
	FailedOnce:       "failed_once",
	Locked:           "locked",
	SecondaryReady:   "secondary_ready",
	SecondaryRunning: "secondary_running",
	Complete:         "complete",
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []RunStatus {
	return []RunStatus{NotStarted, Submitted, Running, FailedOnce, Locked, SecondaryReady, SecondaryRunning, Complete}
}

// String returns the canonical lowercase token.
func (s RunStatus) String() string {
	if tok, ok := statusTokens[s]; ok {
		return tok
	}
	return "unknown"
}

// Valid reports whether s is one of the enumerated statuses.
func (s RunStatus) Valid() bool {
	_, ok := statusTokens[s]
	return ok
}

// IsTerminal reports whether no automatic action will ever follow s.
func (s RunStatus) IsTerminal() bool {
	return s == Complete
}

// NeedsHuman reports whether progress is blocked on operator intervention.
func (s RunStatus) NeedsHuman() bool {
	return s == Locked
}

// IsActive reports whether a job is believed to be in flight.
func (s RunStatus) IsActive() bool {
	return s == Submitted || s == Running || s == SecondaryRunning
}

// ParseRunStatus parses a canonical token (case-insensitive).
func ParseRunStatus(s string) (RunStatus, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for st, tok := range statusTokens {
		if tok == want {
			return st, nil
		}
	}
	return NotStarted, fmt.Errorf("unknown run status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s RunStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid run status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RunStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseRunStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

var allowedTransitions = map[RunStatus]map[RunStatus]struct{}{
	NotStarted: {
		Submitted:        {},
		Running:          {},
		FailedOnce:       {},
		SecondaryReady:   {},
		SecondaryRunning: {},
		Complete:         {},
	},
	Submitted: {
		Running:          {},
		FailedOnce:       {},
		SecondaryReady:   {},
		SecondaryRunning: {},
		Complete:         {},
	},
	Running: {
		FailedOnce:     {},
		SecondaryReady: {},
		Complete:       {},
	},
	FailedOnce: {
		Locked:         {},
		SecondaryReady: {},
		Complete:       {},
	},
	Locked: {
		NotStarted: {},
	},
	SecondaryReady: {
		SecondaryRunning: {},
		FailedOnce:       {},
		Complete:         {},
	},
	SecondaryRunning: {
		FailedOnce: {},
		Complete:   {},
	},
}

// CanTransition reports whether moving from one status to another is legal.
// Staying in the same status is always legal.
func CanTransition(from, to RunStatus) bool {
	if from == to {
		return from.Valid()
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

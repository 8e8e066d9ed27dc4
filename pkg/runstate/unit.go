package runstate

import (
	"fmt"
	"strings"
)

// Stage is one of the three sequential workflow stages.
type Stage int

const (
	StageSpinup Stage = iota
	StageCalibration
	StageValidation
)

// AllStages lists the stages in execution order.
func AllStages() []Stage {
	return []Stage{StageSpinup, StageCalibration, StageValidation}
}

func (s Stage) String() string {
	switch s {
	case StageSpinup:
		return "spinup"
	case StageCalibration:
		return "calibration"
	case StageValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Iterative reports whether the stage runs multiple iterations per basin and
// has a dependent parameter-estimation phase after each model run.
func (s Stage) Iterative() bool {
	return s == StageCalibration
}

// Previous returns the stage that must be complete before s may start.
func (s Stage) Previous() (Stage, bool) {
	switch s {
	case StageCalibration:
		return StageSpinup, true
	case StageValidation:
		return StageCalibration, true
	default:
		return s, false
	}
}

// ParseStage accepts the canonical token or the short aliases used on the
// command line (spin, calib, valid).
func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spinup", "spin":
		return StageSpinup, nil
	case "calibration", "calib":
		return StageCalibration, nil
	case "validation", "valid":
		return StageValidation, nil
	default:
		return StageSpinup, fmt.Errorf("unknown stage %q (expected spinup, calibration or validation)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	parsed, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Key is the identity of a WorkUnit within one job. It is comparable and is
// used to key in-memory status maps.
type Key struct {
	Basin     string
	Iteration int
	Stage     Stage
}

func (k Key) String() string {
	if k.Stage.Iterative() {
		return fmt.Sprintf("%s/%s/iter%04d", k.Stage, k.Basin, k.Iteration)
	}
	return fmt.Sprintf("%s/%s", k.Stage, k.Basin)
}

// WorkUnit is one (basin, iteration, stage) tuple tracked by the state machine.
// Iteration is always 0 outside the calibration stage.
type WorkUnit struct {
	Basin     string `json:"basin"`
	DomainID  int    `json:"domain_id"`
	Iteration int    `json:"iteration"`
	Stage     Stage  `json:"stage"`
}

// Key returns the unit's map key.
func (u WorkUnit) Key() Key {
	return Key{Basin: u.Basin, Iteration: u.Iteration, Stage: u.Stage}
}

func (u WorkUnit) String() string {
	return u.Key().String()
}

// Units expands one basin into its work units for a stage. Non-iterative
// stages always yield a single unit.
func Units(basin string, domainID int, stage Stage, iterations int) []WorkUnit {
	if !stage.Iterative() || iterations < 1 {
		iterations = 1
	}
	out := make([]WorkUnit, 0, iterations)
	for i := 0; i < iterations; i++ {
		out = append(out, WorkUnit{Basin: basin, DomainID: domainID, Iteration: i, Stage: stage})
	}
	return out
}

package runstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	tests := []struct {
		in   string
		want Stage
	}{
		{"spinup", StageSpinup},
		{"SPIN", StageSpinup},
		{"calibration", StageCalibration},
		{"calib", StageCalibration},
		{"Validation", StageValidation},
		{"valid", StageValidation},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStage(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseStage("postprocess")
	assert.Error(t, err)
}

func TestStagePrevious(t *testing.T) {
	_, ok := StageSpinup.Previous()
	assert.False(t, ok)

	prev, ok := StageCalibration.Previous()
	assert.True(t, ok)
	assert.Equal(t, StageSpinup, prev)

	prev, ok = StageValidation.Previous()
	assert.True(t, ok)
	assert.Equal(t, StageCalibration, prev)
}

func TestUnits(t *testing.T) {
	units := Units("01447720", 7, StageCalibration, 3)
	require.Len(t, units, 3)
	for i, u := range units {
		assert.Equal(t, i, u.Iteration)
		assert.Equal(t, 7, u.DomainID)
	}

	units = Units("01447720", 7, StageSpinup, 3)
	require.Len(t, units, 1)
	assert.Equal(t, 0, units[0].Iteration)
}

func TestKeyString(t *testing.T) {
	u := WorkUnit{Basin: "01447720", DomainID: 7, Iteration: 12, Stage: StageCalibration}
	assert.Equal(t, "calibration/01447720/iter0012", u.String())

	u = WorkUnit{Basin: "01447720", DomainID: 7, Stage: StageValidation}
	assert.Equal(t, "validation/01447720", u.String())

	m := map[Key]RunStatus{u.Key(): Running}
	assert.Equal(t, Running, m[Key{Basin: "01447720", Stage: StageValidation}])
}

package rundir

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touchRestarts(t *testing.T, dir string, ts ...time.Time) {
	t.Helper()
	for _, ts := range ts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, LandRestartName(ts)), nil, 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, HydroRestartName(ts)), nil, 0644))
	}
}

func TestRestartNames(t *testing.T) {
	ts := time.Date(2011, 3, 7, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, "RESTART.2011030705_DOMAIN1", LandRestartName(ts))
	assert.Equal(t, "HYDRO_RST.2011-03-07_05:00_DOMAIN1", HydroRestartName(ts))
}

func TestInspect(t *testing.T) {
	begin := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	end := begin.Add(48 * time.Hour)
	insp := NewInspector()

	t.Run("no artifacts", func(t *testing.T) {
		dir := t.TempDir()
		last, more, err := insp.Inspect(begin, end, dir)
		require.NoError(t, err)
		assert.Equal(t, begin, last)
		assert.True(t, more)
	})

	t.Run("partial progress", func(t *testing.T) {
		dir := t.TempDir()
		touchRestarts(t, dir, begin.Add(6*time.Hour), begin.Add(12*time.Hour))
		last, more, err := insp.Inspect(begin, end, dir)
		require.NoError(t, err)
		assert.Equal(t, begin.Add(12*time.Hour), last)
		assert.True(t, more)
	})

	t.Run("reached end", func(t *testing.T) {
		dir := t.TempDir()
		touchRestarts(t, dir, begin.Add(24*time.Hour), end)
		last, more, err := insp.Inspect(begin, end, dir)
		require.NoError(t, err)
		assert.Equal(t, end, last)
		assert.False(t, more)
	})

	t.Run("only one of the pair", func(t *testing.T) {
		dir := t.TempDir()
		touchRestarts(t, dir, begin.Add(3*time.Hour))
		require.NoError(t, os.WriteFile(filepath.Join(dir, LandRestartName(end)), nil, 0644))
		last, more, err := insp.Inspect(begin, end, dir)
		require.NoError(t, err)
		assert.Equal(t, begin.Add(3*time.Hour), last)
		assert.True(t, more)
	})

	t.Run("artifacts outside range are ignored", func(t *testing.T) {
		dir := t.TempDir()
		touchRestarts(t, dir, end.Add(time.Hour))
		last, more, err := insp.Inspect(begin, end, dir)
		require.NoError(t, err)
		assert.Equal(t, begin, last)
		assert.True(t, more)
	})

	t.Run("missing run dir is no progress", func(t *testing.T) {
		last, more, err := insp.Inspect(begin, end, filepath.Join(t.TempDir(), "nope"))
		require.NoError(t, err)
		assert.Equal(t, begin, last)
		assert.True(t, more)
	})
}

func TestInspect_InvalidRange(t *testing.T) {
	begin := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	insp := NewInspector()

	_, _, err := insp.Inspect(begin, begin.Add(-time.Hour), t.TempDir())
	assert.Error(t, err)

	_, _, err = insp.Inspect(begin.Add(30*time.Minute), begin.Add(2*time.Hour), t.TempDir())
	assert.Error(t, err)
}

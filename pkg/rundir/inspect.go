package rundir

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	landRestartLayout  = "2006010215"
	hydroRestartLayout = "2006-01-02_15:04"
)

// LandRestartName is the land-surface model restart file for t.
func LandRestartName(t time.Time) string {
	return "RESTART." + t.UTC().Format(landRestartLayout) + "_DOMAIN1"
}

// HydroRestartName is the hydrologic routing restart file for t.
func HydroRestartName(t time.Time) string {
	return "HYDRO_RST." + t.UTC().Format(hydroRestartLayout) + "_DOMAIN1"
}

// Inspector answers whether a run directory reached its end time. A timestep
// counts as reached only when both restart artifacts for it exist.
type Inspector struct {
	step time.Duration
}

func NewInspector() *Inspector {
	return &Inspector{step: time.Hour}
}

// Inspect returns the last reached timestep in [begin, end] and whether more
// work remains. When nothing was reached the begin time is returned.
//
// The walk runs from end towards begin and stops at the first reached step,
// which yields the same answer as a forward walk over every timestep.
func (i *Inspector) Inspect(begin, end time.Time, runDir string) (time.Time, bool, error) {
	begin = begin.UTC()
	end = end.UTC()
	if end.Before(begin) {
		return begin, true, fmt.Errorf("end time %s is before begin time %s", end.Format(time.RFC3339), begin.Format(time.RFC3339))
	}
	if !begin.Equal(begin.Truncate(i.step)) || !end.Equal(end.Truncate(i.step)) {
		return begin, true, fmt.Errorf("begin and end must fall on a %s boundary", i.step)
	}

	for t := end; !t.Before(begin); t = t.Add(-i.step) {
		ok, err := i.reached(runDir, t)
		if err != nil {
			return begin, true, err
		}
		if ok {
			return t, !t.Equal(end), nil
		}
	}
	return begin, !begin.Equal(end), nil
}

func (i *Inspector) reached(runDir string, t time.Time) (bool, error) {
	land, err := exists(filepath.Join(runDir, LandRestartName(t)))
	if err != nil {
		return false, fmt.Errorf("stat land restart: %w", err)
	}
	if !land {
		return false, nil
	}
	hydro, err := exists(filepath.Join(runDir, HydroRestartName(t)))
	if err != nil {
		return false, fmt.Errorf("stat hydro restart: %w", err)
	}
	return hydro, nil
}

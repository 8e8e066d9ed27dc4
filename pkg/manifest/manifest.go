// Package manifest loads and validates hydrocal workflow manifests.
//
// A workflow manifest declares one calibration job and its basins. It is read
// once by `hydrocal init` and written into the progress store; the
// orchestrator itself never reads it again.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	job:
//	  id: "42"
//	  owner: hydro
//	  email: hydro@example.org
//	  job_dir: /glade/scratch/hydro/job42
//	  iterations: 20
//	  stages:
//	    spinup:      {begin: "2008-10-01T00:00:00Z", end: "2010-10-01T00:00:00Z"}
//	    calibration: {begin: "2010-10-01T00:00:00Z", end: "2012-10-01T00:00:00Z"}
//	resources:
//	  backend: slurm
//	  cores: 72
//	  nodes: 2
//	basins:
//	  - gage: "01447720"
//	    domain_id: 7
//	    domain_dir: /glade/p/domains/01447720
package manifest

import (
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/hydrocal/pkg/progress"
	"github.com/3leaps/hydrocal/pkg/runstate"
	"github.com/3leaps/hydrocal/pkg/scheduler"
)

// Workflow is a validated workflow manifest.
type Workflow struct {
	Schema    string    `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	Version   string    `json:"version" yaml:"version"`
	Job       Job       `json:"job" yaml:"job"`
	Resources Resources `json:"resources,omitempty" yaml:"resources,omitempty"`
	Basins    []Basin   `json:"basins" yaml:"basins"`
}

type Job struct {
	ID          string `json:"id" yaml:"id"`
	Owner       string `json:"owner" yaml:"owner"`
	Email       string `json:"email,omitempty" yaml:"email,omitempty"`
	ChatWebhook string `json:"chat_webhook,omitempty" yaml:"chat_webhook,omitempty"`
	JobDir      string `json:"job_dir" yaml:"job_dir"`

	// Iterations is the number of calibration rounds per basin. Default: 1
	Iterations int `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	Stages Stages `json:"stages" yaml:"stages"`
}

// Stages holds the simulation window of each stage the job runs.
type Stages struct {
	Spinup      *Window `json:"spinup,omitempty" yaml:"spinup,omitempty"`
	Calibration *Window `json:"calibration,omitempty" yaml:"calibration,omitempty"`
	Validation  *Window `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// Window is a simulation period. Both ends must fall on the hour.
type Window struct {
	Begin time.Time `json:"begin" yaml:"begin"`
	End   time.Time `json:"end" yaml:"end"`
}

type Resources struct {
	// Backend is pbs, slurm, lsf or mpi. Default: the configured scheduler.backend
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	Cores   int    `json:"cores,omitempty" yaml:"cores,omitempty"`
	Nodes   int    `json:"nodes,omitempty" yaml:"nodes,omitempty"`
}

type Basin struct {
	Gage      string `json:"gage" yaml:"gage"`
	DomainID  int    `json:"domain_id" yaml:"domain_id"`
	DomainDir string `json:"domain_dir,omitempty" yaml:"domain_dir,omitempty"`
}

// ApplyDefaults fills optional fields.
func (w *Workflow) ApplyDefaults() {
	if w.Job.Iterations == 0 {
		w.Job.Iterations = 1
	}
	if w.Resources.Cores == 0 {
		w.Resources.Cores = 1
	}
	if w.Resources.Nodes == 0 {
		w.Resources.Nodes = 1
	}
}

// Windows lists the declared stage windows keyed by stage.
func (s Stages) Windows() map[runstate.Stage]Window {
	out := map[runstate.Stage]Window{}
	if s.Spinup != nil {
		out[runstate.StageSpinup] = *s.Spinup
	}
	if s.Calibration != nil {
		out[runstate.StageCalibration] = *s.Calibration
	}
	if s.Validation != nil {
		out[runstate.StageValidation] = *s.Validation
	}
	return out
}

// Check enforces the rules the schema cannot express.
func (w *Workflow) Check() error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	for stage, win := range w.Job.Stages.Windows() {
		path := "/job/stages/" + stage.String()
		if !win.End.After(win.Begin) {
			add(path, "end %s is not after begin %s", win.End.Format(time.RFC3339), win.Begin.Format(time.RFC3339))
		}
		if !onHour(win.Begin) || !onHour(win.End) {
			add(path, "begin and end must fall on the hour")
		}
	}

	if w.Resources.Backend != "" {
		if _, err := scheduler.ParseBackend(w.Resources.Backend); err != nil {
			add("/resources/backend", "%v", err)
		}
	}
	if w.Resources.Nodes > w.Resources.Cores && w.Resources.Cores > 0 {
		add("/resources/nodes", "nodes (%d) exceed cores (%d)", w.Resources.Nodes, w.Resources.Cores)
	}

	gages := map[string]int{}
	domains := map[int]string{}
	for i, b := range w.Basins {
		path := fmt.Sprintf("/basins/%d", i)
		if prev, ok := gages[b.Gage]; ok {
			add(path+"/gage", "duplicate gage %s (also at /basins/%d)", b.Gage, prev)
		}
		gages[b.Gage] = i
		if other, ok := domains[b.DomainID]; ok {
			add(path+"/domain_id", "domain id %d already used by gage %s", b.DomainID, other)
		}
		domains[b.DomainID] = b.Gage
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func onHour(t time.Time) bool {
	return t.Equal(t.Truncate(time.Hour))
}

// JobRecord converts the manifest into the stored job record. defaultBackend
// is used when the manifest leaves the backend unset.
func (w *Workflow) JobRecord(defaultBackend string) (progress.JobRecord, error) {
	backend := w.Resources.Backend
	if backend == "" {
		backend = defaultBackend
	}
	if backend == "" {
		return progress.JobRecord{}, errors.New("no scheduler backend in manifest or configuration")
	}
	rec := progress.JobRecord{
		JobID:       w.Job.ID,
		Owner:       w.Job.Owner,
		Email:       w.Job.Email,
		ChatWebhook: w.Job.ChatWebhook,
		JobDir:      w.Job.JobDir,
		Backend:     backend,
		Cores:       w.Resources.Cores,
		Nodes:       w.Resources.Nodes,
		Iterations:  w.Job.Iterations,
		Stages:      map[runstate.Stage]progress.StageRecord{},
	}
	for stage, win := range w.Job.Stages.Windows() {
		rec.Stages[stage] = progress.StageRecord{Begin: win.Begin.UTC(), End: win.End.UTC()}
	}
	return rec, nil
}

// StoreBasins converts the declared basins for the progress store.
func (w *Workflow) StoreBasins() []progress.Basin {
	out := make([]progress.Basin, 0, len(w.Basins))
	for _, b := range w.Basins {
		out = append(out, progress.Basin{Gage: b.Gage, DomainID: b.DomainID, DomainDir: b.DomainDir})
	}
	return out
}

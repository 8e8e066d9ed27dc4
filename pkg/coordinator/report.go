package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/3leaps/hydrocal/pkg/progress"
	"github.com/3leaps/hydrocal/pkg/runstate"
)

// ReportSource is what BuildReport reads. *progress.Store satisfies it.
type ReportSource interface {
	GetJob(ctx context.Context, jobID string) (*progress.JobRecord, error)
	ListBasins(ctx context.Context, jobID string) ([]progress.Basin, error)
	LoadStatuses(ctx context.Context, jobID string, stage runstate.Stage) (map[runstate.Key]runstate.RunStatus, error)
}

// Report is a point-in-time view of a job for operators and monitors.
type Report struct {
	JobID       string        `json:"job_id"`
	Owner       string        `json:"owner"`
	Backend     string        `json:"backend"`
	Stages      []StageReport `json:"stages"`
	GeneratedAt time.Time     `json:"generated_at"`
}

type StageReport struct {
	Stage    runstate.Stage             `json:"stage"`
	Begin    time.Time                  `json:"begin"`
	End      time.Time                  `json:"end"`
	Complete bool                       `json:"complete"`
	Counts   map[runstate.RunStatus]int `json:"counts"`
	Units    []UnitReport               `json:"units"`
}

type UnitReport struct {
	runstate.WorkUnit
	Status runstate.RunStatus `json:"status"`
}

// BuildReport collects stage windows, completion flags and per-unit statuses.
// Stages without a window are omitted.
func BuildReport(ctx context.Context, src ReportSource, jobID string) (*Report, error) {
	job, err := src.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	basins, err := src.ListBasins(ctx, jobID)
	if err != nil {
		return nil, err
	}
	domains := make(map[string]int, len(basins))
	for _, b := range basins {
		domains[b.Gage] = b.DomainID
	}

	r := &Report{
		JobID:       job.JobID,
		Owner:       job.Owner,
		Backend:     job.Backend,
		GeneratedAt: time.Now().UTC(),
	}
	for _, stage := range runstate.AllStages() {
		rec, ok := job.Stages[stage]
		if !ok {
			continue
		}
		statuses, err := src.LoadStatuses(ctx, jobID, stage)
		if err != nil {
			return nil, err
		}
		sr := StageReport{
			Stage:    stage,
			Begin:    rec.Begin,
			End:      rec.End,
			Complete: rec.Complete,
			Counts:   map[runstate.RunStatus]int{},
		}
		for k, st := range statuses {
			sr.Counts[st]++
			sr.Units = append(sr.Units, UnitReport{
				WorkUnit: runstate.WorkUnit{Basin: k.Basin, DomainID: domains[k.Basin], Iteration: k.Iteration, Stage: k.Stage},
				Status:   st,
			})
		}
		sort.Slice(sr.Units, func(i, j int) bool {
			a, b := sr.Units[i], sr.Units[j]
			if a.Basin != b.Basin {
				return a.Basin < b.Basin
			}
			return a.Iteration < b.Iteration
		})
		r.Stages = append(r.Stages, sr)
	}
	return r, nil
}

// Locked lists every LOCKED unit across stages.
func (r *Report) Locked() []UnitReport {
	var out []UnitReport
	for _, s := range r.Stages {
		for _, u := range s.Units {
			if u.Status == runstate.Locked {
				out = append(out, u)
			}
		}
	}
	return out
}

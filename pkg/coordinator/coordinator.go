// Package coordinator drives the per-unit controller over every work unit of
// one stage until the stage is complete.
//
// Each poll cycle takes one scheduler snapshot, touches the orchestrator
// heartbeat and evaluates all basins. Basins are independent and may be
// evaluated by a bounded worker pool; iterations of one basin are sequential
// because the parameters of iteration i feed iteration i+1. Every status
// change is written through to the progress store before its side effect runs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/3leaps/hydrocal/pkg/controller"
	"github.com/3leaps/hydrocal/pkg/notify"
	"github.com/3leaps/hydrocal/pkg/progress"
	"github.com/3leaps/hydrocal/pkg/runstate"
)

// ErrStageNotReady is returned when the previous stage has not completed.
var ErrStageNotReady = errors.New("previous stage is not complete")

// Store is the slice of the progress store the coordinator needs.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*progress.JobRecord, error)
	ListBasins(ctx context.Context, jobID string) ([]progress.Basin, error)
	SeedStatuses(ctx context.Context, jobID string, units []runstate.WorkUnit) (int, error)
	LoadStatuses(ctx context.Context, jobID string, stage runstate.Stage) (map[runstate.Key]runstate.RunStatus, error)
	ApplyTransition(ctx context.Context, ev progress.Event) error
	MarkStageComplete(ctx context.Context, jobID string, stage runstate.Stage) error
}

// Stepper evaluates one unit. *controller.Controller satisfies it.
type Stepper interface {
	Step(ctx context.Context, req controller.Request, commit controller.CommitFunc) (controller.Decision, error)
}

// Refresher takes the per-cycle scheduler snapshot.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Heartbeat is touched once per cycle. *orchlock.Lock satisfies it.
type Heartbeat interface {
	Touch() error
}

// Metrics records cycle timing.
type Metrics interface {
	RecordCycle(ctx context.Context, stage runstate.Stage, elapsed time.Duration)
}

type Config struct {
	JobID string
	Stage runstate.Stage

	// PollInterval is the sleep between cycles. Default: 60s
	PollInterval time.Duration

	// Workers bounds concurrent basin evaluation. Default: 1
	Workers int

	// MaxCycles stops Run after that many cycles. Zero runs until complete.
	MaxCycles int
}

type Deps struct {
	Store      Store
	Controller Stepper
	Scheduler  Refresher
	Heartbeat  Heartbeat
	Notifier   controller.Notifier
	Metrics    Metrics
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

// Summary aggregates unit statuses after a cycle.
type Summary struct {
	CycleID  string                     `json:"cycle_id"`
	Total    int                        `json:"total"`
	Counts   map[runstate.RunStatus]int `json:"counts"`
	Duration time.Duration              `json:"duration"`
}

// Complete is the number of COMPLETE units.
func (s Summary) Complete() int { return s.Counts[runstate.Complete] }

// Done reports whether every unit of the stage is COMPLETE.
func (s Summary) Done() bool { return s.Total > 0 && s.Complete() == s.Total }

// Coordinator is safe for single use per stage run.
type Coordinator struct {
	cfg      Config
	store    Store
	ctrl     Stepper
	sched    Refresher
	beat     Heartbeat
	notifier controller.Notifier
	metrics  Metrics
	tracer   trace.Tracer
	logger   *zap.Logger

	job    *progress.JobRecord
	basins []progress.Basin

	mu       sync.Mutex
	statuses map[runstate.Key]runstate.RunStatus
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil || deps.Controller == nil {
		return nil, errors.New("coordinator needs a store and a controller")
	}
	if cfg.JobID == "" {
		return nil, errors.New("coordinator needs a job id")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    deps.Store,
		ctrl:     deps.Controller,
		sched:    deps.Scheduler,
		beat:     deps.Heartbeat,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
		statuses: map[runstate.Key]runstate.RunStatus{},
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("hydrocal/coordinator")
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// Reconcile loads the job and re-derives every unit's status from the store,
// seeding NOT_STARTED rows for units never seen before. It discards anything
// held in memory.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	job, err := c.store.GetJob(ctx, c.cfg.JobID)
	if err != nil {
		return err
	}
	if _, _, ok := job.Window(c.cfg.Stage); !ok {
		return fmt.Errorf("job %s has no %s window", job.JobID, c.cfg.Stage)
	}
	if prev, ok := c.cfg.Stage.Previous(); ok && !job.StageComplete(prev) {
		return fmt.Errorf("%w: %s must finish before %s", ErrStageNotReady, prev, c.cfg.Stage)
	}

	basins, err := c.store.ListBasins(ctx, job.JobID)
	if err != nil {
		return err
	}
	if len(basins) == 0 {
		return fmt.Errorf("job %s has no basins", job.JobID)
	}

	var units []runstate.WorkUnit
	for _, b := range basins {
		units = append(units, runstate.Units(b.Gage, b.DomainID, c.cfg.Stage, job.Iterations)...)
	}
	seeded, err := c.store.SeedStatuses(ctx, job.JobID, units)
	if err != nil {
		return err
	}
	statuses, err := c.store.LoadStatuses(ctx, job.JobID, c.cfg.Stage)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.job = job
	c.basins = basins
	c.statuses = statuses
	c.mu.Unlock()

	c.logger.Info("reconciled progress store",
		zap.String("job_id", job.JobID),
		zap.String("stage", c.cfg.Stage.String()),
		zap.Int("basins", len(basins)),
		zap.Int("units", len(units)),
		zap.Int("seeded", seeded))
	return nil
}

// Statuses returns a copy of the current status cache.
func (c *Coordinator) Statuses() map[runstate.Key]runstate.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[runstate.Key]runstate.RunStatus, len(c.statuses))
	for k, v := range c.statuses {
		out[k] = v
	}
	return out
}

func (c *Coordinator) status(k runstate.Key) runstate.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[k]
}

func (c *Coordinator) setStatus(k runstate.Key, s runstate.RunStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[k] = s
}

// Cycle runs one poll cycle over every basin. The first error cancels the
// remaining evaluations and is returned.
func (c *Coordinator) Cycle(ctx context.Context) (Summary, error) {
	if c.job == nil {
		return Summary{}, errors.New("cycle before reconcile")
	}
	start := time.Now()
	cycleID := uuid.NewString()

	ctx, span := c.tracer.Start(ctx, "hydrocal.cycle", trace.WithAttributes(
		attribute.String("hydrocal.job_id", c.cfg.JobID),
		attribute.String("hydrocal.stage", c.cfg.Stage.String()),
		attribute.String("hydrocal.cycle_id", cycleID),
	))
	defer span.End()

	err := c.runCycle(ctx, cycleID)
	sum := c.summarize(cycleID, time.Since(start))
	if c.metrics != nil {
		c.metrics.RecordCycle(ctx, c.cfg.Stage, sum.Duration)
	}
	if err != nil {
		span.RecordError(err)
		return sum, err
	}

	c.logger.Debug("poll cycle finished",
		zap.String("cycle_id", cycleID),
		zap.Int("complete", sum.Complete()),
		zap.Int("total", sum.Total),
		zap.Int("locked", sum.Counts[runstate.Locked]),
		zap.Duration("elapsed", sum.Duration))
	return sum, nil
}

func (c *Coordinator) runCycle(ctx context.Context, cycleID string) error {
	if c.beat != nil {
		if err := c.beat.Touch(); err != nil {
			return fmt.Errorf("orchestrator heartbeat: %w", err)
		}
	}
	if c.sched != nil {
		if err := c.sched.Refresh(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, c.cfg.Workers)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for _, b := range c.basins {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(b progress.Basin) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := c.runBasin(ctx, cycleID, b); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(b)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// runBasin evaluates the units of one basin in iteration order and stops at
// the first unit that is not COMPLETE after its step.
func (c *Coordinator) runBasin(ctx context.Context, cycleID string, b progress.Basin) error {
	begin, end, _ := c.job.Window(c.cfg.Stage)
	commit := c.commitFunc(cycleID)

	for _, u := range runstate.Units(b.Gage, b.DomainID, c.cfg.Stage, c.job.Iterations) {
		if err := ctx.Err(); err != nil {
			return err
		}
		st := c.status(u.Key())
		if st == runstate.Complete {
			continue
		}
		d, err := c.ctrl.Step(ctx, controller.Request{
			Unit:      u,
			Status:    st,
			DomainDir: b.DomainDir,
			Begin:     begin,
			End:       end,
		}, commit)
		if err != nil {
			return fmt.Errorf("%s: %w", u, err)
		}
		if d.To != runstate.Complete {
			return nil
		}
	}
	return nil
}

func (c *Coordinator) commitFunc(cycleID string) controller.CommitFunc {
	return func(ctx context.Context, d controller.Decision) error {
		ev := progress.Event{
			JobID:   c.cfg.JobID,
			CycleID: cycleID,
			Unit:    d.Unit,
			From:    d.From,
			To:      d.To,
			Action:  d.Action.String(),
		}
		if d.Unlocked {
			ev.Detail = "lock marker removed"
		}
		if err := c.store.ApplyTransition(ctx, ev); err != nil {
			return fmt.Errorf("persist %s -> %s: %w", d.From, d.To, err)
		}
		c.setStatus(d.Unit.Key(), d.To)
		return nil
	}
}

func (c *Coordinator) summarize(cycleID string, elapsed time.Duration) Summary {
	sum := Summary{CycleID: cycleID, Counts: map[runstate.RunStatus]int{}, Duration: elapsed}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.statuses {
		sum.Total++
		sum.Counts[st]++
	}
	return sum
}

// Run reconciles, then polls until every unit is COMPLETE. On completion the
// stage flag is persisted and an info notification is sent. Cancelling ctx
// stops the loop between cycles.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	if err := c.Reconcile(ctx); err != nil {
		return Summary{}, err
	}

	for cycle := 1; ; cycle++ {
		sum, err := c.Cycle(ctx)
		if err != nil {
			return sum, err
		}
		if sum.Done() {
			return sum, c.finish(ctx, sum)
		}
		if c.cfg.MaxCycles > 0 && cycle >= c.cfg.MaxCycles {
			return sum, nil
		}

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return sum, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, sum Summary) error {
	if err := c.store.MarkStageComplete(ctx, c.cfg.JobID, c.cfg.Stage); err != nil {
		return err
	}
	c.logger.Info("stage complete",
		zap.String("job_id", c.cfg.JobID),
		zap.String("stage", c.cfg.Stage.String()),
		zap.Int("units", sum.Total))
	if c.notifier != nil {
		to := ""
		if c.job != nil {
			to = c.job.Email
		}
		c.notifier.Notify(notify.Message{
			Severity: notify.SeverityInfo,
			Subject:  fmt.Sprintf("hydrocal %s: %s complete", c.cfg.JobID, c.cfg.Stage),
			Body:     fmt.Sprintf("All %d work units of the %s stage are complete.", sum.Total, c.cfg.Stage),
			To:       to,
		})
	}
	return nil
}

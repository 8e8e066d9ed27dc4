// Package controller runs the per-unit state machine: observe liveness and
// artifacts, decide the next status, and carry out the resulting submission
// or lock.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/3leaps/hydrocal/pkg/notify"
	"github.com/3leaps/hydrocal/pkg/rundir"
	"github.com/3leaps/hydrocal/pkg/runstate"
	"github.com/3leaps/hydrocal/pkg/scheduler"
)

// Scheduler is the part of scheduler.Adapter the controller uses.
type Scheduler interface {
	Backend() scheduler.Backend
	IsAlive(ctx context.Context, name scheduler.JobName) (bool, error)
	Submit(ctx context.Context, scriptPath string) error
}

// Inspector reports simulation progress from restart artifacts.
type Inspector interface {
	Inspect(begin, end time.Time, runDir string) (time.Time, bool, error)
}

// Pacer spaces out submissions. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

type Notifier interface {
	Notify(msg notify.Message)
}

// Metrics records state machine activity.
type Metrics interface {
	RecordTransition(ctx context.Context, stage runstate.Stage, from, to runstate.RunStatus)
	RecordSubmission(ctx context.Context, stage runstate.Stage, action string)
	RecordLock(ctx context.Context, stage runstate.Stage)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(context.Context, runstate.Stage, runstate.RunStatus, runstate.RunStatus) {}
func (nopMetrics) RecordSubmission(context.Context, runstate.Stage, string)                             {}
func (nopMetrics) RecordLock(context.Context, runstate.Stage)                                           {}

type nopPacer struct{}

func (nopPacer) Wait(context.Context) error { return nil }

// Settings are the job-wide inputs to script generation and naming.
type Settings struct {
	JobID           string
	ModelPrefix     string
	SecondaryPrefix string

	Executable       string
	MPICommand       string
	SecondaryCommand string

	Cores    int
	Nodes    int
	Queue    string
	Account  string
	Walltime string

	StalePatterns []string
	// Contact receives lock notifications by mail.
	Contact string
}

// Deps wires the controller's collaborators. Scheduler is required.
type Deps struct {
	Scheduler  Scheduler
	Inspector  Inspector
	Layout     rundir.Layout
	Pacer      Pacer
	Configurer Configurer
	Notifier   Notifier
	Metrics    Metrics
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

type Controller struct {
	sched      Scheduler
	insp       Inspector
	layout     rundir.Layout
	pacer      Pacer
	configurer Configurer
	notifier   Notifier
	metrics    Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
	cfg        Settings
}

func New(cfg Settings, deps Deps) (*Controller, error) {
	if deps.Scheduler == nil {
		return nil, errors.New("controller needs a scheduler")
	}
	c := &Controller{
		sched:      deps.Scheduler,
		insp:       deps.Inspector,
		layout:     deps.Layout,
		pacer:      deps.Pacer,
		configurer: deps.Configurer,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		logger:     deps.Logger,
		cfg:        cfg,
	}
	if c.insp == nil {
		c.insp = rundir.NewInspector()
	}
	if c.pacer == nil {
		c.pacer = nopPacer{}
	}
	if c.configurer == nil {
		c.configurer = NopConfigurer{}
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("hydrocal/controller")
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.cfg.ModelPrefix == "" {
		c.cfg.ModelPrefix = "WH"
	}
	if c.cfg.SecondaryPrefix == "" {
		c.cfg.SecondaryPrefix = "WC"
	}
	if c.cfg.StalePatterns == nil {
		c.cfg.StalePatterns = rundir.DefaultStalePatterns
	}
	return c, nil
}

// Request is one unit to evaluate with its stored status.
type Request struct {
	Unit      runstate.WorkUnit
	Status    runstate.RunStatus
	DomainDir string
	Begin     time.Time
	End       time.Time
}

// Decision is the evaluated outcome for one unit.
type Decision struct {
	Transition
	Unit          runstate.WorkUnit
	RunDir        string
	Observation   Observation
	LastCompleted time.Time
}

// CommitFunc persists a decision. Step calls it only for changed decisions.
type CommitFunc func(ctx context.Context, d Decision) error

// ModelJob and SecondaryJob are the scheduler names of a unit's jobs.
func (c *Controller) ModelJob(u runstate.WorkUnit) scheduler.JobName {
	return scheduler.JobName{Prefix: c.cfg.ModelPrefix, JobID: c.cfg.JobID, DomainID: u.DomainID}
}

func (c *Controller) SecondaryJob(u runstate.WorkUnit) scheduler.JobName {
	return scheduler.JobName{Prefix: c.cfg.SecondaryPrefix, JobID: c.cfg.JobID, DomainID: u.DomainID}
}

// Evaluate observes a unit and decides its transition without side effects.
func (c *Controller) Evaluate(ctx context.Context, req Request) (Decision, error) {
	runDir := c.layout.RunDir(req.Unit)
	d := Decision{Unit: req.Unit, RunDir: runDir, LastCompleted: req.Begin}
	obs := Observation{Iterative: req.Unit.Stage.Iterative()}

	switch req.Status {
	case runstate.Complete:
		d.Transition = Next(req.Status, obs)
		return d, nil
	case runstate.Locked:
		present, err := rundir.HasLock(runDir)
		if err != nil {
			return d, fmt.Errorf("check lock marker of %s: %w", req.Unit, err)
		}
		obs.LockPresent = present
		if present {
			d.Observation = obs
			d.Transition = Next(req.Status, obs)
			return d, nil
		}
	}

	alive, err := c.sched.IsAlive(ctx, c.ModelJob(req.Unit))
	if err != nil {
		return d, fmt.Errorf("liveness of %s: %w", c.ModelJob(req.Unit), err)
	}
	obs.ModelAlive = alive
	if obs.Iterative && !alive {
		alive, err = c.sched.IsAlive(ctx, c.SecondaryJob(req.Unit))
		if err != nil {
			return d, fmt.Errorf("liveness of %s: %w", c.SecondaryJob(req.Unit), err)
		}
		obs.SecondaryAlive = alive
	}

	if !obs.ModelAlive && !obs.SecondaryAlive {
		last, more, err := c.insp.Inspect(req.Begin, req.End, runDir)
		if err != nil {
			return d, fmt.Errorf("inspect %s: %w", runDir, err)
		}
		d.LastCompleted = last
		obs.ModelComplete = !more
		obs.ModelProgress = last.After(req.Begin)

		if obs.Iterative && obs.ModelComplete {
			if obs.SecondaryAttempted, err = rundir.SecondaryAttempted(runDir); err != nil {
				return d, err
			}
			if obs.SecondaryComplete, err = rundir.SecondaryDone(runDir); err != nil {
				return d, err
			}
		}
	}

	d.Observation = obs
	d.Transition = Next(req.Status, obs)
	if !d.Valid() {
		return d, fmt.Errorf("illegal transition %s -> %s for %s", d.From, d.To, req.Unit)
	}
	return d, nil
}

// Step evaluates a unit and carries out its action. A submission is
// committed before it runs. A lock marker is written before LOCKED is
// committed, so a stored LOCKED always has its marker on disk.
func (c *Controller) Step(ctx context.Context, req Request, commit CommitFunc) (Decision, error) {
	d, err := c.Evaluate(ctx, req)
	if err != nil {
		return d, err
	}
	if !d.Changed() {
		return d, nil
	}

	if d.Action == ActionLock {
		if err := c.lock(ctx, d); err != nil {
			return d, err
		}
	}
	if commit != nil {
		if err := commit(ctx, d); err != nil {
			return d, err
		}
	}
	c.logTransition(d)
	if d.From != d.To {
		c.metrics.RecordTransition(ctx, d.Unit.Stage, d.From, d.To)
	}

	switch d.Action {
	case ActionSubmitModel:
		err = c.submitModel(ctx, req, d)
	case ActionSubmitSecondary:
		err = c.submitSecondary(ctx, d)
	}
	return d, err
}

func (c *Controller) logTransition(d Decision) {
	c.logger.Info("unit transition",
		zap.String("basin", d.Unit.Basin),
		zap.Int("domain_id", d.Unit.DomainID),
		zap.Int("iteration", d.Unit.Iteration),
		zap.String("stage", d.Unit.Stage.String()),
		zap.String("from", d.From.String()),
		zap.String("to", d.To.String()),
		zap.String("action", d.Action.String()),
		zap.Bool("unlocked", d.Unlocked))
}

func (c *Controller) lock(ctx context.Context, d Decision) error {
	reason := fmt.Sprintf("%s failed after one automatic restart", d.Unit)
	if err := rundir.WriteLock(d.RunDir, reason); err != nil {
		return fmt.Errorf("write lock marker for %s: %w", d.Unit, err)
	}
	c.metrics.RecordLock(ctx, d.Unit.Stage)
	if c.notifier != nil {
		c.notifier.Notify(notify.Message{
			Severity: notify.SeverityError,
			Subject:  fmt.Sprintf("hydrocal %s: basin %s locked", c.cfg.JobID, d.Unit.Basin),
			Body: fmt.Sprintf("%s failed twice and was locked.\nRun directory: %s\nRemove %s to resume.",
				d.Unit, d.RunDir, filepath.Join(d.RunDir, rundir.LockMarker)),
			To: c.cfg.Contact,
		})
	}
	return nil
}

func (c *Controller) submitModel(ctx context.Context, req Request, d Decision) error {
	ctx, span := c.tracer.Start(ctx, "hydrocal.submit_model", trace.WithAttributes(
		attribute.String("hydrocal.unit", d.Unit.String()),
		attribute.String("hydrocal.run_dir", d.RunDir),
	))
	defer span.End()

	if err := os.MkdirAll(d.RunDir, 0755); err != nil {
		span.RecordError(err)
		return fmt.Errorf("create run dir: %w", err)
	}
	if _, err := rundir.RemoveStale(d.RunDir, c.cfg.StalePatterns); err != nil {
		span.RecordError(err)
		return fmt.Errorf("clean stale config in %s: %w", d.RunDir, err)
	}

	restart := d.LastCompleted.After(req.Begin)
	err := c.configurer.Prepare(ctx, PrepareRequest{
		Unit:      d.Unit,
		RunDir:    d.RunDir,
		DomainDir: req.DomainDir,
		Begin:     d.LastCompleted,
		End:       req.End,
		Restart:   restart,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	script := filepath.Join(d.RunDir, rundir.ModelScript)
	_, err = scheduler.EnsureScript(c.sched.Backend(), scheduler.ScriptSpec{
		Path:       script,
		JobName:    c.ModelJob(d.Unit),
		Executable: c.cfg.Executable,
		MPICommand: c.cfg.MPICommand,
		Cores:      c.cfg.Cores,
		Nodes:      c.cfg.Nodes,
		Queue:      c.cfg.Queue,
		Account:    c.cfg.Account,
		Walltime:   c.cfg.Walltime,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	return c.submit(ctx, d, script)
}

func (c *Controller) submitSecondary(ctx context.Context, d Decision) error {
	ctx, span := c.tracer.Start(ctx, "hydrocal.submit_secondary", trace.WithAttributes(
		attribute.String("hydrocal.unit", d.Unit.String()),
	))
	defer span.End()

	script := filepath.Join(d.RunDir, rundir.SecondaryScript)
	_, err := scheduler.EnsureScript(c.sched.Backend(), scheduler.ScriptSpec{
		Path:     script,
		JobName:  c.SecondaryJob(d.Unit),
		Command:  c.cfg.SecondaryCommand,
		Cores:    1,
		Nodes:    1,
		Queue:    c.cfg.Queue,
		Account:  c.cfg.Account,
		Walltime: c.cfg.Walltime,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	return c.submit(ctx, d, script)
}

func (c *Controller) submit(ctx context.Context, d Decision, script string) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}
	if err := c.sched.Submit(ctx, script); err != nil {
		return err
	}
	c.metrics.RecordSubmission(ctx, d.Unit.Stage, d.Action.String())
	return nil
}

// Package progress is the durable source of truth for a calibration workflow:
// the job record, its basins, the live status of every work unit and an
// append-only audit trail of transitions.
//
// All writes are idempotent upserts. The orchestrator treats its in-memory
// view as a cache that is reloaded at startup and written through on change.
package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/hydrocal/pkg/runstate"
)

// ErrJobNotFound is returned when no JobRecord exists for an id.
var ErrJobNotFound = errors.New("job not found")

// StageRecord is the time window and completion flag of one stage.
type StageRecord struct {
	Begin       time.Time
	End         time.Time
	Complete    bool
	CompletedAt *time.Time
}

// JobRecord is the per-workflow metadata. It is never deleted.
type JobRecord struct {
	JobID       string
	Owner       string
	Email       string
	ChatWebhook string
	JobDir      string
	Backend     string
	Cores       int
	Nodes       int
	Iterations  int
	Stages      map[runstate.Stage]StageRecord
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Window returns the begin and end time of a stage.
func (j *JobRecord) Window(stage runstate.Stage) (time.Time, time.Time, bool) {
	s, ok := j.Stages[stage]
	return s.Begin, s.End, ok
}

func (j *JobRecord) StageComplete(stage runstate.Stage) bool {
	return j.Stages[stage].Complete
}

// Basin is one calibration target of a job.
type Basin struct {
	Gage      string
	DomainID  int
	DomainDir string
}

// Event is one row of the transition audit trail.
type Event struct {
	EventID    string
	JobID      string
	CycleID    string
	Unit       runstate.WorkUnit
	From       runstate.RunStatus
	To         runstate.RunStatus
	Action     string
	Detail     string
	OccurredAt time.Time
}

// Store implements the progress contract on a SQL database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// OpenStore opens the database described by cfg and applies migrations.
func OpenStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// PutJob upserts the job record and its stage windows. Completion flags of
// existing stages are preserved.
func (s *Store) PutJob(ctx context.Context, job JobRecord) error {
	jobID := strings.TrimSpace(job.JobID)
	if jobID == "" {
		return errors.New("job_id is required")
	}
	now := formatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs
		 (job_id, owner, email, chat_webhook, job_dir, backend, cores, nodes, iterations, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			owner=excluded.owner,
			email=excluded.email,
			chat_webhook=excluded.chat_webhook,
			job_dir=excluded.job_dir,
			backend=excluded.backend,
			cores=excluded.cores,
			nodes=excluded.nodes,
			iterations=excluded.iterations,
			updated_at=excluded.updated_at`,
		jobID, job.Owner, job.Email, job.ChatWebhook, job.JobDir, job.Backend,
		job.Cores, job.Nodes, job.Iterations, now, now)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}

	for stage, rec := range job.Stages {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_stages (job_id, stage, begin_at, end_at, complete)
			 VALUES (?, ?, ?, ?, 0)
			 ON CONFLICT(job_id, stage) DO UPDATE SET
				begin_at=excluded.begin_at,
				end_at=excluded.end_at`,
			jobID, stage.String(), formatTime(rec.Begin), formatTime(rec.End))
		if err != nil {
			return fmt.Errorf("upsert job stage %s: %w", stage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

// GetJob loads a job record. Missing jobs yield ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	var (
		job                  JobRecord
		email, chat          sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, owner, email, chat_webhook, job_dir, backend, cores, nodes, iterations, created_at, updated_at
		 FROM jobs WHERE job_id = ?`, jobID).
		Scan(&job.JobID, &job.Owner, &email, &chat, &job.JobDir, &job.Backend,
			&job.Cores, &job.Nodes, &job.Iterations, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	job.Email = email.String
	job.ChatWebhook = chat.String
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, begin_at, end_at, complete, completed_at FROM job_stages WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	job.Stages = make(map[runstate.Stage]StageRecord)
	for rows.Next() {
		var (
			stageName, begin, end string
			complete              int
			completedAt           sql.NullString
		)
		if err := rows.Scan(&stageName, &begin, &end, &complete, &completedAt); err != nil {
			return nil, fmt.Errorf("scan job stage: %w", err)
		}
		stage, err := runstate.ParseStage(stageName)
		if err != nil {
			return nil, err
		}
		rec := StageRecord{Complete: complete != 0}
		if rec.Begin, err = parseTime(begin); err != nil {
			return nil, err
		}
		if rec.End, err = parseTime(end); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, err
			}
			rec.CompletedAt = &t
		}
		job.Stages[stage] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job stages: %w", err)
	}
	return &job, nil
}

// MarkStageComplete sets the completion flag of a stage.
func (s *Store) MarkStageComplete(ctx context.Context, jobID string, stage runstate.Stage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_stages SET complete = 1, completed_at = COALESCE(completed_at, ?)
		 WHERE job_id = ? AND stage = ?`,
		formatTime(s.now()), jobID, stage.String())
	if err != nil {
		return fmt.Errorf("mark stage complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark stage complete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s has no %s stage", ErrJobNotFound, jobID, stage)
	}
	return nil
}

// PutBasin upserts one basin of a job.
func (s *Store) PutBasin(ctx context.Context, jobID string, b Basin) error {
	if strings.TrimSpace(b.Gage) == "" {
		return errors.New("basin gage is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO basins (job_id, gage, domain_id, domain_dir)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id, gage) DO UPDATE SET
			domain_id=excluded.domain_id,
			domain_dir=excluded.domain_dir`,
		jobID, b.Gage, b.DomainID, b.DomainDir)
	if err != nil {
		return fmt.Errorf("upsert basin %s: %w", b.Gage, err)
	}
	return nil
}

// ListBasins returns the basins of a job ordered by gage code.
func (s *Store) ListBasins(ctx context.Context, jobID string) ([]Basin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gage, domain_id, domain_dir FROM basins WHERE job_id = ? ORDER BY gage`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query basins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Basin
	for rows.Next() {
		var (
			b   Basin
			dir sql.NullString
		)
		if err := rows.Scan(&b.Gage, &b.DomainID, &dir); err != nil {
			return nil, fmt.Errorf("scan basin: %w", err)
		}
		b.DomainDir = dir.String
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate basins: %w", err)
	}
	return out, nil
}

// SeedStatuses records NOT_STARTED for units that have no status yet and
// returns how many were inserted. Existing statuses are never reset.
func (s *Store) SeedStatuses(ctx context.Context, jobID string, units []runstate.WorkUnit) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(s.now())
	inserted := 0
	for _, u := range units {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO unit_status (job_id, gage, stage, iteration, status, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(job_id, gage, stage, iteration) DO NOTHING`,
			jobID, u.Basin, u.Stage.String(), u.Iteration, runstate.NotStarted.String(), now)
		if err != nil {
			return 0, fmt.Errorf("seed status %s: %w", u.Key(), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return inserted, nil
}

// LoadStatuses returns the live status of every unit of a stage.
func (s *Store) LoadStatuses(ctx context.Context, jobID string, stage runstate.Stage) (map[runstate.Key]runstate.RunStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gage, iteration, status FROM unit_status WHERE job_id = ? AND stage = ?`,
		jobID, stage.String())
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[runstate.Key]runstate.RunStatus)
	for rows.Next() {
		var (
			gage, token string
			iteration   int
		)
		if err := rows.Scan(&gage, &iteration, &token); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		st, err := runstate.ParseRunStatus(token)
		if err != nil {
			return nil, fmt.Errorf("status of %s/%d: %w", gage, iteration, err)
		}
		out[runstate.Key{Basin: gage, Iteration: iteration, Stage: stage}] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statuses: %w", err)
	}
	return out, nil
}

// ApplyTransition appends ev to the audit trail and upserts the unit's live
// status in one transaction.
func (s *Store) ApplyTransition(ctx context.Context, ev Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	at := formatTime(ev.OccurredAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	u := ev.Unit
	_, err = tx.ExecContext(ctx,
		`INSERT INTO status_events
		 (event_id, job_id, cycle_id, gage, domain_id, stage, iteration, from_status, to_status, action, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.JobID, ev.CycleID, u.Basin, u.DomainID, u.Stage.String(), u.Iteration,
		ev.From.String(), ev.To.String(), ev.Action, ev.Detail, at)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO unit_status (job_id, gage, stage, iteration, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, gage, stage, iteration) DO UPDATE SET
			status=excluded.status,
			updated_at=excluded.updated_at`,
		ev.JobID, u.Basin, u.Stage.String(), u.Iteration, ev.To.String(), at)
	if err != nil {
		return fmt.Errorf("upsert status %s: %w", u.Key(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// RecentEvents returns the newest audit rows of a job, newest first.
func (s *Store) RecentEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, job_id, cycle_id, gage, domain_id, stage, iteration, from_status, to_status, action, detail, occurred_at
		 FROM status_events WHERE job_id = ?
		 ORDER BY occurred_at DESC, rowid DESC
		 LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query status events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev                          Event
			cycleID, detail             sql.NullString
			stage, from, to, occurredAt string
		)
		if err := rows.Scan(&ev.EventID, &ev.JobID, &cycleID, &ev.Unit.Basin, &ev.Unit.DomainID,
			&stage, &ev.Unit.Iteration, &from, &to, &ev.Action, &detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		ev.CycleID = cycleID.String
		ev.Detail = detail.String
		if ev.Unit.Stage, err = runstate.ParseStage(stage); err != nil {
			return nil, err
		}
		if ev.From, err = runstate.ParseRunStatus(from); err != nil {
			return nil, err
		}
		if ev.To, err = runstate.ParseRunStatus(to); err != nil {
			return nil, err
		}
		if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status events: %w", err)
	}
	return out, nil
}

// storedTimeLayout is fixed-width so stored times sort lexically.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

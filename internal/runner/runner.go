// Package runner owns the run lifecycle: admission (at most one active run),
// the worker goroutine that drives step logic, cooperative cancellation, and
// the exactly-once terminal broadcast and cleanup.
package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"termline/internal/cancel"
	"termline/internal/domain"
	"termline/internal/events"
	"termline/internal/repo"
	"termline/internal/stream"
)

// ErrCancelled is returned by step logic that observed its cancellation token
// and stopped at a checkpoint. The worker maps it to the cancelled status.
var ErrCancelled = errors.New("run cancelled")

// ErrUnknownScope rejects start requests for scopes no step logic handles.
var ErrUnknownScope = errors.New("unknown scope")

// StepFunc is one run's worth of work. It returns nil on success,
// ErrCancelled when it stopped at a cancellation checkpoint, and any other
// error on failure.
type StepFunc func(ec Context) error

// StepResolver maps a scope to its step logic; nil means the scope has none.
type StepResolver func(scope string) StepFunc

// Runner orchestrates runs: it admits them against the single-active-run
// rule, spawns one worker per run, and guarantees each run ends in exactly
// one terminal status with exactly one terminal broadcast.
type Runner struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Broker  *stream.Broker
	Cancels *cancel.Registry
	Steps   StepResolver
	Logger  zerolog.Logger
	Now     func() time.Time

	// Spawn launches the worker goroutine. Replaceable in tests to exercise
	// the start-failure path; the default never fails.
	Spawn func(fn func()) error

	startMu sync.Mutex
}

func New(db *sql.DB, steps StepResolver, logger zerolog.Logger, queueSize int) *Runner {
	return &Runner{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Broker:  stream.NewBroker(queueSize),
		Cancels: cancel.NewRegistry(),
		Steps:   steps,
		Logger:  logger,
		Now:     time.Now,
		Spawn:   func(fn func()) error { go fn(); return nil },
	}
}

// Start admits a new run. It persists the pending row (rejecting when another
// run is active), allocates the cancellation token and subscriber channel,
// then hands off to a worker goroutine. When the handoff itself fails the run
// is immediately finalized as failed so no row is left dangling in pending.
func (r *Runner) Start(ctx context.Context, scope, triggeredBy string) (domain.Run, error) {
	if !domain.ValidScope(scope) {
		return domain.Run{}, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	step := r.Steps(scope)
	if step == nil {
		return domain.Run{}, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}

	r.startMu.Lock()
	defer r.startMu.Unlock()

	run := domain.Run{
		ID:          uuid.New().String(),
		Scope:       scope,
		Status:      domain.RunStatusPending,
		TriggeredBy: triggeredBy,
		CreatedAt:   r.stamp(),
	}
	if err := r.Repo.CreateRunIfIdle(ctx, run); err != nil {
		return domain.Run{}, err
	}
	tok := r.Cancels.Create(run.ID)
	r.Broker.Open(run.ID)
	r.audit(ctx, "run.created", run.ID, events.Payload{"scope": scope, "triggered_by": triggeredBy})

	if err := r.Spawn(func() { r.work(run.ID, step, tok) }); err != nil {
		msg := sanitizeError(err)
		finished := r.stamp()
		if _, uerr := r.Repo.ConditionalUpdateRun(ctx, run.ID, domain.RunStatusFailed, domain.ActiveStatuses(),
			repo.RunUpdate{FinishedAt: &finished, ErrorMessage: &msg}); uerr != nil {
			r.Logger.Error().Err(uerr).Str("run_id", run.ID).Msg("could not record worker start failure")
		}
		r.audit(ctx, "run.finished", run.ID, events.Payload{"status": domain.RunStatusFailed})
		r.cleanup(run.ID, domain.RunStatusFailed, true)
		return domain.Run{}, fmt.Errorf("start worker: %w", err)
	}
	return run, nil
}

// Cancel requests cooperative cancellation. It sets the run's token (if still
// registered) and attempts the active→cancelled transition itself so pending
// runs and crashed workers still settle. It reports whether this call moved
// the run to cancelled; unknown or already-terminal runs report false with no
// error.
func (r *Runner) Cancel(ctx context.Context, runID string) (bool, error) {
	r.Cancels.Cancel(runID)
	finished := r.stamp()
	out, err := r.Repo.ConditionalUpdateRun(ctx, runID, domain.RunStatusCancelled, domain.ActiveStatuses(),
		repo.RunUpdate{FinishedAt: &finished})
	if err != nil {
		return false, err
	}
	if out != repo.UpdateApplied {
		return false, nil
	}
	r.audit(ctx, "run.cancelled", runID, nil)
	return true, nil
}

func (r *Runner) Get(ctx context.Context, runID string) (domain.Run, error) {
	return r.Repo.GetRun(ctx, runID)
}

func (r *Runner) List(ctx context.Context) ([]domain.Run, error) {
	return r.Repo.ListRuns(ctx)
}

// Subscribe attaches a live event consumer to a run. ok is false once the run
// has been cleaned up; callers then fall back to the persisted row.
func (r *Runner) Subscribe(runID string) (*stream.Subscriber, bool) {
	return r.Broker.Subscribe(runID)
}

func (r *Runner) Unsubscribe(runID string, sub *stream.Subscriber) {
	r.Broker.Unsubscribe(runID, sub)
}

// work is the per-run worker body.
func (r *Runner) work(runID string, step StepFunc, tok *cancel.Token) {
	ctx := context.Background()
	started := r.stamp()
	out, err := r.Repo.ConditionalUpdateRun(ctx, runID, domain.RunStatusRunning,
		[]string{domain.RunStatusPending}, repo.RunUpdate{StartedAt: &started})
	if err != nil {
		msg := sanitizeError(err)
		r.Logger.Error().Err(err).Str("run_id", runID).Msg("pending to running transition failed")
		r.finalize(ctx, runID, domain.RunStatusFailed, &msg)
		return
	}
	if out != repo.UpdateApplied {
		// A cancel landed before the worker got going. The row is already
		// terminal; broadcast what it says and release resources.
		status, confirmed := r.persistedStatus(ctx, runID)
		r.Logger.Info().Str("run_id", runID).Str("status", status).Msg("run settled before worker start")
		r.cleanup(runID, status, confirmed)
		return
	}
	r.audit(ctx, "run.started", runID, nil)

	ec := &execContext{runID: runID, tok: tok, db: r.DB, repo: r.Repo, broker: r.Broker, logger: r.Logger}
	stepErr := invokeStep(step, ec)
	switch {
	case stepErr == nil:
		r.finalize(ctx, runID, domain.RunStatusCompleted, nil)
	case errors.Is(stepErr, ErrCancelled):
		r.finalize(ctx, runID, domain.RunStatusCancelled, nil)
	default:
		// The raw error stays in the operator log; only the sanitized form
		// is persisted and shown to clients.
		r.Logger.Error().Err(stepErr).Str("run_id", runID).Msg("step logic failed")
		msg := sanitizeError(stepErr)
		r.finalize(ctx, runID, domain.RunStatusFailed, &msg)
	}
}

// invokeStep runs step logic with panic containment; a panicking step fails
// its own run and nothing else.
func invokeStep(step StepFunc, ec Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step logic panic: %v", rec)
		}
	}()
	return step(ec)
}

// finalize persists the terminal status, resolves which terminal status
// actually stuck when a concurrent transition won, and runs cleanup. A
// successful completion additionally overwrites a cancelled row: work that
// finished before the cancel took effect is never discarded.
func (r *Runner) finalize(ctx context.Context, runID, status string, errMsg *string) {
	allowed := domain.ActiveStatuses()
	if status == domain.RunStatusCompleted {
		allowed = append(allowed, domain.RunStatusCancelled)
	}
	finished := r.stamp()
	upd := repo.RunUpdate{FinishedAt: &finished, ErrorMessage: errMsg}
	out, err := r.Repo.ConditionalUpdateRun(ctx, runID, status, allowed, upd)
	if err != nil {
		out, err = r.Repo.ConditionalUpdateRun(ctx, runID, status, allowed, upd)
	}
	final := status
	confirmed := err == nil
	if err != nil {
		r.Logger.Error().Err(err).Str("run_id", runID).Str("status", status).
			Msg("terminal status write failed twice; broadcasting unconfirmed outcome")
	} else if out != repo.UpdateApplied {
		final, confirmed = r.persistedStatus(ctx, runID)
	}
	if confirmed {
		r.audit(ctx, "run.finished", runID, events.Payload{"status": final})
	}
	r.cleanup(runID, final, confirmed)
}

func (r *Runner) persistedStatus(ctx context.Context, runID string) (string, bool) {
	run, err := r.Repo.GetRun(ctx, runID)
	if err != nil {
		r.Logger.Error().Err(err).Str("run_id", runID).Msg("could not read settled run status")
		return "", false
	}
	return run.Status, true
}

// cleanup is the single exit path for a run's in-memory resources: it
// broadcasts the terminal event, closes all subscriber queues, and drops the
// cancellation token. Broker and registry are both idempotent, so a
// double-finalized run cleans up once.
func (r *Runner) cleanup(runID, status string, confirmed bool) {
	level := "info"
	if status == domain.RunStatusFailed {
		level = "error"
	}
	ev := stream.Event{
		RunID:    runID,
		Level:    level,
		Message:  "run " + status,
		Complete: true,
		DBStatus: status,
	}
	if !confirmed {
		ev.DBStatus = stream.DBStatusUnconfirmed
		if status == "" {
			ev.Message = "run finished"
		}
	}
	r.Broker.CloseRun(runID, ev)
	r.Cancels.Remove(runID)
}

// audit records a lifecycle row; failures are logged, never fatal.
func (r *Runner) audit(ctx context.Context, evtType, runID string, payload events.Payload) {
	if err := r.Events.Append(ctx, evtType, runID, payload); err != nil {
		r.Logger.Warn().Err(err).Str("type", evtType).Str("run_id", runID).Msg("audit append failed")
	}
}

func (r *Runner) stamp() string {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

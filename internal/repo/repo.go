package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"termline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrRunActive is returned when another run already holds a non-terminal status.
var ErrRunActive = errors.New("another run is already active")

// UpdateOutcome is the tri-state result of a conditional status update.
type UpdateOutcome int

const (
	UpdateApplied UpdateOutcome = iota
	UpdateNotFound
	UpdatePreconditionFailed
)

func (o UpdateOutcome) String() string {
	switch o {
	case UpdateApplied:
		return "applied"
	case UpdateNotFound:
		return "not_found"
	case UpdatePreconditionFailed:
		return "precondition_failed"
	}
	return fmt.Sprintf("UpdateOutcome(%d)", int(o))
}

// RunUpdate carries the optional fields a conditional update may set
// alongside the new status.
type RunUpdate struct {
	StartedAt    *string
	FinishedAt   *string
	ErrorMessage *string
}

const runColumns = `id,scope,status,triggered_by,started_at,finished_at,error_message,progress_current,progress_total,current_step,created_at`

// CreateRunIfIdle inserts a pending run, but only when no other run is in a
// non-terminal status. The check and insert share one immediate write
// transaction so concurrent callers serialize at the database.
func (r Repo) CreateRunIfIdle(ctx context.Context, run domain.Run) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var activeID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM runs WHERE status IN (?,?) LIMIT 1`,
		domain.RunStatusPending, domain.RunStatusRunning).Scan(&activeID)
	if err == nil {
		return fmt.Errorf("run %s: %w", activeID, ErrRunActive)
	}
	if err != sql.ErrNoRows {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,scope,status,triggered_by,created_at) VALUES (?,?,?,?,?)`,
		run.ID, run.Scope, run.Status, run.TriggeredBy, run.CreatedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return tx.Commit()
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// GetActiveRun returns the single non-terminal run, or nil when idle.
func (r Repo) GetActiveRun(ctx context.Context) (*domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status IN (?,?) LIMIT 1`,
		domain.RunStatusPending, domain.RunStatusRunning))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ConditionalUpdateRun moves a run to newStatus only while its current status
// is in the allowed set. It runs as one atomic update; when zero rows are
// affected a follow-up existence check distinguishes a missing run from a
// failed precondition.
func (r Repo) ConditionalUpdateRun(ctx context.Context, id, newStatus string, allowed []string, upd RunUpdate) (UpdateOutcome, error) {
	if len(allowed) == 0 {
		return UpdatePreconditionFailed, errors.New("empty allowed status set")
	}
	sets := []string{"status=?"}
	args := []any{newStatus}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at=?")
		args = append(args, *upd.StartedAt)
	}
	if upd.FinishedAt != nil {
		sets = append(sets, "finished_at=?")
		args = append(args, *upd.FinishedAt)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message=?")
		args = append(args, *upd.ErrorMessage)
	}
	args = append(args, id)
	placeholders := make([]string, len(allowed))
	for i, s := range allowed {
		placeholders[i] = "?"
		args = append(args, s)
	}
	query := fmt.Sprintf(`UPDATE runs SET %s WHERE id=? AND status IN (%s)`,
		strings.Join(sets, ","), strings.Join(placeholders, ","))
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return UpdatePreconditionFailed, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return UpdatePreconditionFailed, err
	}
	if affected > 0 {
		return UpdateApplied, nil
	}
	var one int
	err = r.DB.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return UpdateNotFound, nil
	}
	if err != nil {
		return UpdatePreconditionFailed, err
	}
	return UpdatePreconditionFailed, nil
}

// UpdateRunProgress records UX progress metadata. Best-effort: callers log
// and swallow failures.
func (r Repo) UpdateRunProgress(ctx context.Context, id string, current, total int, stepLabel string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE runs SET progress_current=?, progress_total=?, current_step=? WHERE id=?`,
		current, total, nullable(stepLabel), id)
	return err
}

func (r Repo) LatestAuditEvents(ctx context.Context, limit int, runID string) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var runID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &e.Payload); err != nil {
			return nil, err
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row *sql.Row) (domain.Run, error) {
	run, err := scanRunFrom(row)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func scanRunRows(rows *sql.Rows) (domain.Run, error) {
	return scanRunFrom(rows)
}

func scanRunFrom(s rowScanner) (domain.Run, error) {
	var run domain.Run
	var startedAt, finishedAt, errorMessage, currentStep sql.NullString
	var progressCurrent, progressTotal sql.NullInt64
	err := s.Scan(&run.ID, &run.Scope, &run.Status, &run.TriggeredBy,
		&startedAt, &finishedAt, &errorMessage, &progressCurrent, &progressTotal, &currentStep, &run.CreatedAt)
	if err != nil {
		return run, err
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = &errorMessage.String
	}
	if progressCurrent.Valid {
		v := int(progressCurrent.Int64)
		run.ProgressCurrent = &v
	}
	if progressTotal.Valid {
		v := int(progressTotal.Int64)
		run.ProgressTotal = &v
	}
	if currentStep.Valid {
		run.CurrentStep = &currentStep.String
	}
	return run, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

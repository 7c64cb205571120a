package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ontoflow/internal/domain"
)

const intentCols = `id,action_version_id,workflow_instance_id,step_execution_id,idempotency_key,input_json,status,locked_by,locked_at,created_at,updated_at`

func scanIntent(row interface{ Scan(...any) error }) (domain.ActionIntent, error) {
	var it domain.ActionIntent
	var wfInstance, stepExec, lockedBy, lockedAt sql.NullString
	var input string
	err := row.Scan(&it.ID, &it.ActionVersionID, &wfInstance, &stepExec, &it.IdempotencyKey,
		&input, &it.Status, &lockedBy, &lockedAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	it.WorkflowInstanceID = optionalString(wfInstance)
	it.StepExecutionID = optionalString(stepExec)
	it.LockedBy = optionalString(lockedBy)
	it.LockedAt = optionalString(lockedAt)
	if it.Input, err = unmarshalMeta(sql.NullString{String: input, Valid: true}); err != nil {
		return it, fmt.Errorf("intent %s input: %w", it.ID, err)
	}
	return it, nil
}

// InsertIntent creates a PENDING intent. When an intent with the same
// (action_version_id, idempotency_key) already exists the existing row is
// returned unchanged and created reports false.
func (r Repo) InsertIntent(ctx context.Context, intent domain.ActionIntent, now time.Time) (stored domain.ActionIntent, created bool, err error) {
	if intent.ID == "" {
		intent.ID = uuid.New().String()
	}
	inputJSON, err := marshalMeta(intent.Input)
	if err != nil {
		return intent, false, fmt.Errorf("marshal intent input: %w", err)
	}
	ts := domain.FormatTime(now)
	intent.Status = domain.IntentPending
	intent.CreatedAt = ts
	intent.UpdatedAt = ts
	res, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO action_intents(id,action_version_id,workflow_instance_id,step_execution_id,idempotency_key,input_json,status,locked_by,locked_at,created_at,updated_at)
		 VALUES (?,?,?,?,?,?,?,NULL,NULL,?,?)`,
		intent.ID, intent.ActionVersionID, nullableP(intent.WorkflowInstanceID), nullableP(intent.StepExecutionID),
		intent.IdempotencyKey, inputJSON, intent.Status, intent.CreatedAt, intent.UpdatedAt)
	if err != nil {
		return intent, false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, err := r.IntentByKey(ctx, intent.ActionVersionID, intent.IdempotencyKey)
		return existing, false, err
	}
	return intent, true, nil
}

// GetIntent fetches one intent by id.
func (r Repo) GetIntent(ctx context.Context, id string) (domain.ActionIntent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+intentCols+` FROM action_intents WHERE id=?`, id)
	it, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

// IntentByKey fetches one intent by its idempotency identity.
func (r Repo) IntentByKey(ctx context.Context, actionVersionID, idempotencyKey string) (domain.ActionIntent, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+intentCols+` FROM action_intents WHERE action_version_id=? AND idempotency_key=?`,
		actionVersionID, idempotencyKey)
	it, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

// ClaimIntent atomically moves a PENDING intent to PROCESSING for workerID.
// Returns false when the intent is not PENDING, so exactly one claimer wins.
func (r Repo) ClaimIntent(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	ts := domain.FormatTime(now)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE action_intents SET status=?,locked_by=?,locked_at=?,updated_at=? WHERE id=? AND status=?`,
		domain.IntentProcessing, workerID, ts, ts, id, domain.IntentPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FinishIntent moves a PROCESSING intent owned by workerID to a terminal
// status and clears the lock. Returns false when the intent is not owned.
func (r Repo) FinishIntent(ctx context.Context, id, workerID, status string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE action_intents SET status=?,locked_by=NULL,locked_at=NULL,updated_at=? WHERE id=? AND status=? AND locked_by=?`,
		status, domain.FormatTime(now), id, domain.IntentProcessing, workerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseIntent puts a FAILED intent back to PENDING so a later dispatch can
// retry it. The lock is cleared.
func (r Repo) ReleaseIntent(ctx context.Context, id string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE action_intents SET status=?,locked_by=NULL,locked_at=NULL,updated_at=? WHERE id=? AND status=?`,
		domain.IntentPending, domain.FormatTime(now), id, domain.IntentFailed)
	return err
}

// CancelIntent moves a PENDING intent to CANCELLED. Returns false when the
// intent already left PENDING.
func (r Repo) CancelIntent(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE action_intents SET status=?,updated_at=? WHERE id=? AND status=?`,
		domain.IntentCancelled, domain.FormatTime(now), id, domain.IntentPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListIntents returns intents filtered by status ("" for all), newest first.
func (r Repo) ListIntents(ctx context.Context, status string, limit int) ([]domain.ActionIntent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + intentCols + ` FROM action_intents`
	args := []any{}
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionIntent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// InsertAttempt appends one execution attempt record.
func (r Repo) InsertAttempt(ctx context.Context, a domain.ActionAttempt) (domain.ActionAttempt, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	outputJSON, err := marshalMeta(a.Output)
	if err != nil {
		return a, fmt.Errorf("marshal attempt output: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO action_attempts(id,action_intent_id,attempt_number,status,output_json,error_message,error_stack,started_at,finished_at,performed_by)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.IntentID, a.AttemptNumber, a.Status, outputJSON,
		nullableP(a.ErrorMessage), nullableP(a.ErrorStack), a.StartedAt, a.FinishedAt, a.PerformedBy)
	return a, err
}

const attemptCols = `id,action_intent_id,attempt_number,status,output_json,error_message,error_stack,started_at,finished_at,performed_by`

func scanAttempt(row interface{ Scan(...any) error }) (domain.ActionAttempt, error) {
	var a domain.ActionAttempt
	var output, errMsg, errStack sql.NullString
	err := row.Scan(&a.ID, &a.IntentID, &a.AttemptNumber, &a.Status, &output, &errMsg, &errStack, &a.StartedAt, &a.FinishedAt, &a.PerformedBy)
	if err != nil {
		return a, err
	}
	if a.Output, err = unmarshalMeta(output); err != nil {
		return a, fmt.Errorf("attempt %s output: %w", a.ID, err)
	}
	a.ErrorMessage = optionalString(errMsg)
	a.ErrorStack = optionalString(errStack)
	return a, nil
}

// ListAttempts returns the attempts of one intent in attempt order.
func (r Repo) ListAttempts(ctx context.Context, intentID string) ([]domain.ActionAttempt, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+attemptCols+` FROM action_attempts WHERE action_intent_id=? ORDER BY attempt_number ASC`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountAttempts returns how many attempts exist for an intent.
func (r Repo) CountAttempts(ctx context.Context, intentID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_attempts WHERE action_intent_id=?`, intentID).Scan(&n)
	return n, err
}

// HasSuccessfulAttempt reports whether any prior attempt for the intent
// already succeeded.
func (r Repo) HasSuccessfulAttempt(ctx context.Context, intentID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_attempts WHERE action_intent_id=? AND status=?`, intentID, domain.AttemptSuccess).Scan(&n)
	return n > 0, err
}

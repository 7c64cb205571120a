// Package queue is the persisted job substrate: jobs survive restarts,
// claims are atomic, failures retry with exponential backoff.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"ontoflow/internal/domain"
)

type Queue struct {
	DB                *sql.DB
	Now               func() time.Time
	MaxAttempts       int
	BackoffMS         int
	BackoffMultiplier float64
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q Queue) maxAttempts() int {
	if q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return 3
}

// EnqueueParams describes one job to add.
type EnqueueParams struct {
	JobType        string
	Payload        domain.Metadata
	Priority       int
	MaxAttempts    int
	IdempotencyKey string
}

const jobCols = `id,job_type,payload_json,priority,status,attempts,max_attempts,last_error,next_attempt_at,locked_at,locked_by_worker_id,idempotency_key,created_at,started_at,completed_at`

func scanJob(row interface{ Scan(...any) error }) (domain.JobRecord, error) {
	var j domain.JobRecord
	var lastError, nextAttempt, lockedAt, lockedBy, idemKey, startedAt, completedAt sql.NullString
	err := row.Scan(&j.ID, &j.JobType, &j.Payload, &j.Priority, &j.Status, &j.Attempts, &j.MaxAttempts,
		&lastError, &nextAttempt, &lockedAt, &lockedBy, &idemKey, &j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return j, err
	}
	j.LastError = opt(lastError)
	j.NextAttemptAt = opt(nextAttempt)
	j.LockedAt = opt(lockedAt)
	j.LockedByWorkerID = opt(lockedBy)
	j.IdempotencyKey = opt(idemKey)
	j.StartedAt = opt(startedAt)
	j.CompletedAt = opt(completedAt)
	return j, nil
}

func opt(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// Enqueue adds a PENDING job. When an idempotency key is given and a job
// with that key already exists, the existing job is returned and created
// reports false.
func (q Queue) Enqueue(ctx context.Context, p EnqueueParams) (job domain.JobRecord, created bool, err error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return job, false, fmt.Errorf("marshal job payload: %w", err)
	}
	if p.Payload == nil {
		payload = []byte("{}")
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts()
	}
	job = domain.JobRecord{
		ID:          uuid.New().String(),
		JobType:     p.JobType,
		Payload:     string(payload),
		Priority:    p.Priority,
		Status:      domain.JobPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   domain.FormatTime(q.now()),
	}
	var idemKey any
	if p.IdempotencyKey != "" {
		k := p.IdempotencyKey
		job.IdempotencyKey = &k
		idemKey = k
	}
	res, err := q.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO job_queue(id,job_type,payload_json,priority,status,attempts,max_attempts,idempotency_key,created_at)
		 VALUES (?,?,?,?,?,0,?,?,?)`,
		job.ID, job.JobType, job.Payload, job.Priority, job.Status, job.MaxAttempts, idemKey, job.CreatedAt)
	if err != nil {
		return job, false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		row := q.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM job_queue WHERE idempotency_key=?`, p.IdempotencyKey)
		existing, err := scanJob(row)
		return existing, false, err
	}
	return job, true, nil
}

// Claim atomically takes the most urgent runnable job for workerID: highest
// priority first, oldest first within a priority. The claim is a candidate
// select followed by a conditional update, so two workers racing for the
// same job resolve to exactly one winner; the loser retries the next
// candidate. Returns nil when no job is runnable.
func (q Queue) Claim(ctx context.Context, workerID string) (*domain.JobRecord, error) {
	now := domain.FormatTime(q.now())
	for {
		row := q.DB.QueryRowContext(ctx,
			`SELECT `+jobCols+` FROM job_queue
			 WHERE status=? AND (next_attempt_at IS NULL OR next_attempt_at<=?)
			 ORDER BY priority DESC, created_at ASC LIMIT 1`, domain.JobPending, now)
		job, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		res, err := q.DB.ExecContext(ctx,
			`UPDATE job_queue SET status=?,attempts=attempts+1,locked_at=?,locked_by_worker_id=?,started_at=COALESCE(started_at,?)
			 WHERE id=? AND status=?`,
			domain.JobRunning, now, workerID, now, job.ID, domain.JobPending)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Lost the race, try the next candidate.
			continue
		}
		job.Status = domain.JobRunning
		job.Attempts++
		job.LockedAt = &now
		job.LockedByWorkerID = &workerID
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		return &job, nil
	}
}

// Heartbeat renews the lock on a running job. A no-op when the job is no
// longer held by workerID.
func (q Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	_, err := q.DB.ExecContext(ctx,
		`UPDATE job_queue SET locked_at=? WHERE id=? AND status=? AND locked_by_worker_id=?`,
		domain.FormatTime(q.now()), jobID, domain.JobRunning, workerID)
	return err
}

// Complete finishes a job held by workerID.
func (q Queue) Complete(ctx context.Context, jobID, workerID string) error {
	res, err := q.DB.ExecContext(ctx,
		`UPDATE job_queue SET status=?,completed_at=?,locked_at=NULL,locked_by_worker_id=NULL
		 WHERE id=? AND status=? AND locked_by_worker_id=?`,
		domain.JobCompleted, domain.FormatTime(q.now()), jobID, domain.JobRunning, workerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s not held by worker %s", jobID, workerID)
	}
	return nil
}

// Fail records a failed run. While attempts remain the job goes back to
// PENDING with next_attempt_at pushed out exponentially; once the retries are
// used up it is terminally FAILED. The bool reports whether a retry was
// scheduled.
func (q Queue) Fail(ctx context.Context, jobID, workerID, cause string) (retrying bool, err error) {
	row := q.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM job_queue WHERE id=?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return false, err
	}
	if job.Status != domain.JobRunning || job.LockedByWorkerID == nil || *job.LockedByWorkerID != workerID {
		return false, fmt.Errorf("job %s not held by worker %s", jobID, workerID)
	}

	// max_attempts counts retries: attempt n schedules a retry while
	// n <= max_attempts, so a job fails terminally on failure n+1.
	now := q.now()
	if job.Attempts > job.MaxAttempts {
		_, err := q.DB.ExecContext(ctx,
			`UPDATE job_queue SET status=?,last_error=?,completed_at=?,locked_at=NULL,locked_by_worker_id=NULL
			 WHERE id=? AND status=? AND locked_by_worker_id=?`,
			domain.JobFailed, cause, domain.FormatTime(now), jobID, domain.JobRunning, workerID)
		return false, err
	}

	// Attempt n failed: delay backoff_ms * multiplier^(n-1) before attempt n+1.
	delay := q.backoffDelay(job.Attempts)
	next := domain.FormatTime(now.Add(delay))
	_, err = q.DB.ExecContext(ctx,
		`UPDATE job_queue SET status=?,last_error=?,next_attempt_at=?,locked_at=NULL,locked_by_worker_id=NULL
		 WHERE id=? AND status=? AND locked_by_worker_id=?`,
		domain.JobPending, cause, next, jobID, domain.JobRunning, workerID)
	return true, err
}

func (q Queue) backoffDelay(attempt int) time.Duration {
	base := q.BackoffMS
	if base <= 0 {
		base = 1000
	}
	mult := q.BackoffMultiplier
	if mult < 1 {
		mult = 2.0
	}
	ms := float64(base) * math.Pow(mult, float64(attempt-1))
	return time.Duration(ms) * time.Millisecond
}

// Cancel moves a PENDING job to CANCELLED. Running or finished jobs are left
// alone and the bool reports false.
func (q Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	res, err := q.DB.ExecContext(ctx,
		`UPDATE job_queue SET status=?,completed_at=? WHERE id=? AND status=?`,
		domain.JobCancelled, domain.FormatTime(q.now()), jobID, domain.JobPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReclaimStale releases RUNNING jobs whose lock has not been renewed within
// lockTimeout, making them claimable again. The claimed attempt still
// counts. Returns how many jobs were reclaimed.
func (q Queue) ReclaimStale(ctx context.Context, lockTimeout time.Duration) (int64, error) {
	cutoff := domain.FormatTime(q.now().Add(-lockTimeout))
	res, err := q.DB.ExecContext(ctx,
		`UPDATE job_queue SET status=?,locked_at=NULL,locked_by_worker_id=NULL,last_error=COALESCE(last_error,'lock expired')
		 WHERE status=? AND locked_at<?`,
		domain.JobPending, domain.JobRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get fetches one job by id.
func (q Queue) Get(ctx context.Context, jobID string) (domain.JobRecord, error) {
	row := q.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM job_queue WHERE id=?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return job, fmt.Errorf("job %s not found", jobID)
	}
	return job, err
}

// List returns jobs filtered by status ("" for all), newest first.
func (q Queue) List(ctx context.Context, status string, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobCols + ` FROM job_queue`
	args := []any{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// PendingCount returns how many jobs are currently runnable or scheduled.
func (q Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue WHERE status=?`, domain.JobPending).Scan(&n)
	return n, err
}

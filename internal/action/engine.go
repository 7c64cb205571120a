// Package action executes side effects exactly once per intent. An intent
// is claimed, executed through its connector, and every try is recorded as
// an append-only attempt.
package action

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ontoflow/internal/domain"
	"ontoflow/internal/queue"
	"ontoflow/internal/repo"
)

var (
	// ErrNotOwned means the caller tried to execute an intent it has not
	// claimed, or whose claim was lost.
	ErrNotOwned = errors.New("intent not owned by worker")

	// ErrUnknownConnector means the action version names a connector type
	// with no registered implementation.
	ErrUnknownConnector = errors.New("unknown connector type")

	// ErrExecutionFailed wraps a connector failure.
	ErrExecutionFailed = errors.New("action execution failed")
)

// Connector performs the actual side effect of one action type.
type Connector interface {
	Execute(ctx context.Context, config, input domain.Metadata) (domain.Metadata, error)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Log        *slog.Logger
	Now        func() time.Time
	Connectors map[string]Connector
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateIntent records a request to execute an action version. The same
// (action version, idempotency key) pair always resolves to the same
// intent; created reports false for duplicates.
func (e Engine) CreateIntent(ctx context.Context, actionVersionID, idempotencyKey string, input domain.Metadata, workflowInstanceID, stepExecutionID *string) (domain.ActionIntent, bool, error) {
	if idempotencyKey == "" {
		return domain.ActionIntent{}, false, fmt.Errorf("idempotency key is required")
	}
	if _, err := e.Repo.GetActionVersion(ctx, actionVersionID); err != nil {
		return domain.ActionIntent{}, false, fmt.Errorf("action version %s: %w", actionVersionID, err)
	}
	return e.Repo.InsertIntent(ctx, domain.ActionIntent{
		ActionVersionID:    actionVersionID,
		WorkflowInstanceID: workflowInstanceID,
		StepExecutionID:    stepExecutionID,
		IdempotencyKey:     idempotencyKey,
		Input:              input,
	}, e.now())
}

// ClaimIntent takes ownership of a PENDING intent for workerID. Exactly one
// concurrent claimer wins.
func (e Engine) ClaimIntent(ctx context.Context, intentID, workerID string) (bool, error) {
	return e.Repo.ClaimIntent(ctx, intentID, workerID, e.now())
}

// ExecuteIntent runs the claimed intent through its connector. The intent
// must be PROCESSING and owned by workerID. If a prior attempt already
// succeeded the intent is finalized without touching the connector again.
// Every try appends an attempt; the returned error is non-nil when the
// connector failed so callers can schedule a retry.
func (e Engine) ExecuteIntent(ctx context.Context, intentID, workerID string) (domain.ActionAttempt, error) {
	intent, err := e.Repo.GetIntent(ctx, intentID)
	if err != nil {
		return domain.ActionAttempt{}, err
	}
	if intent.Status != domain.IntentProcessing || intent.LockedBy == nil || *intent.LockedBy != workerID {
		return domain.ActionAttempt{}, fmt.Errorf("%w: intent %s", ErrNotOwned, intentID)
	}

	// A recorded success is authoritative: the side effect happened even if
	// the status update afterwards was lost. Never execute twice.
	done, err := e.Repo.HasSuccessfulAttempt(ctx, intentID)
	if err != nil {
		return domain.ActionAttempt{}, err
	}
	if done {
		if _, err := e.Repo.FinishIntent(ctx, intentID, workerID, domain.IntentSuccess, e.now()); err != nil {
			return domain.ActionAttempt{}, err
		}
		attempts, err := e.Repo.ListAttempts(ctx, intentID)
		if err != nil {
			return domain.ActionAttempt{}, err
		}
		for i := len(attempts) - 1; i >= 0; i-- {
			if attempts[i].Status == domain.AttemptSuccess {
				e.Log.Info("intent already succeeded, skipping execution", "intent_id", intentID)
				return attempts[i], nil
			}
		}
		return domain.ActionAttempt{}, fmt.Errorf("intent %s: success attempt vanished", intentID)
	}

	av, err := e.Repo.GetActionVersion(ctx, intent.ActionVersionID)
	if err != nil {
		return domain.ActionAttempt{}, err
	}
	connector, ok := e.Connectors[av.ConnectorType]
	if !ok {
		return e.recordFailure(ctx, intent, workerID, fmt.Errorf("%w: %q", ErrUnknownConnector, av.ConnectorType))
	}

	n, err := e.Repo.CountAttempts(ctx, intentID)
	if err != nil {
		return domain.ActionAttempt{}, err
	}
	started := e.now()
	output, execErr := connector.Execute(ctx, av.ConnectorConfig, intent.Input)
	finished := e.now()

	attempt := domain.ActionAttempt{
		IntentID:      intentID,
		AttemptNumber: n + 1,
		Output:        output,
		StartedAt:     domain.FormatTime(started),
		FinishedAt:    domain.FormatTime(finished),
		PerformedBy:   workerID,
	}
	if execErr != nil {
		msg := execErr.Error()
		attempt.Status = domain.AttemptFailure
		attempt.ErrorMessage = &msg
		attempt, err = e.Repo.InsertAttempt(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if _, err := e.Repo.FinishIntent(ctx, intentID, workerID, domain.IntentFailed, e.now()); err != nil {
			return attempt, err
		}
		e.Log.Warn("action execution failed", "intent_id", intentID, "attempt", attempt.AttemptNumber, "err", execErr)
		return attempt, fmt.Errorf("%w: %v", ErrExecutionFailed, execErr)
	}

	attempt.Status = domain.AttemptSuccess
	attempt, err = e.Repo.InsertAttempt(ctx, attempt)
	if err != nil {
		return attempt, err
	}
	if _, err := e.Repo.FinishIntent(ctx, intentID, workerID, domain.IntentSuccess, e.now()); err != nil {
		return attempt, err
	}
	e.Log.Info("action executed", "intent_id", intentID, "attempt", attempt.AttemptNumber, "connector", av.ConnectorType)
	return attempt, nil
}

func (e Engine) recordFailure(ctx context.Context, intent domain.ActionIntent, workerID string, cause error) (domain.ActionAttempt, error) {
	n, err := e.Repo.CountAttempts(ctx, intent.ID)
	if err != nil {
		return domain.ActionAttempt{}, err
	}
	msg := cause.Error()
	ts := domain.FormatTime(e.now())
	attempt, err := e.Repo.InsertAttempt(ctx, domain.ActionAttempt{
		IntentID:      intent.ID,
		AttemptNumber: n + 1,
		Status:        domain.AttemptFailure,
		ErrorMessage:  &msg,
		StartedAt:     ts,
		FinishedAt:    ts,
		PerformedBy:   workerID,
	})
	if err != nil {
		return attempt, err
	}
	if _, err := e.Repo.FinishIntent(ctx, intent.ID, workerID, domain.IntentFailed, e.now()); err != nil {
		return attempt, err
	}
	return attempt, fmt.Errorf("%w: %v", ErrExecutionFailed, cause)
}

// ReleaseForRetry puts a FAILED intent back to PENDING so the next dispatch
// attempt can claim it.
func (e Engine) ReleaseForRetry(ctx context.Context, intentID string) error {
	return e.Repo.ReleaseIntent(ctx, intentID, e.now())
}

// Dispatcher turns action requests into queued work: one intent plus one
// ACTION_DISPATCH job per idempotency key.
type Dispatcher struct {
	Engine   Engine
	Queue    queue.Queue
	Priority int
}

// DispatchAction implements the workflow engine's dispatch hook.
func (d Dispatcher) DispatchAction(ctx context.Context, actionVersionID, idempotencyKey string, input domain.Metadata, instanceID, stepExecutionID string) error {
	var instID, seID *string
	if instanceID != "" {
		instID = &instanceID
	}
	if stepExecutionID != "" {
		seID = &stepExecutionID
	}
	intent, _, err := d.Engine.CreateIntent(ctx, actionVersionID, idempotencyKey, input, instID, seID)
	if err != nil {
		return err
	}
	av, err := d.Engine.Repo.GetActionVersion(ctx, actionVersionID)
	if err != nil {
		return err
	}
	_, _, err = d.Queue.Enqueue(ctx, queue.EnqueueParams{
		JobType:        domain.JobTypeActionDispatch,
		Payload:        domain.Metadata{"intent_id": intent.ID},
		Priority:       d.Priority,
		MaxAttempts:    av.Retry.MaxAttempts,
		IdempotencyKey: "dispatch:" + intent.ID,
	})
	return err
}

// DispatchHandler returns the queue handler that drives intents to a
// terminal state. A job retry re-claims the same intent; an intent whose
// prior run left it FAILED is released first so the claim can succeed.
func DispatchHandler(e Engine) queue.Handler {
	return func(ctx context.Context, job domain.JobRecord) error {
		var payload struct {
			IntentID string `json:"intent_id"`
		}
		if err := unmarshalPayload(job.Payload, &payload); err != nil {
			return err
		}
		workerID := "worker"
		if job.LockedByWorkerID != nil {
			workerID = *job.LockedByWorkerID
		}

		claimed, err := e.ClaimIntent(ctx, payload.IntentID, workerID)
		if err != nil {
			return err
		}
		if !claimed {
			intent, err := e.Repo.GetIntent(ctx, payload.IntentID)
			if err != nil {
				return err
			}
			switch intent.Status {
			case domain.IntentSuccess, domain.IntentCancelled:
				return nil
			case domain.IntentFailed:
				if err := e.ReleaseForRetry(ctx, payload.IntentID); err != nil {
					return err
				}
				claimed, err = e.ClaimIntent(ctx, payload.IntentID, workerID)
				if err != nil {
					return err
				}
				if !claimed {
					return fmt.Errorf("intent %s: lost release race", payload.IntentID)
				}
			default:
				return fmt.Errorf("intent %s held elsewhere (status %s)", payload.IntentID, intent.Status)
			}
		}

		_, execErr := e.ExecuteIntent(ctx, payload.IntentID, workerID)
		if execErr != nil {
			// When the job still has attempts left, hand the intent back so
			// the retry can claim it. On exhaustion it stays FAILED.
			if job.Attempts <= job.MaxAttempts {
				if rerr := e.ReleaseForRetry(ctx, payload.IntentID); rerr != nil {
					e.Log.Warn("release intent for retry failed", "intent_id", payload.IntentID, "err", rerr)
				}
			}
			return execErr
		}
		return nil
	}
}

package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ontoflow/internal/domain"
)

// InsertInstance stores a new workflow instance at version 0.
func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) (domain.WorkflowInstance, error) {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	ctxJSON, err := marshalMeta(inst.Context)
	if err != nil {
		return inst, fmt.Errorf("marshal instance context: %w", err)
	}
	inst.Version = 0
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_instances(id,workflow_version_id,trigger_event_id,subject_entity_version_id,status,current_step_id,context_json,version,started_at,finished_at)
		 VALUES (?,?,?,?,?,?,?,0,?,?)`,
		inst.ID, inst.WorkflowVersionID, inst.TriggerEventID, inst.SubjectEntityVersion, inst.Status,
		nullableP(inst.CurrentStepID), ctxJSON, inst.StartedAt, nullableP(inst.FinishedAt))
	return inst, err
}

const instanceCols = `id,workflow_version_id,trigger_event_id,subject_entity_version_id,status,current_step_id,context_json,version,started_at,finished_at`

func scanInstance(row interface{ Scan(...any) error }) (domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	var currentStep, finishedAt sql.NullString
	var ctxJSON string
	err := row.Scan(&inst.ID, &inst.WorkflowVersionID, &inst.TriggerEventID, &inst.SubjectEntityVersion,
		&inst.Status, &currentStep, &ctxJSON, &inst.Version, &inst.StartedAt, &finishedAt)
	if err != nil {
		return inst, err
	}
	inst.CurrentStepID = optionalString(currentStep)
	inst.FinishedAt = optionalString(finishedAt)
	inst.Context, err = unmarshalMeta(sql.NullString{String: ctxJSON, Valid: true})
	if err != nil {
		return inst, fmt.Errorf("instance %s context: %w", inst.ID, err)
	}
	return inst, nil
}

// GetInstance fetches one workflow instance by id.
func (r Repo) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances WHERE id=?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	return inst, err
}

// UpdateInstance persists status, current step, context and finished_at under
// optimistic concurrency: the update only applies if the stored version still
// equals inst.Version, and bumps it by one. Returns ErrStaleInstance when a
// concurrent writer got there first.
func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, inst domain.WorkflowInstance) (domain.WorkflowInstance, error) {
	ctxJSON, err := marshalMeta(inst.Context)
	if err != nil {
		return inst, fmt.Errorf("marshal instance context: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET status=?,current_step_id=?,context_json=?,finished_at=?,version=version+1
		 WHERE id=? AND version=?`,
		inst.Status, nullableP(inst.CurrentStepID), ctxJSON, nullableP(inst.FinishedAt), inst.ID, inst.Version)
	if err != nil {
		return inst, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return inst, err
	}
	if n == 0 {
		return inst, ErrStaleInstance
	}
	inst.Version++
	return inst, nil
}

// ListInstances returns instances filtered by status ("" for all), newest
// first.
func (r Repo) ListInstances(ctx context.Context, status string, limit int) ([]domain.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + instanceCols + ` FROM workflow_instances`
	args := []any{}
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, status)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// InsertStepExecution records the start of a step run.
func (r Repo) InsertStepExecution(ctx context.Context, tx *sql.Tx, instanceID, stepID string, input domain.Metadata, now time.Time) (domain.StepExecution, error) {
	inputJSON, err := marshalMeta(input)
	if err != nil {
		return domain.StepExecution{}, fmt.Errorf("marshal step input: %w", err)
	}
	se := domain.StepExecution{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: instanceID,
		StepID:             stepID,
		Status:             domain.StepExecInProgress,
		Input:              input,
		StartedAt:          domain.FormatTime(now),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_executions(id,workflow_instance_id,step_id,status,input_json,output_json,started_at,finished_at) VALUES (?,?,?,?,?,NULL,?,NULL)`,
		se.ID, se.WorkflowInstanceID, se.StepID, se.Status, inputJSON, se.StartedAt)
	return se, err
}

// FinishStepExecution finalizes a step run. Only IN_PROGRESS rows are
// updated; a finished execution stays as recorded.
func (r Repo) FinishStepExecution(ctx context.Context, tx *sql.Tx, id, status string, output domain.Metadata, now time.Time) error {
	outputJSON, err := marshalMeta(output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE step_executions SET status=?,output_json=?,finished_at=? WHERE id=? AND status=?`,
		status, outputJSON, domain.FormatTime(now), id, domain.StepExecInProgress)
	return err
}

const stepExecCols = `id,workflow_instance_id,step_id,status,input_json,output_json,started_at,finished_at`

func scanStepExecution(row interface{ Scan(...any) error }) (domain.StepExecution, error) {
	var se domain.StepExecution
	var input, output, finishedAt sql.NullString
	err := row.Scan(&se.ID, &se.WorkflowInstanceID, &se.StepID, &se.Status, &input, &output, &se.StartedAt, &finishedAt)
	if err != nil {
		return se, err
	}
	if se.Input, err = unmarshalMeta(input); err != nil {
		return se, fmt.Errorf("step execution %s input: %w", se.ID, err)
	}
	if se.Output, err = unmarshalMeta(output); err != nil {
		return se, fmt.Errorf("step execution %s output: %w", se.ID, err)
	}
	se.FinishedAt = optionalString(finishedAt)
	return se, nil
}

// GetStepExecution fetches one step execution by id.
func (r Repo) GetStepExecution(ctx context.Context, id string) (domain.StepExecution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepExecCols+` FROM step_executions WHERE id=?`, id)
	se, err := scanStepExecution(row)
	if err == sql.ErrNoRows {
		return se, ErrNotFound
	}
	return se, err
}

// ListStepExecutions returns the executions of one instance in start order.
func (r Repo) ListStepExecutions(ctx context.Context, instanceID string) ([]domain.StepExecution, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+stepExecCols+` FROM step_executions WHERE workflow_instance_id=? ORDER BY started_at ASC, id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepExecution
	for rows.Next() {
		se, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, se)
	}
	return res, rows.Err()
}

// InsertHumanTask creates a PENDING human task for a step execution.
func (r Repo) InsertHumanTask(ctx context.Context, tx *sql.Tx, stepExecutionID string, assigneeID, dueAt *string) (domain.HumanTask, error) {
	ht := domain.HumanTask{
		ID:              uuid.New().String(),
		StepExecutionID: stepExecutionID,
		AssigneeID:      assigneeID,
		Status:          domain.TaskPending,
		DueAt:           dueAt,
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO human_tasks(id,step_execution_id,assignee_id,status,decision_json,due_at,completed_at) VALUES (?,?,?,?,NULL,?,NULL)`,
		ht.ID, ht.StepExecutionID, nullableP(ht.AssigneeID), ht.Status, nullableP(ht.DueAt))
	return ht, err
}

const humanTaskCols = `id,step_execution_id,assignee_id,status,decision_json,due_at,completed_at`

func scanHumanTask(row interface{ Scan(...any) error }) (domain.HumanTask, error) {
	var ht domain.HumanTask
	var assignee, decision, dueAt, completedAt sql.NullString
	err := row.Scan(&ht.ID, &ht.StepExecutionID, &assignee, &ht.Status, &decision, &dueAt, &completedAt)
	if err != nil {
		return ht, err
	}
	ht.AssigneeID = optionalString(assignee)
	ht.DueAt = optionalString(dueAt)
	ht.CompletedAt = optionalString(completedAt)
	if ht.Decision, err = unmarshalMeta(decision); err != nil {
		return ht, fmt.Errorf("human task %s decision: %w", ht.ID, err)
	}
	return ht, nil
}

// GetHumanTask fetches one human task by id.
func (r Repo) GetHumanTask(ctx context.Context, id string) (domain.HumanTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+humanTaskCols+` FROM human_tasks WHERE id=?`, id)
	ht, err := scanHumanTask(row)
	if err == sql.ErrNoRows {
		return ht, ErrNotFound
	}
	return ht, err
}

// ResolveHumanTask records a decision on a PENDING task. Returns false when
// the task was already completed, so a duplicate decision is a no-op.
func (r Repo) ResolveHumanTask(ctx context.Context, tx *sql.Tx, id string, decision domain.Metadata, now time.Time) (bool, error) {
	decisionJSON, err := marshalMeta(decision)
	if err != nil {
		return false, fmt.Errorf("marshal task decision: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE human_tasks SET status=?,decision_json=?,completed_at=? WHERE id=? AND status=?`,
		domain.TaskCompleted, decisionJSON, domain.FormatTime(now), id, domain.TaskPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListPendingHumanTasks returns PENDING tasks, oldest first.
func (r Repo) ListPendingHumanTasks(ctx context.Context) ([]domain.HumanTask, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+humanTaskCols+` FROM human_tasks WHERE status=? ORDER BY id ASC`, domain.TaskPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HumanTask
	for rows.Next() {
		ht, err := scanHumanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ht)
	}
	return res, rows.Err()
}

// PreviousResult returns the most recent evaluation result for a
// (rule, target) pair with as_of at or before asOf. The bool pointer is nil
// when the pair was never evaluated.
func (r Repo) PreviousResult(ctx context.Context, tx *sql.Tx, ruleVersionID, targetObjectID string, asOf time.Time) (*bool, error) {
	var result int
	err := tx.QueryRowContext(ctx,
		`SELECT result FROM evaluation_states WHERE rule_version_id=? AND target_object_id=? AND as_of<=? ORDER BY as_of DESC LIMIT 1`,
		ruleVersionID, targetObjectID, domain.FormatTime(asOf)).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b := result != 0
	return &b, nil
}

// UpsertEvaluationState records the result of evaluating a rule against a
// target at asOf. Replays overwrite the same keyed row idempotently.
func (r Repo) UpsertEvaluationState(ctx context.Context, tx *sql.Tx, st domain.EvaluationState) error {
	result := 0
	if st.Result {
		result = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO evaluation_states(rule_version_id,target_object_id,target_type,as_of,result) VALUES (?,?,?,?,?)
		 ON CONFLICT(rule_version_id,target_object_id,as_of) DO UPDATE SET result=excluded.result`,
		st.RuleVersionID, st.TargetObjectID, st.TargetType, st.AsOf, result)
	return err
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ontoflow/internal/domain"
)

// InsertRuleVersion stores an immutable rule version. The version number is
// one past the highest existing version of the same rule.
func (r Repo) InsertRuleVersion(ctx context.Context, ruleID, schemaVersionID, eventType string, cond *domain.ConditionExpression, now time.Time) (domain.RuleVersion, error) {
	cfg, err := json.Marshal(cond)
	if err != nil {
		return domain.RuleVersion{}, fmt.Errorf("marshal rule configuration: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RuleVersion{}, err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0)+1 FROM rule_versions WHERE rule_id=?`, ruleID).Scan(&next); err != nil {
		return domain.RuleVersion{}, err
	}
	rv := domain.RuleVersion{
		ID:              uuid.New().String(),
		RuleID:          ruleID,
		SchemaVersionID: schemaVersionID,
		VersionNumber:   next,
		EventType:       eventType,
		Status:          "PUBLISHED",
		Configuration:   cond,
		CreatedAt:       domain.FormatTime(now),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rule_versions(id,rule_id,schema_version_id,version_number,event_type,status,configuration_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		rv.ID, rv.RuleID, rv.SchemaVersionID, rv.VersionNumber, rv.EventType, rv.Status, string(cfg), rv.CreatedAt)
	if err != nil {
		return domain.RuleVersion{}, err
	}
	return rv, tx.Commit()
}

const ruleVersionCols = `id,rule_id,schema_version_id,version_number,event_type,status,configuration_json,created_at`

func scanRuleVersion(row interface{ Scan(...any) error }) (domain.RuleVersion, error) {
	var rv domain.RuleVersion
	var cfg string
	if err := row.Scan(&rv.ID, &rv.RuleID, &rv.SchemaVersionID, &rv.VersionNumber, &rv.EventType, &rv.Status, &cfg, &rv.CreatedAt); err != nil {
		return rv, err
	}
	if err := json.Unmarshal([]byte(cfg), &rv.Configuration); err != nil {
		return rv, fmt.Errorf("rule version %s configuration: %w", rv.ID, err)
	}
	return rv, nil
}

// GetRuleVersion fetches one rule version by id.
func (r Repo) GetRuleVersion(ctx context.Context, id string) (domain.RuleVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ruleVersionCols+` FROM rule_versions WHERE id=?`, id)
	rv, err := scanRuleVersion(row)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	return rv, err
}

// PublishedRules returns the PUBLISHED rule versions bound to a schema
// version, in creation order.
func (r Repo) PublishedRules(ctx context.Context, schemaVersionID string) ([]domain.RuleVersion, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+ruleVersionCols+` FROM rule_versions WHERE schema_version_id=? AND status='PUBLISHED' ORDER BY created_at ASC, id ASC`,
		schemaVersionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleVersion
	for rows.Next() {
		rv, err := scanRuleVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

// ListRuleVersions returns every version of one rule, newest first.
func (r Repo) ListRuleVersions(ctx context.Context, ruleID string) ([]domain.RuleVersion, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+ruleVersionCols+` FROM rule_versions WHERE rule_id=? ORDER BY version_number DESC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleVersion
	for rows.Next() {
		rv, err := scanRuleVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

// InsertWorkflowVersion stores an immutable workflow version.
func (r Repo) InsertWorkflowVersion(ctx context.Context, workflowID, schemaVersionID, triggerEventType string, steps []domain.WorkflowStep, now time.Time) (domain.WorkflowVersion, error) {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return domain.WorkflowVersion{}, fmt.Errorf("marshal workflow steps: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowVersion{}, err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0)+1 FROM workflow_versions WHERE workflow_id=?`, workflowID).Scan(&next); err != nil {
		return domain.WorkflowVersion{}, err
	}
	wv := domain.WorkflowVersion{
		ID:               uuid.New().String(),
		WorkflowID:       workflowID,
		SchemaVersionID:  schemaVersionID,
		VersionNumber:    next,
		Status:           "PUBLISHED",
		TriggerEventType: triggerEventType,
		Steps:            steps,
		CreatedAt:        domain.FormatTime(now),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_versions(id,workflow_id,schema_version_id,version_number,status,trigger_event_type,steps_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		wv.ID, wv.WorkflowID, wv.SchemaVersionID, wv.VersionNumber, wv.Status, wv.TriggerEventType, string(stepsJSON), wv.CreatedAt)
	if err != nil {
		return domain.WorkflowVersion{}, err
	}
	return wv, tx.Commit()
}

const workflowVersionCols = `id,workflow_id,schema_version_id,version_number,status,trigger_event_type,steps_json,created_at`

func scanWorkflowVersion(row interface{ Scan(...any) error }) (domain.WorkflowVersion, error) {
	var wv domain.WorkflowVersion
	var steps string
	if err := row.Scan(&wv.ID, &wv.WorkflowID, &wv.SchemaVersionID, &wv.VersionNumber, &wv.Status, &wv.TriggerEventType, &steps, &wv.CreatedAt); err != nil {
		return wv, err
	}
	if err := json.Unmarshal([]byte(steps), &wv.Steps); err != nil {
		return wv, fmt.Errorf("workflow version %s steps: %w", wv.ID, err)
	}
	return wv, nil
}

// GetWorkflowVersion fetches one workflow version by id.
func (r Repo) GetWorkflowVersion(ctx context.Context, id string) (domain.WorkflowVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workflowVersionCols+` FROM workflow_versions WHERE id=?`, id)
	wv, err := scanWorkflowVersion(row)
	if err == sql.ErrNoRows {
		return wv, ErrNotFound
	}
	return wv, err
}

// WorkflowsTriggeredBy returns PUBLISHED workflow versions whose trigger
// matches eventType.
func (r Repo) WorkflowsTriggeredBy(ctx context.Context, eventType string) ([]domain.WorkflowVersion, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+workflowVersionCols+` FROM workflow_versions WHERE trigger_event_type=? AND status='PUBLISHED' ORDER BY created_at ASC, id ASC`,
		eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowVersion
	for rows.Next() {
		wv, err := scanWorkflowVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wv)
	}
	return res, rows.Err()
}

// ListWorkflowVersions returns every version of one workflow, newest first.
func (r Repo) ListWorkflowVersions(ctx context.Context, workflowID string) ([]domain.WorkflowVersion, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+workflowVersionCols+` FROM workflow_versions WHERE workflow_id=? ORDER BY version_number DESC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowVersion
	for rows.Next() {
		wv, err := scanWorkflowVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wv)
	}
	return res, rows.Err()
}

// InsertActionVersion stores an immutable action version.
func (r Repo) InsertActionVersion(ctx context.Context, actionID, connectorType string, connectorConfig domain.Metadata, retry domain.RetryPolicy, now time.Time) (domain.ActionVersion, error) {
	cfg, err := marshalMeta(connectorConfig)
	if err != nil {
		return domain.ActionVersion{}, fmt.Errorf("marshal connector config: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionVersion{}, err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0)+1 FROM action_versions WHERE action_id=?`, actionID).Scan(&next); err != nil {
		return domain.ActionVersion{}, err
	}
	ts := domain.FormatTime(now)
	av := domain.ActionVersion{
		ID:              uuid.New().String(),
		ActionID:        actionID,
		VersionNumber:   next,
		ConnectorType:   connectorType,
		ConnectorConfig: connectorConfig,
		Retry:           retry,
		Status:          "PUBLISHED",
		CreatedAt:       ts,
		PublishedAt:     &ts,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO action_versions(id,action_id,version_number,connector_type,connector_config_json,retry_max_attempts,retry_backoff_ms,retry_backoff_multiplier,status,created_at,published_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		av.ID, av.ActionID, av.VersionNumber, av.ConnectorType, cfg,
		av.Retry.MaxAttempts, av.Retry.BackoffMS, av.Retry.BackoffMultiplier, av.Status, av.CreatedAt, ts)
	if err != nil {
		return domain.ActionVersion{}, err
	}
	return av, tx.Commit()
}

const actionVersionCols = `id,action_id,version_number,connector_type,connector_config_json,retry_max_attempts,retry_backoff_ms,retry_backoff_multiplier,status,created_at,published_at`

func scanActionVersion(row interface{ Scan(...any) error }) (domain.ActionVersion, error) {
	var av domain.ActionVersion
	var cfg sql.NullString
	var publishedAt sql.NullString
	err := row.Scan(&av.ID, &av.ActionID, &av.VersionNumber, &av.ConnectorType, &cfg,
		&av.Retry.MaxAttempts, &av.Retry.BackoffMS, &av.Retry.BackoffMultiplier, &av.Status, &av.CreatedAt, &publishedAt)
	if err != nil {
		return av, err
	}
	av.ConnectorConfig, err = unmarshalMeta(cfg)
	if err != nil {
		return av, fmt.Errorf("action version %s config: %w", av.ID, err)
	}
	av.PublishedAt = optionalString(publishedAt)
	return av, nil
}

// GetActionVersion fetches one action version by id.
func (r Repo) GetActionVersion(ctx context.Context, id string) (domain.ActionVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionVersionCols+` FROM action_versions WHERE id=?`, id)
	av, err := scanActionVersion(row)
	if err == sql.ErrNoRows {
		return av, ErrNotFound
	}
	return av, err
}

// ListActionVersions returns every version of one action, newest first.
func (r Repo) ListActionVersions(ctx context.Context, actionID string) ([]domain.ActionVersion, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+actionVersionCols+` FROM action_versions WHERE action_id=? ORDER BY version_number DESC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionVersion
	for rows.Next() {
		av, err := scanActionVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, av)
	}
	return res, rows.Err()
}

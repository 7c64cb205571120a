package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ontoflow/internal/domain"
)

// Writer appends immutable domain events. The insert is idempotent on
// (rule_version_id, entity_version_id, event_type) so re-evaluating the same
// transition never yields a duplicate event.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes the event inside tx. Returns the stored event and whether a
// new row was inserted (false when the same transition was already recorded).
func (w Writer) Append(ctx context.Context, tx *sql.Tx, ruleVersionID, entityVersionID, eventType string, payload domain.Metadata) (domain.DomainEvent, bool, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = domain.Metadata{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.DomainEvent{}, false, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.DomainEvent{
		ID:              uuid.New().String(),
		RuleVersionID:   ruleVersionID,
		EntityVersionID: entityVersionID,
		EventType:       eventType,
		Payload:         payload,
		CreatedAt:       domain.FormatTime(w.Now()),
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO domain_events(id,rule_version_id,entity_version_id,event_type,payload_json,created_at) VALUES (?,?,?,?,?,?)`,
		evt.ID, evt.RuleVersionID, evt.EntityVersionID, evt.EventType, string(data), evt.CreatedAt)
	if err != nil {
		return domain.DomainEvent{}, false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.DomainEvent{}, false, nil
	}
	return evt, true, nil
}

// List returns the most recent events, newest first.
func (w Writer) List(ctx context.Context, limit int) ([]domain.DomainEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,rule_version_id,entity_version_id,event_type,payload_json,created_at FROM domain_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DomainEvent
	for rows.Next() {
		var e domain.DomainEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.RuleVersionID, &e.EntityVersionID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("event %s payload: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

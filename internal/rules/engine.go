// Package rules evaluates published rule versions against entity updates and
// emits a domain event exactly once per false-to-true transition.
package rules

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"ontoflow/internal/domain"
	"ontoflow/internal/events"
	"ontoflow/internal/repo"
	"ontoflow/internal/snapshot"
)

// EventSink receives each newly emitted domain event after it is committed.
// Sink failures do not roll back the event; the event store is the source of
// truth and downstream consumers recover from it.
type EventSink interface {
	HandleDomainEvent(ctx context.Context, evt domain.DomainEvent) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) HandleDomainEvent(context.Context, domain.DomainEvent) error { return nil }

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Resolver snapshot.Resolver
	Events   events.Writer
	Sink     EventSink
	Log      *slog.Logger
	Now      func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// UpdateResult is the outcome of one entity update: the version written and
// the events that fired on this evaluation pass.
type UpdateResult struct {
	Version domain.EntityVersion
	Emitted []domain.DomainEvent
}

// ProcessEntityUpdate writes the new entity state and evaluates every
// published rule of the governing schema version against it at asOf.
// A rule whose result transitions false to true emits its event; nil
// previous state (first evaluation) never emits. One misbehaving rule is
// logged and skipped without blocking the rest.
func (e Engine) ProcessEntityUpdate(ctx context.Context, entityID, typeID string, attributes, metadata domain.Metadata, asOf time.Time) (UpdateResult, error) {
	version, err := e.Resolver.PutEntity(ctx, entityID, typeID, attributes, metadata, asOf)
	if err != nil {
		return UpdateResult{}, err
	}
	emitted, err := e.evaluateAll(ctx, version, asOf)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Version: version, Emitted: emitted}, nil
}

// ReplayEntityVersion re-runs rule evaluation for an already stored version
// at its own valid_from instant. Replays are deterministic: evaluation state
// is keyed by asOf and event inserts are idempotent, so nothing fires twice.
func (e Engine) ReplayEntityVersion(ctx context.Context, versionID string) ([]domain.DomainEvent, error) {
	version, err := e.Repo.EntityVersionByID(ctx, versionID)
	if err != nil {
		return nil, err
	}
	asOf, err := domain.ParseTime(version.ValidFrom)
	if err != nil {
		return nil, err
	}
	return e.evaluateAll(ctx, version, asOf)
}

func (e Engine) evaluateAll(ctx context.Context, version domain.EntityVersion, asOf time.Time) ([]domain.DomainEvent, error) {
	schemaVersionID, err := e.Resolver.ResolveSchemaVersion(ctx, asOf)
	if err != nil {
		return nil, err
	}
	ruleVersions, err := e.Repo.PublishedRules(ctx, schemaVersionID)
	if err != nil {
		return nil, err
	}
	doc, err := e.document(ctx, version, asOf)
	if err != nil {
		return nil, err
	}

	var emitted []domain.DomainEvent
	for _, rv := range ruleVersions {
		evt, fired, err := e.evaluateOne(ctx, rv, version, doc, asOf)
		if err != nil {
			e.Log.Warn("rule evaluation failed", "rule_version_id", rv.ID, "entity_id", version.EntityID, "err", err)
			continue
		}
		if fired {
			emitted = append(emitted, evt)
		}
	}
	if e.Sink == nil {
		return emitted, nil
	}
	for _, evt := range emitted {
		if err := e.Sink.HandleDomainEvent(ctx, evt); err != nil {
			e.Log.Warn("event sink failed", "event_id", evt.ID, "event_type", evt.EventType, "err", err)
		}
	}
	return emitted, nil
}

// evaluateOne records the evaluation state and, on a false-to-true
// transition, appends the event, all in one transaction.
func (e Engine) evaluateOne(ctx context.Context, rv domain.RuleVersion, version domain.EntityVersion, doc domain.Metadata, asOf time.Time) (domain.DomainEvent, bool, error) {
	result, err := Evaluate(rv.Configuration, doc)
	if err != nil {
		return domain.DomainEvent{}, false, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DomainEvent{}, false, err
	}
	defer tx.Rollback()

	previous, err := e.Repo.PreviousResult(ctx, tx, rv.ID, version.EntityID, asOf)
	if err != nil {
		return domain.DomainEvent{}, false, err
	}
	if err := e.Repo.UpsertEvaluationState(ctx, tx, domain.EvaluationState{
		RuleVersionID:  rv.ID,
		TargetObjectID: version.EntityID,
		TargetType:     "ENTITY",
		AsOf:           domain.FormatTime(asOf),
		Result:         result,
	}); err != nil {
		return domain.DomainEvent{}, false, err
	}

	transition := previous != nil && !*previous && result
	var evt domain.DomainEvent
	var inserted bool
	if transition {
		evt, inserted, err = e.Events.Append(ctx, tx, rv.ID, version.ID, rv.EventType, domain.Metadata{
			"entity_id": version.EntityID,
			"type_id":   version.TypeID,
			"as_of":     domain.FormatTime(asOf),
		})
		if err != nil {
			return domain.DomainEvent{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.DomainEvent{}, false, err
	}
	return evt, transition && inserted, nil
}

// document builds the evaluation subject: the snapshot plus identity fields,
// resolved at the same asOf as everything else in the pass.
func (e Engine) document(ctx context.Context, version domain.EntityVersion, asOf time.Time) (domain.Metadata, error) {
	snap, err := e.Resolver.GetSnapshotByVersion(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	return domain.Metadata{
		"id":         snap.ID,
		"type_id":    snap.TypeID,
		"attributes": map[string]any(snap.Attributes),
		"metadata":   map[string]any(snap.Metadata),
	}, nil
}

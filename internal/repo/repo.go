package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"ontoflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleInstance signals a lost optimistic-concurrency race on a
// workflow instance update.
var ErrStaleInstance = errors.New("workflow instance version conflict")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableP(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func marshalMeta(m domain.Metadata) (string, error) {
	if m == nil {
		m = domain.Metadata{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMeta(s sql.NullString) (domain.Metadata, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m domain.Metadata
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// PublishSchemaVersion inserts a published schema version row.
func (r Repo) PublishSchemaVersion(ctx context.Context, id string, publishedAt, now time.Time) (domain.SchemaVersion, error) {
	sv := domain.SchemaVersion{
		ID:          id,
		Status:      "PUBLISHED",
		PublishedAt: domain.FormatTime(publishedAt),
		CreatedAt:   domain.FormatTime(now),
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO schema_versions(id,status,published_at,created_at) VALUES (?,?,?,?)`,
		sv.ID, sv.Status, sv.PublishedAt, sv.CreatedAt)
	return sv, err
}

// ResolveSchemaVersionAt returns the id of the most recent PUBLISHED schema
// version with published_at <= asOf, or ErrNotFound.
func (r Repo) ResolveSchemaVersionAt(ctx context.Context, asOf time.Time) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx,
		`SELECT id FROM schema_versions WHERE status='PUBLISHED' AND published_at<=? ORDER BY published_at DESC LIMIT 1`,
		domain.FormatTime(asOf)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// ListSchemaVersions returns all schema versions, newest first.
func (r Repo) ListSchemaVersions(ctx context.Context) ([]domain.SchemaVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,COALESCE(published_at,''),created_at FROM schema_versions ORDER BY published_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SchemaVersion
	for rows.Next() {
		var sv domain.SchemaVersion
		if err := rows.Scan(&sv.ID, &sv.Status, &sv.PublishedAt, &sv.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, sv)
	}
	return res, rows.Err()
}

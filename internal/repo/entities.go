package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"ontoflow/internal/domain"
)

// EnsureEntity creates the entity row if it does not exist.
func (r Repo) EnsureEntity(ctx context.Context, tx *sql.Tx, entityID, typeID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO entities(id,type_id,created_at) VALUES (?,?,?)`,
		entityID, typeID, domain.FormatTime(now))
	return err
}

// CloseOpenEntityVersion terminates the currently valid version of an entity
// at validTo. A no-op when the entity has no open version.
func (r Repo) CloseOpenEntityVersion(ctx context.Context, tx *sql.Tx, entityID string, validTo time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE entity_versions SET valid_to=? WHERE entity_id=? AND valid_to IS NULL`,
		domain.FormatTime(validTo), entityID)
	return err
}

// InsertEntityVersion opens a new version row valid from validFrom.
func (r Repo) InsertEntityVersion(ctx context.Context, tx *sql.Tx, entityID, typeID, attributesJSON, metadataJSON string, deleted bool, validFrom time.Time) (domain.EntityVersion, error) {
	v := domain.EntityVersion{
		ID:         uuid.New().String(),
		EntityID:   entityID,
		TypeID:     typeID,
		Attributes: attributesJSON,
		Metadata:   metadataJSON,
		Deleted:    deleted,
		ValidFrom:  domain.FormatTime(validFrom),
	}
	del := 0
	if deleted {
		del = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO entity_versions(id,entity_id,type_id,attributes_json,metadata_json,deleted,valid_from,valid_to) VALUES (?,?,?,?,?,?,?,NULL)`,
		v.ID, v.EntityID, v.TypeID, v.Attributes, nullable(v.Metadata), del, v.ValidFrom)
	return v, err
}

const entityVersionCols = `id,entity_id,type_id,attributes_json,COALESCE(metadata_json,''),deleted,valid_from,valid_to`

func scanEntityVersion(row interface{ Scan(...any) error }) (domain.EntityVersion, error) {
	var v domain.EntityVersion
	var deleted int
	var validTo sql.NullString
	err := row.Scan(&v.ID, &v.EntityID, &v.TypeID, &v.Attributes, &v.Metadata, &deleted, &v.ValidFrom, &validTo)
	if err != nil {
		return v, err
	}
	v.Deleted = deleted != 0
	v.ValidTo = optionalString(validTo)
	return v, nil
}

// EntityVersionAt returns the version of entityID valid at asOf, or
// ErrNotFound. Versions with deleted=1 are still returned; callers decide
// whether a tombstone counts as existing.
func (r Repo) EntityVersionAt(ctx context.Context, entityID string, asOf time.Time) (domain.EntityVersion, error) {
	t := domain.FormatTime(asOf)
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+entityVersionCols+` FROM entity_versions
		 WHERE entity_id=? AND valid_from<=? AND (valid_to IS NULL OR valid_to>?)
		 ORDER BY valid_from DESC LIMIT 1`, entityID, t, t)
	v, err := scanEntityVersion(row)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

// EntityVersionByID fetches one version row by its primary key.
func (r Repo) EntityVersionByID(ctx context.Context, versionID string) (domain.EntityVersion, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+entityVersionCols+` FROM entity_versions WHERE id=?`, versionID)
	v, err := scanEntityVersion(row)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

// EntityVersionHistory returns all versions of an entity ordered by
// valid_from ascending.
func (r Repo) EntityVersionHistory(ctx context.Context, entityID string) ([]domain.EntityVersion, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+entityVersionCols+` FROM entity_versions WHERE entity_id=? ORDER BY valid_from ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EntityVersion
	for rows.Next() {
		v, err := scanEntityVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// InsertRelationship creates the relationship identity row.
func (r Repo) InsertRelationship(ctx context.Context, tx *sql.Tx, rel domain.Relationship) (domain.Relationship, error) {
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO relationships(id,type_name,forward_name,inverse_name,source_entity_id,target_entity_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		rel.ID, rel.TypeName, rel.ForwardName, rel.InverseName, rel.SourceEntityID, rel.TargetEntityID, rel.CreatedAt)
	return rel, err
}

// CloseOpenRelationshipVersion terminates the open version of a relationship.
func (r Repo) CloseOpenRelationshipVersion(ctx context.Context, tx *sql.Tx, relationshipID string, validTo time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE relationship_versions SET valid_to=? WHERE relationship_id=? AND valid_to IS NULL`,
		domain.FormatTime(validTo), relationshipID)
	return err
}

// InsertRelationshipVersion opens a new relationship version.
func (r Repo) InsertRelationshipVersion(ctx context.Context, tx *sql.Tx, relationshipID, propertiesJSON string, validFrom time.Time) (domain.RelationshipVersion, error) {
	v := domain.RelationshipVersion{
		ID:             uuid.New().String(),
		RelationshipID: relationshipID,
		Properties:     propertiesJSON,
		ValidFrom:      domain.FormatTime(validFrom),
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO relationship_versions(id,relationship_id,properties_json,valid_from,valid_to) VALUES (?,?,?,?,NULL)`,
		v.ID, v.RelationshipID, nullable(v.Properties), v.ValidFrom)
	return v, err
}

// RelationHop pairs a relationship row with the version valid at asOf and the
// id of the entity on the far side.
type RelationHop struct {
	Relationship domain.Relationship
	Version      domain.RelationshipVersion
	FarEntityID  string
}

// RelationsAt returns the relationships of entityID under relationName that
// were valid at asOf. Forward traversal matches forward_name on the source
// side; inverse traversal matches inverse_name on the target side.
func (r Repo) RelationsAt(ctx context.Context, entityID, relationName string, asOf time.Time) ([]RelationHop, error) {
	t := domain.FormatTime(asOf)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT r.id,r.type_name,r.forward_name,r.inverse_name,r.source_entity_id,r.target_entity_id,r.created_at,
		        v.id,v.relationship_id,COALESCE(v.properties_json,''),v.valid_from,v.valid_to
		 FROM relationships r
		 JOIN relationship_versions v ON v.relationship_id=r.id
		 WHERE ((r.source_entity_id=? AND r.forward_name=?) OR (r.target_entity_id=? AND r.inverse_name=?))
		   AND v.valid_from<=? AND (v.valid_to IS NULL OR v.valid_to>?)
		 ORDER BY r.created_at ASC`,
		entityID, relationName, entityID, relationName, t, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RelationHop
	for rows.Next() {
		var h RelationHop
		var validTo sql.NullString
		if err := rows.Scan(
			&h.Relationship.ID, &h.Relationship.TypeName, &h.Relationship.ForwardName, &h.Relationship.InverseName,
			&h.Relationship.SourceEntityID, &h.Relationship.TargetEntityID, &h.Relationship.CreatedAt,
			&h.Version.ID, &h.Version.RelationshipID, &h.Version.Properties, &h.Version.ValidFrom, &validTo,
		); err != nil {
			return nil, err
		}
		h.Version.ValidTo = optionalString(validTo)
		if h.Relationship.SourceEntityID == entityID {
			h.FarEntityID = h.Relationship.TargetEntityID
		} else {
			h.FarEntityID = h.Relationship.SourceEntityID
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

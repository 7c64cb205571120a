// Package snapshot reconstructs point-in-time views of the entity graph.
// Every read resolves against a single asOf instant so one request never
// mixes states from different times.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ontoflow/internal/domain"
	"ontoflow/internal/repo"
)

// ErrNoPublishedVersion means no schema version was published at or before
// the requested instant.
var ErrNoPublishedVersion = errors.New("no published schema version at requested time")

// ErrNotFound mirrors repo.ErrNotFound for callers that only import snapshot.
var ErrNotFound = repo.ErrNotFound

type Resolver struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ResolveSchemaVersion maps an asOf instant to the schema version id that
// governed the ontology at that time.
func (r Resolver) ResolveSchemaVersion(ctx context.Context, asOf time.Time) (string, error) {
	id, err := r.Repo.ResolveSchemaVersionAt(ctx, asOf)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrNoPublishedVersion
	}
	return id, err
}

// PutEntity records a new state for an entity: the open version (if any) is
// closed at validFrom and a new version opens at validFrom. Returns the new
// version row.
func (r Resolver) PutEntity(ctx context.Context, entityID, typeID string, attributes, metadata domain.Metadata, validFrom time.Time) (domain.EntityVersion, error) {
	attrJSON, err := json.Marshal(orEmpty(attributes))
	if err != nil {
		return domain.EntityVersion{}, fmt.Errorf("marshal attributes: %w", err)
	}
	var metaJSON string
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return domain.EntityVersion{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	defer tx.Rollback()

	if err := r.Repo.EnsureEntity(ctx, tx, entityID, typeID, r.now()); err != nil {
		return domain.EntityVersion{}, err
	}
	if err := r.Repo.CloseOpenEntityVersion(ctx, tx, entityID, validFrom); err != nil {
		return domain.EntityVersion{}, err
	}
	v, err := r.Repo.InsertEntityVersion(ctx, tx, entityID, typeID, string(attrJSON), metaJSON, false, validFrom)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	return v, tx.Commit()
}

// DeleteEntity closes the open version and opens a tombstone version, so
// history before validFrom stays resolvable.
func (r Resolver) DeleteEntity(ctx context.Context, entityID string, validFrom time.Time) (domain.EntityVersion, error) {
	current, err := r.Repo.EntityVersionAt(ctx, entityID, validFrom)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	defer tx.Rollback()

	if err := r.Repo.CloseOpenEntityVersion(ctx, tx, entityID, validFrom); err != nil {
		return domain.EntityVersion{}, err
	}
	v, err := r.Repo.InsertEntityVersion(ctx, tx, entityID, current.TypeID, current.Attributes, current.Metadata, true, validFrom)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	return v, tx.Commit()
}

// PutRelationship creates a relationship and opens its first version. When
// the relationship already exists callers should use UpdateRelationship.
func (r Resolver) PutRelationship(ctx context.Context, rel domain.Relationship, properties domain.Metadata, validFrom time.Time) (domain.Relationship, domain.RelationshipVersion, error) {
	propsJSON, err := propertiesJSON(properties)
	if err != nil {
		return rel, domain.RelationshipVersion{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return rel, domain.RelationshipVersion{}, err
	}
	defer tx.Rollback()

	rel.CreatedAt = domain.FormatTime(r.now())
	rel, err = r.Repo.InsertRelationship(ctx, tx, rel)
	if err != nil {
		return rel, domain.RelationshipVersion{}, err
	}
	rv, err := r.Repo.InsertRelationshipVersion(ctx, tx, rel.ID, propsJSON, validFrom)
	if err != nil {
		return rel, domain.RelationshipVersion{}, err
	}
	return rel, rv, tx.Commit()
}

// UpdateRelationship closes the open version of a relationship and opens a
// new one with the given properties.
func (r Resolver) UpdateRelationship(ctx context.Context, relationshipID string, properties domain.Metadata, validFrom time.Time) (domain.RelationshipVersion, error) {
	propsJSON, err := propertiesJSON(properties)
	if err != nil {
		return domain.RelationshipVersion{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RelationshipVersion{}, err
	}
	defer tx.Rollback()

	if err := r.Repo.CloseOpenRelationshipVersion(ctx, tx, relationshipID, validFrom); err != nil {
		return domain.RelationshipVersion{}, err
	}
	rv, err := r.Repo.InsertRelationshipVersion(ctx, tx, relationshipID, propsJSON, validFrom)
	if err != nil {
		return domain.RelationshipVersion{}, err
	}
	return rv, tx.Commit()
}

// GetSnapshot reconstructs one entity at asOf. A tombstone version or no
// version at all both resolve to ErrNotFound.
func (r Resolver) GetSnapshot(ctx context.Context, entityID string, asOf time.Time) (domain.EntitySnapshot, error) {
	v, err := r.Repo.EntityVersionAt(ctx, entityID, asOf)
	if err != nil {
		return domain.EntitySnapshot{}, err
	}
	if v.Deleted {
		return domain.EntitySnapshot{}, ErrNotFound
	}
	return snapshotFromVersion(v)
}

// GetSnapshotByVersion reconstructs the snapshot for one specific version
// row, regardless of asOf.
func (r Resolver) GetSnapshotByVersion(ctx context.Context, versionID string) (domain.EntitySnapshot, error) {
	v, err := r.Repo.EntityVersionByID(ctx, versionID)
	if err != nil {
		return domain.EntitySnapshot{}, err
	}
	return snapshotFromVersion(v)
}

// Traverse follows one named relation from an entity and resolves every
// target at the same asOf. Targets deleted at asOf are skipped; the whole
// result set is internally consistent at that single instant.
func (r Resolver) Traverse(ctx context.Context, entityID, relationName string, asOf time.Time) ([]domain.TraversalResult, error) {
	hops, err := r.Repo.RelationsAt(ctx, entityID, relationName, asOf)
	if err != nil {
		return nil, err
	}
	var res []domain.TraversalResult
	for _, h := range hops {
		target, err := r.GetSnapshot(ctx, h.FarEntityID, asOf)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var props domain.Metadata
		if h.Version.Properties != "" {
			if err := json.Unmarshal([]byte(h.Version.Properties), &props); err != nil {
				return nil, fmt.Errorf("relationship %s properties: %w", h.Relationship.ID, err)
			}
		}
		res = append(res, domain.TraversalResult{
			RelationshipID: h.Relationship.ID,
			VersionID:      h.Version.ID,
			Properties:     props,
			Target:         target,
		})
	}
	return res, nil
}

// VersionHistory returns the full bi-temporal history of an entity as
// snapshots, oldest first. Tombstones are included so callers can see when
// the entity stopped existing.
func (r Resolver) VersionHistory(ctx context.Context, entityID string) ([]domain.EntitySnapshot, error) {
	versions, err := r.Repo.EntityVersionHistory(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	res := make([]domain.EntitySnapshot, 0, len(versions))
	for _, v := range versions {
		s, err := snapshotFromVersion(v)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func snapshotFromVersion(v domain.EntityVersion) (domain.EntitySnapshot, error) {
	var attrs domain.Metadata
	if err := json.Unmarshal([]byte(v.Attributes), &attrs); err != nil {
		return domain.EntitySnapshot{}, fmt.Errorf("entity version %s attributes: %w", v.ID, err)
	}
	var meta domain.Metadata
	if v.Metadata != "" {
		if err := json.Unmarshal([]byte(v.Metadata), &meta); err != nil {
			return domain.EntitySnapshot{}, fmt.Errorf("entity version %s metadata: %w", v.ID, err)
		}
	}
	return domain.EntitySnapshot{
		ID:         v.EntityID,
		VersionID:  v.ID,
		TypeID:     v.TypeID,
		Attributes: attrs,
		Metadata:   meta,
		ValidFrom:  v.ValidFrom,
		ValidTo:    v.ValidTo,
	}, nil
}

func orEmpty(m domain.Metadata) domain.Metadata {
	if m == nil {
		return domain.Metadata{}
	}
	return m
}

func propertiesJSON(properties domain.Metadata) (string, error) {
	if properties == nil {
		return "", nil
	}
	b, err := json.Marshal(properties)
	if err != nil {
		return "", fmt.Errorf("marshal relationship properties: %w", err)
	}
	return string(b), nil
}

package snapshot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ontoflow/internal/db"
	"ontoflow/internal/domain"
	"ontoflow/internal/migrate"
	"ontoflow/internal/repo"
	"ontoflow/internal/snapshot"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newResolver(t *testing.T) (snapshot.Resolver, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	return snapshot.Resolver{DB: conn, Repo: r, Now: func() time.Time { return t0 }}, context.Background()
}

func TestVersionBoundaries(t *testing.T) {
	res, ctx := newResolver(t)
	v1Time := t0.Add(time.Hour)
	v2Time := t0.Add(2 * time.Hour)

	if _, err := res.PutEntity(ctx, "e-1", "server", domain.Metadata{"n": 1}, nil, v1Time); err != nil {
		t.Fatal(err)
	}
	if _, err := res.PutEntity(ctx, "e-1", "server", domain.Metadata{"n": 2}, nil, v2Time); err != nil {
		t.Fatal(err)
	}

	// Before the first version: not found.
	if _, err := res.GetSnapshot(ctx, "e-1", v1Time.Add(-time.Second)); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("before v1: got %v, want ErrNotFound", err)
	}
	// Exactly at valid_from: the version is live (inclusive lower bound).
	snap, err := res.GetSnapshot(ctx, "e-1", v1Time)
	if err != nil {
		t.Fatalf("at v1: %v", err)
	}
	if snap.Attributes["n"] != float64(1) {
		t.Fatalf("at v1: n=%v, want 1", snap.Attributes["n"])
	}
	// One instant before v2: still v1 (exclusive upper bound).
	snap, err = res.GetSnapshot(ctx, "e-1", v2Time.Add(-time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Attributes["n"] != float64(1) {
		t.Fatalf("just before v2: n=%v, want 1", snap.Attributes["n"])
	}
	// At v2's valid_from: v2.
	snap, err = res.GetSnapshot(ctx, "e-1", v2Time)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Attributes["n"] != float64(2) {
		t.Fatalf("at v2: n=%v, want 2", snap.Attributes["n"])
	}
}

func TestDeleteKeepsHistory(t *testing.T) {
	res, ctx := newResolver(t)
	v1Time := t0.Add(time.Hour)
	delTime := t0.Add(2 * time.Hour)

	if _, err := res.PutEntity(ctx, "e-1", "server", domain.Metadata{"status": "active"}, nil, v1Time); err != nil {
		t.Fatal(err)
	}
	if _, err := res.DeleteEntity(ctx, "e-1", delTime); err != nil {
		t.Fatal(err)
	}

	// Present-time read fails.
	if _, err := res.GetSnapshot(ctx, "e-1", delTime); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("after delete: got %v, want ErrNotFound", err)
	}
	// Historical read still works.
	snap, err := res.GetSnapshot(ctx, "e-1", delTime.Add(-time.Minute))
	if err != nil {
		t.Fatalf("historical read: %v", err)
	}
	if snap.Attributes["status"] != "active" {
		t.Fatalf("historical attributes lost: %+v", snap.Attributes)
	}
	// History shows both versions.
	history, err := res.VersionHistory(ctx, "e-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length %d, want 2", len(history))
	}
}

func TestTraverseResolvesAtSameInstant(t *testing.T) {
	res, ctx := newResolver(t)
	linkTime := t0.Add(time.Hour)
	renameTime := t0.Add(2 * time.Hour)

	if _, err := res.PutEntity(ctx, "host-1", "server", domain.Metadata{"name": "alpha"}, nil, linkTime); err != nil {
		t.Fatal(err)
	}
	if _, err := res.PutEntity(ctx, "svc-1", "service", domain.Metadata{"name": "api"}, nil, linkTime); err != nil {
		t.Fatal(err)
	}
	if _, _, err := res.PutRelationship(ctx, domain.Relationship{
		TypeName:       "hosting",
		ForwardName:    "hosts",
		InverseName:    "hosted_on",
		SourceEntityID: "host-1",
		TargetEntityID: "svc-1",
	}, domain.Metadata{"port": 8080}, linkTime); err != nil {
		t.Fatal(err)
	}
	// Rename the service later.
	if _, err := res.PutEntity(ctx, "svc-1", "service", domain.Metadata{"name": "api-v2"}, nil, renameTime); err != nil {
		t.Fatal(err)
	}

	// Forward traversal at the old instant sees the old name.
	hops, err := res.Traverse(ctx, "host-1", "hosts", linkTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(hops) != 1 {
		t.Fatalf("hops=%d, want 1", len(hops))
	}
	if hops[0].Target.Attributes["name"] != "api" {
		t.Fatalf("old instant resolved name %v, want api", hops[0].Target.Attributes["name"])
	}
	if hops[0].Properties["port"] != float64(8080) {
		t.Fatalf("relationship properties lost: %+v", hops[0].Properties)
	}

	// Inverse traversal at the new instant sees the new name on the far side.
	hops, err = res.Traverse(ctx, "svc-1", "hosted_on", renameTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(hops) != 1 || hops[0].Target.Attributes["name"] != "alpha" {
		t.Fatalf("inverse traversal: %+v", hops)
	}

	// Before the relationship existed: nothing.
	hops, err = res.Traverse(ctx, "host-1", "hosts", linkTime.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(hops) != 0 {
		t.Fatalf("traversal before link returned %d hops", len(hops))
	}
}

func TestTraverseSkipsDeletedTargets(t *testing.T) {
	res, ctx := newResolver(t)
	linkTime := t0.Add(time.Hour)
	delTime := t0.Add(2 * time.Hour)

	if _, err := res.PutEntity(ctx, "host-1", "server", domain.Metadata{}, nil, linkTime); err != nil {
		t.Fatal(err)
	}
	if _, err := res.PutEntity(ctx, "svc-1", "service", domain.Metadata{}, nil, linkTime); err != nil {
		t.Fatal(err)
	}
	if _, _, err := res.PutRelationship(ctx, domain.Relationship{
		TypeName: "hosting", ForwardName: "hosts", InverseName: "hosted_on",
		SourceEntityID: "host-1", TargetEntityID: "svc-1",
	}, nil, linkTime); err != nil {
		t.Fatal(err)
	}
	if _, err := res.DeleteEntity(ctx, "svc-1", delTime); err != nil {
		t.Fatal(err)
	}

	hops, err := res.Traverse(ctx, "host-1", "hosts", delTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(hops) != 0 {
		t.Fatalf("deleted target still traversed: %+v", hops)
	}
}

func TestResolveSchemaVersion(t *testing.T) {
	res, ctx := newResolver(t)
	if _, err := res.ResolveSchemaVersion(ctx, t0); !errors.Is(err, snapshot.ErrNoPublishedVersion) {
		t.Fatalf("got %v, want ErrNoPublishedVersion", err)
	}
	if _, err := res.Repo.PublishSchemaVersion(ctx, "schema-1", t0, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := res.Repo.PublishSchemaVersion(ctx, "schema-2", t0.Add(time.Hour), t0); err != nil {
		t.Fatal(err)
	}

	id, err := res.ResolveSchemaVersion(ctx, t0.Add(time.Minute))
	if err != nil || id != "schema-1" {
		t.Fatalf("resolved %q, %v; want schema-1", id, err)
	}
	id, err = res.ResolveSchemaVersion(ctx, t0.Add(2*time.Hour))
	if err != nil || id != "schema-2" {
		t.Fatalf("resolved %q, %v; want schema-2", id, err)
	}
}

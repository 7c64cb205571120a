package action_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ontoflow/internal/action"
	"ontoflow/internal/db"
	"ontoflow/internal/domain"
	"ontoflow/internal/migrate"
)

func TestRESTConnector(t *testing.T) {
	var gotBody map[string]any
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Token")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	c := action.NewRESTConnector(5 * time.Second)
	out, err := c.Execute(context.Background(), domain.Metadata{
		"url":     srv.URL,
		"headers": map[string]any{"X-Token": "secret"},
	}, domain.Metadata{"target": "db-7"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotBody["target"] != "db-7" || gotHeader != "secret" {
		t.Fatalf("request body=%v header=%q", gotBody, gotHeader)
	}
	if out["status_code"] != http.StatusOK {
		t.Fatalf("output %+v", out)
	}
	body, ok := out["body"].(map[string]any)
	if !ok || body["accepted"] != true {
		t.Fatalf("body %+v", out["body"])
	}
}

func TestRESTConnectorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := action.NewRESTConnector(5 * time.Second)
	if _, err := c.Execute(context.Background(), domain.Metadata{"url": srv.URL}, nil); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestSQLConnector(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}

	c := action.SQLConnector{DB: conn}
	out, err := c.Execute(context.Background(), domain.Metadata{
		"statement": `INSERT INTO entities(id,type_id,created_at) VALUES (?,?,?)`,
		"args":      []any{"entity_id", "type_id", "created_at"},
	}, domain.Metadata{
		"entity_id":  "e-1",
		"type_id":    "server",
		"created_at": "2024-01-01T00:00:00.000Z",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["rows_affected"] != int64(1) {
		t.Fatalf("output %+v", out)
	}
}

func TestScriptConnector(t *testing.T) {
	c, err := action.NewScriptConnector(100000)
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Execute(context.Background(), domain.Metadata{
		"expression": `input.cpu > 90 ? "alert" : "ok"`,
	}, domain.Metadata{"cpu": 95})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["result"] != "alert" {
		t.Fatalf("result %v, want alert", out["result"])
	}

	// Compile errors surface instead of failing silently.
	if _, err := c.Execute(context.Background(), domain.Metadata{"expression": `input.cpu >`}, nil); err == nil {
		t.Fatal("expected compile error")
	}
	// Missing expression is an error.
	if _, err := c.Execute(context.Background(), domain.Metadata{}, nil); err == nil {
		t.Fatal("expected config error")
	}
}

package testutil

import (
	"context"
	"testing"
)

func TestStubDBCommitsUpserts(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2)`, "blocs", []byte(`{}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, ok := conn.Payload("blocs"); ok {
		t.Fatalf("uncommitted write visible")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if p, ok := conn.Payload("blocs"); !ok || string(p) != `{}` {
		t.Fatalf("expected committed payload, got %q", p)
	}

	conn.Set("cycles", []byte(`[]`))
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var name string
		var payload []byte
		if err := rows.Scan(&name, &payload); err != nil {
			t.Fatalf("scan: %v", err)
		}
		names = append(names, name)
	}
	if len(names) != 2 || names[0] != "blocs" || names[1] != "cycles" {
		t.Fatalf("unexpected buckets %v", names)
	}
}

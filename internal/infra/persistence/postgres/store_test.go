package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"fieldops/internal/infra/persistence/memory"
	"fieldops/internal/infra/persistence/postgres/testutil"
	"fieldops/pkg/domain"
)

func openStub(t *testing.T) (*sql.DB, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	return db, conn
}

func TestNewStoreCreatesStateTableAndLoadsSnapshot(t *testing.T) {
	_, conn := openStub(t)
	blocs, _ := json.Marshal(map[string]domain.Bloc{"b1": {ID: "b1", Name: "North", AreaHectares: 25.5}})
	conn.Set("blocs", blocs)
	conn.Set("legacy_bucket", []byte(`{"ignored":true}`))

	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS STATE") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected state table DDL, got execs: %v", conn.Execs)
	}
	snap, err := store.FetchSubtree(context.Background(), "b1")
	if err != nil {
		t.Fatalf("fetch loaded bloc: %v", err)
	}
	if snap.Bloc.Name != "North" {
		t.Fatalf("unexpected bloc %+v", snap.Bloc)
	}
}

func TestWritesPersistEveryBucket(t *testing.T) {
	_, conn := openStub(t)
	store, err := NewStore("ignored")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	blocID, err := store.CreateNode(ctx, domain.KindBloc, domain.Bloc{Name: "North", AreaHectares: 12})
	if err != nil {
		t.Fatalf("create bloc: %v", err)
	}
	for _, bucket := range memory.Buckets {
		if _, ok := conn.Payload(bucket); !ok {
			t.Fatalf("bucket %s not persisted", bucket)
		}
	}
	payload, _ := conn.Payload("blocs")
	var stored map[string]domain.Bloc
	if err := json.Unmarshal(payload, &stored); err != nil {
		t.Fatalf("decode blocs: %v", err)
	}
	if stored[blocID].AreaHectares != 12 {
		t.Fatalf("unexpected persisted blocs %+v", stored)
	}
}

func TestReopenRestoresState(t *testing.T) {
	db, conn := openStub(t)
	store, err := NewStore("first")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	blocID, err := store.CreateNode(ctx, domain.KindBloc, domain.Bloc{Name: "North", AreaHectares: 12})
	if err != nil {
		t.Fatalf("create bloc: %v", err)
	}

	second := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer second()
	reopened, err := NewStore("second")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if blocs := reopened.ListBlocs(); len(blocs) != 1 || blocs[0].ID != blocID {
		t.Fatalf("expected bloc %s after reopen, got %+v", blocID, blocs)
	}
	if len(conn.Execs) == 0 {
		t.Fatalf("expected statements to be recorded")
	}
}

func TestPersistFailureRejectsWrite(t *testing.T) {
	_, conn := openStub(t)
	store, err := NewStore("ignored")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	for _, tc := range []struct {
		name  string
		apply func()
		reset func()
	}{
		{"begin", func() { conn.FailBegin = true }, func() { conn.FailBegin = false }},
		{"commit", func() { conn.FailCommit = true }, func() { conn.FailCommit = false }},
		{"bucket", func() { conn.FailBuckets = map[string]bool{"line_items": true} }, func() { conn.FailBuckets = nil }},
	} {
		tc.apply()
		_, err := store.CreateNode(ctx, domain.KindBloc, domain.Bloc{Name: tc.name, AreaHectares: 1})
		tc.reset()
		var rerr *domain.RemoteError
		if !errors.As(err, &rerr) || rerr.Kind != domain.RemoteUnavailable {
			t.Fatalf("%s: expected unavailable remote error, got %v", tc.name, err)
		}
	}
	if n := len(store.ListBlocs()); n != 0 {
		t.Fatalf("failed writes must not commit, have %d blocs", n)
	}
	if _, ok := conn.Payload("blocs"); ok {
		t.Fatalf("failed writes must not reach the table")
	}

	if _, err := store.CreateNode(ctx, domain.KindBloc, domain.Bloc{Name: "ok", AreaHectares: 1}); err != nil {
		t.Fatalf("create after recovery: %v", err)
	}
}

func TestNewStoreErrors(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("no driver") })
		defer restore()
		if _, err := NewStore("x"); err == nil || !strings.Contains(err.Error(), "open postgres") {
			t.Fatalf("expected open error, got %v", err)
		}
	})
	t.Run("ping", func(t *testing.T) {
		_, conn := openStub(t)
		conn.FailPing = true
		if _, err := NewStore("x"); err == nil || !strings.Contains(err.Error(), "ping postgres") {
			t.Fatalf("expected ping error, got %v", err)
		}
	})
	t.Run("ddl", func(t *testing.T) {
		_, conn := openStub(t)
		conn.FailExec = true
		if _, err := NewStore("x"); err == nil || !strings.Contains(err.Error(), "ensure state table") {
			t.Fatalf("expected ddl error, got %v", err)
		}
	})
	t.Run("decode", func(t *testing.T) {
		_, conn := openStub(t)
		conn.Set("cycles", []byte(`not json`))
		if _, err := NewStore("x"); err == nil || !strings.Contains(err.Error(), "decode cycles") {
			t.Fatalf("expected decode error, got %v", err)
		}
	})
	t.Run("rows", func(t *testing.T) {
		_, conn := openStub(t)
		conn.RowsErr = errors.New("cursor lost")
		if _, err := NewStore("x"); err == nil || !strings.Contains(err.Error(), "iterate state") {
			t.Fatalf("expected iterate error, got %v", err)
		}
	})
}

func TestTotalsAndRevenueSurviveReopen(t *testing.T) {
	db, _ := openStub(t)
	store, err := NewStore("x", memory.WithIDGenerator(func(kind domain.NodeKind) string { return string(kind) + "-1" }))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	store.ImportState(memory.Snapshot{
		Blocs:  map[string]domain.Bloc{"b1": {ID: "b1", Name: "North", AreaHectares: 10}},
		Cycles: map[string]domain.CropCycle{"c1": {ID: "c1", BlocID: "b1", Type: domain.CyclePlantation, CycleNumber: 1, Status: domain.CycleActive}},
	})
	if err := store.AddRevenue(ctx, domain.RevenueEntry{ID: "r1", CropCycleID: "c1", Amount: decimal.NewFromInt(1000), Tons: 80}); err != nil {
		t.Fatalf("add revenue: %v", err)
	}
	if _, err := store.WriteCycleTotals(ctx, "c1", domain.CycleTotals{TotalRevenue: decimal.NewFromInt(1000)}); err != nil {
		t.Fatalf("write totals: %v", err)
	}

	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	reopened, err := NewStore("x")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.RevenueEntries("c1"); len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("unexpected revenue %+v", got)
	}
	totals := reopened.ExportState().Cycles["c1"].Totals
	if !totals.TotalRevenue.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

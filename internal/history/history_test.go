package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "history.db"),
	}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestStore_AppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recs := []*Record{
		{CapabilityID: "adder", Success: true, ElapsedMS: 12, CreatedAt: time.Now().UTC().Add(-2 * time.Minute)},
		{CapabilityID: "adder", Success: false, Error: "boom", CreatedAt: time.Now().UTC().Add(-time.Minute)},
		{CapabilityID: "haiku", Success: true, CreatedAt: time.Now().UTC()},
	}
	for _, rec := range recs {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := store.List(ctx, Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d records, want 3", len(all))
	}
	if all[0].CapabilityID != "haiku" {
		t.Errorf("first record = %s, want newest first", all[0].CapabilityID)
	}
}

func TestStore_ListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []*Record{
		{CapabilityID: "adder", Success: true},
		{CapabilityID: "adder", Success: false, Error: "boom"},
		{CapabilityID: "haiku", Success: true},
	} {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	byCap, err := store.List(ctx, Query{CapabilityID: "adder"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byCap) != 2 {
		t.Errorf("adder records = %d, want 2", len(byCap))
	}

	failures, err := store.List(ctx, Query{OnlyFailures: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failures) != 1 || failures[0].Error != "boom" {
		t.Errorf("failures = %+v, want single boom record", failures)
	}

	limited, err := store.List(ctx, Query{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited = %d records, want 1", len(limited))
	}
}

func TestStore_AppendFillsDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &Record{CapabilityID: "adder", Success: true}
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("id not assigned")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("created_at not assigned")
	}
}

func TestStore_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []*Record{
		{CapabilityID: "adder", Success: true, ElapsedMS: 10},
		{CapabilityID: "adder", Success: false, ElapsedMS: 30},
		{CapabilityID: "haiku", Success: true, ElapsedMS: 100},
	} {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %d entries, want 2", len(stats))
	}
	adder := stats[0]
	if adder.CapabilityID != "adder" {
		t.Fatalf("first stat = %s, want adder (sorted)", adder.CapabilityID)
	}
	if adder.Executions != 2 || adder.Failures != 1 {
		t.Errorf("adder stats = %+v", adder)
	}
	if adder.AvgElapsedMS != 20 {
		t.Errorf("avg = %f, want 20", adder.AvgElapsedMS)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "cassandra"}, nil); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestOpen_SQLiteRequiresPath(t *testing.T) {
	if _, err := Open(Config{Driver: DriverSQLite}, nil); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestOpen_AppliesPoolLimits(t *testing.T) {
	store, err := Open(Config{
		Driver:          DriverSQLite,
		Path:            filepath.Join(t.TempDir(), "pool.db"),
		MaxOpenConns:    7,
		MaxIdleConns:    3,
		ConnMaxLifetime: time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})

	sqlDB, err := store.(*gormStore).db.DB()
	if err != nil {
		t.Fatalf("pool handle: %v", err)
	}
	if got := sqlDB.Stats().MaxOpenConnections; got != 7 {
		t.Errorf("MaxOpenConnections = %d, want 7", got)
	}
}

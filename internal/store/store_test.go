package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return st
}

func payload(s string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"v":%q}`, s))
}

func TestSetAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	now := time.Now().Truncate(time.Millisecond)
	res, err := tbl.Set(ctx, &Row{ID: "s1", TenantID: "show-1", Payload: payload("a"), UpdatedAt: now})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !res.Applied || res.Conflict {
		t.Errorf("Expected clean apply, got %+v", res)
	}

	got, err := tbl.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TenantID != "show-1" {
		t.Errorf("Expected tenant show-1, got %s", got.TenantID)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("Expected updated_at %v, got %v", now, got.UpdatedAt)
	}
	if got.Dirty {
		t.Error("Synced row should not be dirty")
	}

	if _, err := tbl.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestGetAllFiltersByTenant(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	now := time.Now()
	for i, tenant := range []string{"show-1", "show-1", "show-2"} {
		_, err := tbl.Set(ctx, &Row{ID: fmt.Sprintf("s%d", i), TenantID: tenant, Payload: payload("x"), UpdatedAt: now})
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	rows, err := tbl.GetAll(ctx, "show-1")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("Expected 2 rows for show-1, got %d", len(rows))
	}

	all, err := tbl.GetAll(ctx, "")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 rows unfiltered, got %d", len(all))
	}
}

func TestSetKeepsNewerDirtyRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	if _, err := tbl.ApplyLocal(ctx, OpUpdate, &Row{ID: "s1", TenantID: "show-1", Payload: payload("local")}, nil); err != nil {
		t.Fatalf("ApplyLocal failed: %v", err)
	}

	// Stale remote copy loses against the newer dirty local write.
	res, err := tbl.Set(ctx, &Row{ID: "s1", TenantID: "show-1", Payload: payload("remote"), UpdatedAt: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if res.Applied || !res.Conflict {
		t.Errorf("Expected conflict with local winner, got %+v", res)
	}

	got, err := tbl.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Payload) != string(payload("local")) {
		t.Errorf("Local write was overwritten: %s", got.Payload)
	}
	if !got.Dirty {
		t.Error("Row should still be dirty")
	}
}

func TestSetNewerRemoteReplacesDirtyRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	if _, err := tbl.ApplyLocal(ctx, OpUpdate, &Row{ID: "s1", TenantID: "show-1", Payload: payload("local")}, nil); err != nil {
		t.Fatalf("ApplyLocal failed: %v", err)
	}

	res, err := tbl.Set(ctx, &Row{ID: "s1", TenantID: "show-1", Payload: payload("remote"), UpdatedAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !res.Applied || !res.Conflict {
		t.Errorf("Expected conflicted apply, got %+v", res)
	}

	got, err := tbl.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Payload) != string(payload("remote")) {
		t.Errorf("Newer remote copy should win: %s", got.Payload)
	}
	if got.Dirty {
		t.Error("Row should be clean after remote won")
	}
}

func TestBatchSet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	now := time.Now()
	rows := make([]*Row, 50)
	for i := range rows {
		rows[i] = &Row{ID: fmt.Sprintf("s%03d", i), TenantID: "show-1", Payload: payload("x"), UpdatedAt: now}
	}
	if err := tbl.BatchSet(ctx, rows); err != nil {
		t.Fatalf("BatchSet failed: %v", err)
	}

	stats, err := tbl.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Rows != 50 {
		t.Errorf("Expected 50 rows, got %d", stats.Rows)
	}
	if stats.Dirty != 0 {
		t.Errorf("Expected no dirty rows, got %d", stats.Dirty)
	}
}

func TestEvictLRUOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	// Same batch, same access time: eviction order falls back to id.
	rows := []*Row{
		{ID: "a", TenantID: "show-1", Payload: payload("aaaa"), UpdatedAt: time.Now()},
		{ID: "b", TenantID: "show-1", Payload: payload("bbbb"), UpdatedAt: time.Now()},
		{ID: "c", TenantID: "show-1", Payload: payload("cccc"), UpdatedAt: time.Now()},
	}
	if err := tbl.BatchSet(ctx, rows); err != nil {
		t.Fatalf("BatchSet failed: %v", err)
	}

	stats, err := tbl.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	perRow := stats.Bytes / 3

	// Target leaves room for exactly one row.
	evicted, err := tbl.EvictLRU(ctx, perRow)
	if err != nil {
		t.Fatalf("EvictLRU failed: %v", err)
	}
	if evicted != 2 {
		t.Errorf("Expected 2 evictions, got %d", evicted)
	}

	if _, err := tbl.Get(ctx, "c"); err != nil {
		t.Errorf("Most recent id should survive: %v", err)
	}
	if _, err := tbl.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected a evicted, got %v", err)
	}
}

func TestEvictLRUNeverEvictsDirtyRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	if _, err := tbl.ApplyLocal(ctx, OpInsert, &Row{ID: "dirty", TenantID: "show-1", Payload: payload("keep")}, nil); err != nil {
		t.Fatalf("ApplyLocal failed: %v", err)
	}
	if err := tbl.BatchSet(ctx, []*Row{{ID: "clean", TenantID: "show-1", Payload: payload("drop"), UpdatedAt: time.Now()}}); err != nil {
		t.Fatalf("BatchSet failed: %v", err)
	}

	if _, err := tbl.EvictLRU(ctx, 0); err != nil {
		t.Fatalf("EvictLRU failed: %v", err)
	}

	if _, err := tbl.Get(ctx, "dirty"); err != nil {
		t.Errorf("Dirty row must never be evicted: %v", err)
	}
	if _, err := tbl.Get(ctx, "clean"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Clean row should be gone, got %v", err)
	}
}

func TestPruneSyncedBefore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	if err := tbl.BatchSet(ctx, []*Row{{ID: "old", TenantID: "show-1", Payload: payload("x"), UpdatedAt: time.Now()}}); err != nil {
		t.Fatalf("BatchSet failed: %v", err)
	}
	if _, err := tbl.ApplyLocal(ctx, OpInsert, &Row{ID: "dirty", TenantID: "show-1", Payload: payload("y")}, nil); err != nil {
		t.Fatalf("ApplyLocal failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()

	pruned, err := tbl.PruneSyncedBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("PruneSyncedBefore failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Expected 1 pruned row, got %d", pruned)
	}
	if _, err := tbl.Get(ctx, "dirty"); err != nil {
		t.Errorf("Dirty row must survive pruning: %v", err)
	}
}

func TestClearDirty(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	if _, err := tbl.ApplyLocal(ctx, OpInsert, &Row{ID: "s1", TenantID: "show-1", Payload: payload("x")}, nil); err != nil {
		t.Fatalf("ApplyLocal failed: %v", err)
	}
	if err := tbl.ClearDirty(ctx, "s1"); err != nil {
		t.Fatalf("ClearDirty failed: %v", err)
	}

	got, err := tbl.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Dirty {
		t.Error("Row should be clean")
	}
	if got.LastSyncedAt.IsZero() {
		t.Error("ClearDirty should stamp last_synced_at")
	}
}

func TestClearRemovesRowsAndMetaButKeepsMutations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	if _, err := tbl.ApplyLocal(ctx, OpInsert, &Row{ID: "s1", TenantID: "show-1", Payload: payload("x")}, nil); err != nil {
		t.Fatalf("ApplyLocal failed: %v", err)
	}
	if err := tbl.PutMeta(ctx, &Meta{Table: "scores", LastFullSyncAt: time.Now(), LastIncrementalSyncAt: time.Now(), TotalRows: 1}); err != nil {
		t.Fatalf("PutMeta failed: %v", err)
	}

	if err := tbl.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	stats, err := tbl.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Rows != 0 {
		t.Errorf("Expected empty table, got %d rows", stats.Rows)
	}

	meta, err := tbl.Meta(ctx)
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if meta != nil {
		t.Error("Meta should be gone after Clear")
	}

	count, err := st.PendingMutationCount(ctx)
	if err != nil {
		t.Fatalf("PendingMutationCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Pending mutations must survive Clear, got %d", count)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	tbl := st.Table("scores")

	meta, err := tbl.Meta(ctx)
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if meta != nil {
		t.Fatal("Expected nil meta before first sync")
	}

	full := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	incr := time.Now().Truncate(time.Millisecond)
	if err := tbl.PutMeta(ctx, &Meta{Table: "scores", LastFullSyncAt: full, LastIncrementalSyncAt: incr, TotalRows: 42}); err != nil {
		t.Fatalf("PutMeta failed: %v", err)
	}

	meta, err = tbl.Meta(ctx)
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if !meta.LastFullSyncAt.Equal(full) || !meta.LastIncrementalSyncAt.Equal(incr) || meta.TotalRows != 42 {
		t.Errorf("Meta round trip mismatch: %+v", meta)
	}
}

func TestTotalAndTableBytes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	if err := st.Table("scores").BatchSet(ctx, []*Row{{ID: "a", Payload: payload("x"), UpdatedAt: now}}); err != nil {
		t.Fatalf("BatchSet failed: %v", err)
	}
	if err := st.Table("entries").BatchSet(ctx, []*Row{{ID: "b", Payload: payload("y"), UpdatedAt: now}}); err != nil {
		t.Fatalf("BatchSet failed: %v", err)
	}

	total, err := st.TotalBytes(ctx)
	if err != nil {
		t.Fatalf("TotalBytes failed: %v", err)
	}
	sizes, err := st.TableBytes(ctx)
	if err != nil {
		t.Fatalf("TableBytes failed: %v", err)
	}
	var sum int64
	for _, n := range sizes {
		sum += n
	}
	if sum != total {
		t.Errorf("Per-table sizes sum to %d, total is %d", sum, total)
	}
	if len(sizes) != 2 {
		t.Errorf("Expected 2 tables, got %d", len(sizes))
	}
}

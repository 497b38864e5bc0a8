package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/openshowtech/showsync/internal/events"
	"github.com/openshowtech/showsync/internal/remote"
	"github.com/openshowtech/showsync/internal/store"
)

func newTestEngine(t *testing.T, mutate func(cfg *Config)) (*Engine, *store.Store, *remote.Fake, *events.Bus) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	fake := remote.NewFake()
	bus := events.NewBus(nil)

	cfg := DefaultConfig()
	cfg.TenantID = "show-1"
	if mutate != nil {
		mutate(cfg)
	}
	return New(st, fake, bus, nil, cfg), st, fake, bus
}

func remoteRow(id, tenant, body string, updated time.Time) remote.Row {
	return remote.Row{
		ID:        id,
		TenantID:  tenant,
		UpdatedAt: updated,
		Payload:   json.RawMessage(fmt.Sprintf(`{"v":%q}`, body)),
	}
}

func TestFullSyncSmallTable(t *testing.T) {
	eng, st, fake, _ := newTestEngine(t, nil)
	ctx := context.Background()

	now := time.Now()
	fake.Seed("scores",
		remoteRow("s1", "show-1", "a", now),
		remoteRow("s2", "show-1", "b", now),
		remoteRow("s3", "show-2", "other tenant", now),
	)

	res := eng.FullSync(ctx, "scores", Options{})
	if res.Err != nil {
		t.Fatalf("FullSync failed: %v", res.Err)
	}
	if !res.Success || res.Op != OpFull {
		t.Errorf("Unexpected result: %+v", res)
	}
	if res.RowsAffected != 2 {
		t.Errorf("Expected 2 rows for show-1, got %d", res.RowsAffected)
	}

	stats, err := st.Table("scores").Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Rows != 2 {
		t.Errorf("Expected 2 cached rows, got %d", stats.Rows)
	}

	meta, err := st.Table("scores").Meta(ctx)
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if meta == nil || meta.LastFullSyncAt.IsZero() || meta.TotalRows != 2 {
		t.Errorf("Sync metadata not recorded: %+v", meta)
	}
}

func TestFullSyncStreamsLargeTables(t *testing.T) {
	eng, st, fake, _ := newTestEngine(t, func(cfg *Config) {
		cfg.FullSyncThreshold = 10
		cfg.PageSize = 4
	})
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 25; i++ {
		fake.Seed("entries", remoteRow(fmt.Sprintf("e%03d", i), "show-1", "x", now))
	}

	var lastDone, lastTotal int
	res := eng.FullSync(ctx, "entries", Options{Progress: func(done, total int) {
		lastDone, lastTotal = done, total
	}})
	if res.Err != nil {
		t.Fatalf("FullSync failed: %v", res.Err)
	}
	if res.RowsAffected != 25 {
		t.Errorf("Expected 25 rows, got %d", res.RowsAffected)
	}
	if lastDone != 25 || lastTotal != 25 {
		t.Errorf("Progress ended at %d/%d, expected 25/25", lastDone, lastTotal)
	}

	stats, err := st.Table("entries").Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Rows != 25 {
		t.Errorf("Expected 25 cached rows, got %d", stats.Rows)
	}
}

func TestFullSyncPrunesRemoteDeletions(t *testing.T) {
	eng, st, fake, _ := newTestEngine(t, nil)
	ctx := context.Background()

	now := time.Now()
	fake.Seed("scores",
		remoteRow("s1", "show-1", "a", now),
		remoteRow("s2", "show-1", "b", now),
	)
	if res := eng.FullSync(ctx, "scores", Options{}); res.Err != nil {
		t.Fatalf("FullSync failed: %v", res.Err)
	}

	fake.Remove("scores", "s2")
	time.Sleep(5 * time.Millisecond)

	res := eng.FullSync(ctx, "scores", Options{})
	if res.Err != nil {
		t.Fatalf("Second FullSync failed: %v", res.Err)
	}

	if _, err := st.Table("scores").Get(ctx, "s2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Remotely deleted row should be pruned, got %v", err)
	}
	if _, err := st.Table("scores").Get(ctx, "s1"); err != nil {
		t.Errorf("Surviving row lost: %v", err)
	}
}

func TestIncrementalSyncFirstRunDelegatesToFull(t *testing.T) {
	eng, _, fake, _ := newTestEngine(t, nil)
	ctx := context.Background()

	fake.Seed("scores", remoteRow("s1", "show-1", "a", time.Now()))

	res := eng.IncrementalSync(ctx, "scores", Options{})
	if res.Err != nil {
		t.Fatalf("IncrementalSync failed: %v", res.Err)
	}
	if res.Op != OpFull {
		t.Errorf("First sync should be full, got %s", res.Op)
	}
}

func TestIncrementalSyncIsIdempotent(t *testing.T) {
	eng, _, fake, _ := newTestEngine(t, nil)
	ctx := context.Background()

	fake.Seed("scores", remoteRow("s1", "show-1", "a", time.Now().Add(-time.Minute)))
	if res := eng.FullSync(ctx, "scores", Options{}); res.Err != nil {
		t.Fatalf("FullSync failed: %v", res.Err)
	}

	res := eng.IncrementalSync(ctx, "scores", Options{})
	if res.Err != nil {
		t.Fatalf("IncrementalSync failed: %v", res.Err)
	}
	if res.Op != OpIncremental || res.RowsAffected != 0 {
		t.Errorf("Sync with no remote changes should affect 0 rows: %+v", res)
	}
}

func TestIncrementalSyncAppliesChanges(t *testing.T) {
	eng, st, fake, _ := newTestEngine(t, nil)
	ctx := context.Background()

	fake.Seed("scores", remoteRow("s1", "show-1", "a", time.Now().Add(-time.Minute)))
	if res := eng.FullSync(ctx, "scores", Options{}); res.Err != nil {
		t.Fatalf("FullSync failed: %v", res.Err)
	}

	fake.Seed("scores",
		remoteRow("s1", "show-1", "a2", time.Now().Add(time.Minute)),
		remoteRow("s2", "show-1", "new", time.Now().Add(time.Minute)),
	)

	res := eng.IncrementalSync(ctx, "scores", Options{})
	if res.Err != nil {
		t.Fatalf("IncrementalSync failed: %v", res.Err)
	}
	if res.RowsAffected != 2 {
		t.Errorf("Expected 2 rows applied, got %d", res.RowsAffected)
	}

	got, err := st.Table("scores").Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Payload) != `{"v":"a2"}` {
		t.Errorf("Updated payload not applied: %s", got.Payload)
	}
}

func TestIncrementalSyncFallsBackToFullOnLargeDelta(t *testing.T) {
	eng, _, fake, _ := newTestEngine(t, func(cfg *Config) {
		cfg.IncrementalFallbackLimit = 2
	})
	ctx := context.Background()

	fake.Seed("scores", remoteRow("s1", "show-1", "a", time.Now().Add(-time.Minute)))
	if res := eng.FullSync(ctx, "scores", Options{}); res.Err != nil {
		t.Fatalf("FullSync failed: %v", res.Err)
	}

	future := time.Now().Add(time.Minute)
	for i := 0; i < 5; i++ {
		fake.Seed("scores", remoteRow(fmt.Sprintf("n%d", i), "show-1", "x", future))
	}

	res := eng.IncrementalSync(ctx, "scores", Options{})
	if res.Err != nil {
		t.Fatalf("IncrementalSync failed: %v", res.Err)
	}
	if res.Op != OpFull {
		t.Errorf("Large delta should fall back to full sync, got %s", res.Op)
	}
}

func TestIncrementalSyncKeepsNewerLocalWrite(t *testing.T) {
	eng, st, fake, _ := newTestEngine(t, nil)
	ctx := context.Background()

	fake.Seed("scores", remoteRow("s1", "show-1", "a", time.Now().Add(-time.Minute)))
	if res := eng.FullSync(ctx, "scores", Options{}); res.Err != nil {
		t.Fatalf("FullSync failed: %v", res.Err)
	}

	time.Sleep(10 * time.Millisecond)
	remoteUpdate := time.Now()
	fake.Seed("scores", remoteRow("s1", "show-1", "remote", remoteUpdate))

	time.Sleep(10 * time.Millisecond)
	if _, err := st.Table("scores").ApplyLocal(ctx, store.OpUpdate, &store.Row{
		ID: "s1", TenantID: "show-1", Payload: json.RawMessage(`{"v":"local"}`),
	}, nil); err != nil {
		t.Fatalf("ApplyLocal failed: %v", err)
	}

	res := eng.IncrementalSync(ctx, "scores", Options{})
	if res.Err != nil {
		t.Fatalf("IncrementalSync failed: %v", res.Err)
	}
	if res.ConflictsResolved != 1 || res.RowsAffected != 0 {
		t.Errorf("Expected 1 resolved conflict with local winner: %+v", res)
	}

	got, err := st.Table("scores").Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Payload) != `{"v":"local"}` {
		t.Errorf("Newer local write was overwritten: %s", got.Payload)
	}
}

func TestFullSyncFailsWhenQuotaExhausted(t *testing.T) {
	eng, _, fake, _ := newTestEngine(t, func(cfg *Config) {
		cfg.QuotaBytes = 100
		cfg.QuotaSafetyMargin = 0
	})
	ctx := context.Background()

	big := make([]byte, 200)
	for i := range big {
		big[i] = 'x'
	}
	fake.Seed("scores", remoteRow("s1", "show-1", string(big), time.Now()))

	res := eng.FullSync(ctx, "scores", Options{})
	if !errors.Is(res.Err, ErrQuotaExceeded) {
		t.Errorf("Expected ErrQuotaExceeded, got %v", res.Err)
	}
	if res.Success {
		t.Error("Over-quota sync must not report success")
	}
}

func TestFullSyncEvictsToMakeHeadroom(t *testing.T) {
	eng, st, fake, _ := newTestEngine(t, func(cfg *Config) {
		cfg.QuotaBytes = 1000
		cfg.QuotaSafetyMargin = 0
	})
	ctx := context.Background()

	// Fill the cache with old clean rows so the new payload needs eviction.
	filler := make([]*store.Row, 3)
	for i := range filler {
		body := make([]byte, 280)
		for j := range body {
			body[j] = 'f'
		}
		filler[i] = &store.Row{
			ID:        fmt.Sprintf("old%d", i),
			TenantID:  "show-1",
			Payload:   json.RawMessage(fmt.Sprintf(`{"v":%q}`, body)),
			UpdatedAt: time.Now(),
		}
	}
	if err := st.Table("scores").BatchSet(ctx, filler); err != nil {
		t.Fatalf("BatchSet failed: %v", err)
	}

	body := make([]byte, 280)
	for j := range body {
		body[j] = 'n'
	}
	fake.Seed("scores", remoteRow("s1", "show-1", string(body), time.Now()))

	res := eng.FullSync(ctx, "scores", Options{})
	if res.Err != nil {
		t.Fatalf("FullSync should evict its way to headroom: %v", res.Err)
	}
	if !res.Success {
		t.Errorf("Expected success, got %+v", res)
	}
	if _, err := st.Table("scores").Get(ctx, "s1"); err != nil {
		t.Errorf("New row missing after eviction: %v", err)
	}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when a cached row does not exist.
var ErrNotFound = errors.New("row not found in cache")

// Row is a tenant-scoped copy of a remote record. It is owned by its table
// and mutated only through Table methods.
type Row struct {
	Table        string
	ID           string
	TenantID     string
	Payload      json.RawMessage
	UpdatedAt    time.Time // remote modification time, drives conflict policy
	LastSyncedAt time.Time
	LastAccessAt time.Time
	Dirty        bool
}

// SetResult reports what a Set call did with an incoming remote row.
type SetResult struct {
	// Applied is true when the row was written to the cache.
	Applied bool
	// Conflict is true when a dirty local row was involved: either the
	// local copy won (Applied false) or the remote copy replaced an
	// unsynced local write (Applied true).
	Conflict bool
}

// Meta holds per-table sync watermarks.
//
// Invariant: LastIncrementalSyncAt >= LastFullSyncAt once any sync has
// occurred. Meta is never deleted except by Clear.
type Meta struct {
	Table                 string
	LastFullSyncAt        time.Time
	LastIncrementalSyncAt time.Time
	TotalRows             int
}

// Stats summarizes a table's cache footprint.
type Stats struct {
	Rows  int
	Bytes int64
	Dirty int
}

// Table is a handle over one entity type's cached rows.
type Table struct {
	store *Store
	name  string
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Get returns a cached row by id and refreshes its last-access time.
// Returns ErrNotFound if the row is not cached.
func (t *Table) Get(ctx context.Context, id string) (*Row, error) {
	row := t.store.conn.QueryRowContext(ctx, `
	SELECT id, tenant_id, payload, updated_at, last_synced_at, last_access_at, dirty
	FROM rows WHERE table_name = ? AND id = ?`, t.name, id)

	r, err := t.scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get row %s/%s: %w", t.name, id, err)
	}

	if err := t.touch(ctx, id); err != nil {
		return nil, err
	}
	r.LastAccessAt = time.Now()
	return r, nil
}

// GetAll returns all cached rows, optionally filtered by tenant, ordered by
// id. Every returned row's last-access time is refreshed.
func (t *Table) GetAll(ctx context.Context, tenantID string) ([]*Row, error) {
	query := `
	SELECT id, tenant_id, payload, updated_at, last_synced_at, last_access_at, dirty
	FROM rows WHERE table_name = ?`
	args := []interface{}{t.name}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY id ASC"

	rows, err := t.store.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows for %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := t.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	// One UPDATE for the whole read keeps the access bump cheap.
	touchQuery := "UPDATE rows SET last_access_at = ? WHERE table_name = ?"
	touchArgs := []interface{}{millis(time.Now()), t.name}
	if tenantID != "" {
		touchQuery += " AND tenant_id = ?"
		touchArgs = append(touchArgs, tenantID)
	}
	if _, err := t.store.conn.ExecContext(ctx, touchQuery, touchArgs...); err != nil {
		return nil, fmt.Errorf("failed to update access time: %w", err)
	}

	return out, nil
}

// Set merges an incoming remote row into the cache with last-writer-wins
// conflict handling: a dirty local row with a strictly newer modification
// time is kept and the remote copy is dropped. Used by incremental sync so
// each row goes through row-level conflict handling.
func (t *Table) Set(ctx context.Context, row *Row) (SetResult, error) {
	var res SetResult

	var localDirty bool
	var localUpdated int64
	err := t.store.conn.QueryRowContext(ctx,
		"SELECT dirty, updated_at FROM rows WHERE table_name = ? AND id = ?",
		t.name, row.ID).Scan(&localDirty, &localUpdated)
	switch {
	case err == nil:
		if localDirty {
			res.Conflict = true
			if fromMillis(localUpdated).After(row.UpdatedAt) {
				// Local unsynced write is newer; keep it.
				return res, nil
			}
		}
	case errors.Is(err, sql.ErrNoRows):
		// New row.
	default:
		return res, fmt.Errorf("failed to read local row %s/%s: %w", t.name, row.ID, err)
	}

	now := millis(time.Now())
	_, err = t.store.conn.ExecContext(ctx, `
	INSERT INTO rows (table_name, id, tenant_id, payload, updated_at, last_synced_at, last_access_at, dirty)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(table_name, id) DO UPDATE SET
		tenant_id = excluded.tenant_id,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		last_synced_at = excluded.last_synced_at,
		last_access_at = excluded.last_access_at,
		dirty = 0`,
		t.name, row.ID, row.TenantID, string(row.Payload), millis(row.UpdatedAt), now, now)
	if err != nil {
		return res, fmt.Errorf("failed to set row %s/%s: %w", t.name, row.ID, err)
	}

	res.Applied = true
	return res, nil
}

// BatchSet bulk-inserts rows in a single transaction with no per-row
// conflict check. Used only by full sync, where the incoming data is the
// authoritative remote state; mutation upload runs before any download.
func (t *Table) BatchSet(ctx context.Context, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := t.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO rows (table_name, id, tenant_id, payload, updated_at, last_synced_at, last_access_at, dirty)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(table_name, id) DO UPDATE SET
		tenant_id = excluded.tenant_id,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		last_synced_at = excluded.last_synced_at,
		dirty = 0`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	now := millis(time.Now())
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			t.name, row.ID, row.TenantID, string(row.Payload),
			millis(row.UpdatedAt), now, now); err != nil {
			return fmt.Errorf("failed to batch-set row %s/%s: %w", t.name, row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// ApplyLocal records an application write: the row is updated in the cache
// with the dirty flag set and a pending mutation is appended durably, both
// in one transaction. Returns the enqueued mutation.
func (t *Table) ApplyLocal(ctx context.Context, op MutationOp, row *Row, dependsOn []string) (*Mutation, error) {
	tx, err := t.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin local write: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	nowMs := millis(now)

	switch op {
	case OpInsert, OpUpdate:
		_, err = tx.ExecContext(ctx, `
		INSERT INTO rows (table_name, id, tenant_id, payload, updated_at, last_synced_at, last_access_at, dirty)
		VALUES (?, ?, ?, ?, ?, 0, ?, 1)
		ON CONFLICT(table_name, id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			last_access_at = excluded.last_access_at,
			dirty = 1`,
			t.name, row.ID, row.TenantID, string(row.Payload), nowMs, nowMs)
	case OpDelete:
		_, err = tx.ExecContext(ctx,
			"DELETE FROM rows WHERE table_name = ? AND id = ?", t.name, row.ID)
	default:
		return nil, fmt.Errorf("unknown mutation op: %s", op)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply local %s to %s/%s: %w", op, t.name, row.ID, err)
	}

	m := &Mutation{
		ID:        ulid.Make().String(),
		Table:     t.name,
		RowID:     row.ID,
		Op:        op,
		Payload:   row.Payload,
		DependsOn: dependsOn,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := appendMutationTx(ctx, tx, m); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit local write: %w", err)
	}
	return m, nil
}

// EvictLRU deletes least-recently-accessed rows until the table's estimated
// payload size is at or under targetBytes. Dirty rows are never evicted;
// this is a hard invariant, not an optimization. Returns the number of rows
// evicted.
func (t *Table) EvictLRU(ctx context.Context, targetBytes int64) (int, error) {
	stats, err := t.Stats(ctx)
	if err != nil {
		return 0, err
	}
	if stats.Bytes <= targetBytes {
		return 0, nil
	}

	rows, err := t.store.conn.QueryContext(ctx, `
	SELECT id, LENGTH(payload) FROM rows
	WHERE table_name = ? AND dirty = 0
	ORDER BY last_access_at ASC, id ASC`, t.name)
	if err != nil {
		return 0, fmt.Errorf("failed to query eviction candidates: %w", err)
	}

	remaining := stats.Bytes
	var victims []string
	for rows.Next() {
		var id string
		var size int64
		if err := rows.Scan(&id, &size); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan eviction candidate: %w", err)
		}
		if remaining <= targetBytes {
			break
		}
		victims = append(victims, id)
		remaining -= size
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating eviction candidates: %w", err)
	}
	rows.Close()

	if len(victims) == 0 {
		return 0, nil
	}

	// Delete in chunks to keep the parameter list bounded.
	const chunk = 200
	evicted := 0
	for start := 0; start < len(victims); start += chunk {
		end := start + chunk
		if end > len(victims) {
			end = len(victims)
		}
		batch := victims[start:end]

		placeholders := strings.Repeat("?,", len(batch))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]interface{}, 0, len(batch)+1)
		args = append(args, t.name)
		for _, id := range batch {
			args = append(args, id)
		}

		res, err := t.store.conn.ExecContext(ctx,
			"DELETE FROM rows WHERE table_name = ? AND id IN ("+placeholders+")", args...)
		if err != nil {
			return evicted, fmt.Errorf("failed to evict rows from %s: %w", t.name, err)
		}
		n, _ := res.RowsAffected()
		evicted += int(n)
	}

	return evicted, nil
}

// PruneSyncedBefore deletes clean rows whose last-synced time predates the
// cutoff. A full sync stamps every row it writes, so pruning with the sync
// start time removes rows deleted on the remote side.
func (t *Table) PruneSyncedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := t.store.conn.ExecContext(ctx,
		"DELETE FROM rows WHERE table_name = ? AND dirty = 0 AND last_synced_at < ?",
		t.name, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale rows from %s: %w", t.name, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearDirty marks a row as synced after its mutation was confirmed applied
// remotely. No-op if the row no longer exists (e.g. a confirmed delete).
func (t *Table) ClearDirty(ctx context.Context, id string) error {
	_, err := t.store.conn.ExecContext(ctx,
		"UPDATE rows SET dirty = 0, last_synced_at = ? WHERE table_name = ? AND id = ?",
		millis(time.Now()), t.name, id)
	if err != nil {
		return fmt.Errorf("failed to clear dirty flag on %s/%s: %w", t.name, id, err)
	}
	return nil
}

// Clear removes all cached rows and the sync metadata for this table.
// Pending mutations are not touched: they represent unconfirmed writes.
func (t *Table) Clear(ctx context.Context) error {
	tx, err := t.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM rows WHERE table_name = ?", t.name); err != nil {
		return fmt.Errorf("failed to clear rows for %s: %w", t.name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_meta WHERE table_name = ?", t.name); err != nil {
		return fmt.Errorf("failed to clear sync metadata for %s: %w", t.name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}
	return nil
}

// Stats returns the table's row count, estimated payload size, and dirty
// row count.
func (t *Table) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := t.store.conn.QueryRowContext(ctx, `
	SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0), COALESCE(SUM(dirty), 0)
	FROM rows WHERE table_name = ?`, t.name).Scan(&st.Rows, &st.Bytes, &st.Dirty)
	if err != nil {
		return st, fmt.Errorf("failed to compute stats for %s: %w", t.name, err)
	}
	return st, nil
}

// Meta returns the table's sync metadata, or nil if no sync has ever been
// attempted.
func (t *Table) Meta(ctx context.Context) (*Meta, error) {
	var m Meta
	var full, incr int64
	err := t.store.conn.QueryRowContext(ctx, `
	SELECT table_name, last_full_sync_at, last_incremental_sync_at, total_rows
	FROM sync_meta WHERE table_name = ?`, t.name).
		Scan(&m.Table, &full, &incr, &m.TotalRows)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync metadata for %s: %w", t.name, err)
	}
	m.LastFullSyncAt = fromMillis(full)
	m.LastIncrementalSyncAt = fromMillis(incr)
	return &m, nil
}

// PutMeta upserts the table's sync metadata.
func (t *Table) PutMeta(ctx context.Context, m *Meta) error {
	_, err := t.store.conn.ExecContext(ctx, `
	INSERT INTO sync_meta (table_name, last_full_sync_at, last_incremental_sync_at, total_rows)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(table_name) DO UPDATE SET
		last_full_sync_at = excluded.last_full_sync_at,
		last_incremental_sync_at = excluded.last_incremental_sync_at,
		total_rows = excluded.total_rows`,
		t.name, millis(m.LastFullSyncAt), millis(m.LastIncrementalSyncAt), m.TotalRows)
	if err != nil {
		return fmt.Errorf("failed to write sync metadata for %s: %w", t.name, err)
	}
	return nil
}

// touch refreshes a single row's last-access time.
func (t *Table) touch(ctx context.Context, id string) error {
	_, err := t.store.conn.ExecContext(ctx,
		"UPDATE rows SET last_access_at = ? WHERE table_name = ? AND id = ?",
		millis(time.Now()), t.name, id)
	if err != nil {
		return fmt.Errorf("failed to update access time for %s/%s: %w", t.name, id, err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanRow.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (t *Table) scanRow(sc scanner) (*Row, error) {
	var r Row
	var payload string
	var updated, synced, access int64
	var dirty int
	if err := sc.Scan(&r.ID, &r.TenantID, &payload, &updated, &synced, &access, &dirty); err != nil {
		return nil, err
	}
	r.Table = t.name
	r.Payload = json.RawMessage(payload)
	r.UpdatedAt = fromMillis(updated)
	r.LastSyncedAt = fromMillis(synced)
	r.LastAccessAt = fromMillis(access)
	r.Dirty = dirty != 0
	return &r, nil
}

// Package store implements the local table store: a tenant-scoped SQLite
// cache of remote rows plus the durable pending-mutation queue.
//
// The store holds three logical tables:
//   - rows: cached copies of remote records, keyed by (table_name, id),
//     carrying dirty state and last-access time for LRU eviction
//   - sync_meta: per-table sync watermarks (last full / incremental sync)
//   - pending_mutations: locally originated writes not yet confirmed
//     applied to the remote backend
//
// The database runs in WAL mode so readers are never blocked by the sync
// engine's write transactions. Timestamps are stored as integer Unix
// milliseconds; integer ordering is what the LRU and delta queries rely on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection holding the replicated cache.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the specified path.
//
// The database is opened in WAL mode with a 5 second busy timeout.
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".showsync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the store, checkpointing the WAL first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the store schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the store schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rows (
		table_name TEXT NOT NULL,
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		last_synced_at INTEGER NOT NULL DEFAULT 0,
		last_access_at INTEGER NOT NULL DEFAULT 0,
		dirty INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (table_name, id)
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		table_name TEXT PRIMARY KEY,
		last_full_sync_at INTEGER NOT NULL DEFAULT 0,
		last_incremental_sync_at INTEGER NOT NULL DEFAULT 0,
		total_rows INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pending_mutations (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,
		depends_on TEXT,  -- JSON array of mutation IDs
		seq INTEGER NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rows_synced ON rows(table_name, last_synced_at);
	CREATE INDEX IF NOT EXISTS idx_rows_dirty ON rows(dirty);
	CREATE INDEX IF NOT EXISTS idx_rows_lru ON rows(table_name, dirty, last_access_at);

	CREATE INDEX IF NOT EXISTS idx_mut_status ON pending_mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mut_table ON pending_mutations(table_name);
	CREATE INDEX IF NOT EXISTS idx_mut_row ON pending_mutations(table_name, row_id, status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Table returns a handle for the named cache table. Handles are cheap and
// stateless; all state lives in the database.
func (s *Store) Table(name string) *Table {
	return &Table{store: s, name: name}
}

// TotalBytes returns the estimated payload size of the whole cache.
func (s *Store) TotalBytes(ctx context.Context) (int64, error) {
	var total int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM rows").Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to compute cache size: %w", err)
	}
	return total, nil
}

// TableBytes returns estimated payload bytes per cache table.
func (s *Store) TableBytes(ctx context.Context) (map[string]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT table_name, COALESCE(SUM(LENGTH(payload)), 0) FROM rows GROUP BY table_name")
	if err != nil {
		return nil, fmt.Errorf("failed to compute per-table sizes: %w", err)
	}
	defer rows.Close()

	sizes := make(map[string]int64)
	for rows.Next() {
		var name string
		var size int64
		if err := rows.Scan(&name, &size); err != nil {
			return nil, fmt.Errorf("failed to scan table size: %w", err)
		}
		sizes[name] = size
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table sizes: %w", err)
	}
	return sizes, nil
}

// millis converts a time to the integer Unix-millisecond representation
// used throughout the schema. The zero time maps to 0.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis is the inverse of millis.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Package remote defines the boundary to the remote relational backend.
//
// The backend is treated as an opaque per-tenant CRUD service with a
// row-count query and a modification-time delta query. Its own consistency
// model is out of scope; the replication engine only assumes that
// UpdatedAt is set by the backend on every write.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// Row is the wire shape of a remote record.
type Row struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Client is the remote read/write surface consumed by the sync engine.
// A tenantID of "" means unfiltered (tables without a tenant column).
type Client interface {
	// CountRows returns the number of rows in the table for the tenant.
	CountRows(ctx context.Context, table, tenantID string) (int, error)

	// CountChangedSince returns how many rows changed strictly after since.
	CountChangedSince(ctx context.Context, table, tenantID string, since time.Time) (int, error)

	// FetchAll returns every row in the table for the tenant.
	FetchAll(ctx context.Context, table, tenantID string) ([]Row, error)

	// FetchPage returns a page of rows ordered by id, for streamed full sync.
	FetchPage(ctx context.Context, table, tenantID string, offset, limit int) ([]Row, error)

	// FetchChangedSince returns rows changed strictly after since, ordered
	// by modification time ascending.
	FetchChangedSince(ctx context.Context, table, tenantID string, since time.Time) ([]Row, error)

	// Upsert inserts or replaces a row.
	Upsert(ctx context.Context, table string, row Row) error

	// Delete removes a row. Deleting a missing row is not an error.
	Delete(ctx context.Context, table, id string) error
}

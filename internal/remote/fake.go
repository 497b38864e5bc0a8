package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Client for tests. All methods are safe for
// concurrent use. Failure hooks let tests script transient errors, and the
// Before hook lets concurrency tests block a sync mid-flight.
type Fake struct {
	mu   sync.Mutex
	data map[string]map[string]Row // table -> id -> row

	// UpsertErr, if set, is consulted before applying an upsert.
	UpsertErr func(table string, row Row) error
	// DeleteErr, if set, is consulted before applying a delete.
	DeleteErr func(table, id string) error
	// Before, if set, is called at the start of every read operation with
	// the table name. It runs outside the fake's lock.
	Before func(table string)

	upserts int
	deletes int
}

// NewFake creates an empty fake backend.
func NewFake() *Fake {
	return &Fake{data: make(map[string]map[string]Row)}
}

// Seed inserts rows directly, bypassing hooks and counters.
func (f *Fake) Seed(table string, rows ...Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.put(table, r)
	}
}

// Remove deletes a row directly, bypassing hooks and counters.
func (f *Fake) Remove(table, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.data[table]; ok {
		delete(t, id)
	}
}

// Upserts returns how many Upsert calls were applied.
func (f *Fake) Upserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

// Deletes returns how many Delete calls were applied.
func (f *Fake) Deletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

// Get returns a row and whether it exists.
func (f *Fake) Get(table, id string) (Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.data[table][id]
	return r, ok
}

// CountRows implements Client.CountRows.
func (f *Fake) CountRows(ctx context.Context, table, tenantID string) (int, error) {
	if f.Before != nil {
		f.Before(table)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filter(table, tenantID, time.Time{})), nil
}

// CountChangedSince implements Client.CountChangedSince.
func (f *Fake) CountChangedSince(ctx context.Context, table, tenantID string, since time.Time) (int, error) {
	if f.Before != nil {
		f.Before(table)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.filter(table, tenantID, since)), nil
}

// FetchAll implements Client.FetchAll.
func (f *Fake) FetchAll(ctx context.Context, table, tenantID string) ([]Row, error) {
	if f.Before != nil {
		f.Before(table)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.filter(table, tenantID, time.Time{})
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// FetchPage implements Client.FetchPage.
func (f *Fake) FetchPage(ctx context.Context, table, tenantID string, offset, limit int) ([]Row, error) {
	if f.Before != nil {
		f.Before(table)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.filter(table, tenantID, time.Time{})
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	if offset >= len(rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end], nil
}

// FetchChangedSince implements Client.FetchChangedSince.
func (f *Fake) FetchChangedSince(ctx context.Context, table, tenantID string, since time.Time) ([]Row, error) {
	if f.Before != nil {
		f.Before(table)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.filter(table, tenantID, since)
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.Before(rows[j].UpdatedAt) })
	return rows, nil
}

// Upsert implements Client.Upsert.
func (f *Fake) Upsert(ctx context.Context, table string, row Row) error {
	if f.UpsertErr != nil {
		if err := f.UpsertErr(table, row); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(table, row)
	f.upserts++
	return nil
}

// Delete implements Client.Delete.
func (f *Fake) Delete(ctx context.Context, table, id string) error {
	if f.DeleteErr != nil {
		if err := f.DeleteErr(table, id); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.data[table]; ok {
		delete(t, id)
	}
	f.deletes++
	return nil
}

func (f *Fake) put(table string, row Row) {
	t, ok := f.data[table]
	if !ok {
		t = make(map[string]Row)
		f.data[table] = t
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	t[row.ID] = row
}

func (f *Fake) filter(table, tenantID string, since time.Time) []Row {
	var out []Row
	for _, r := range f.data[table] {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		if !since.IsZero() && !r.UpdatedAt.After(since) {
			continue
		}
		out = append(out, r)
	}
	return out
}

var _ Client = (*Fake)(nil)

// String helps test failure output.
func (f *Fake) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("fake remote: %d tables, %d upserts, %d deletes",
		len(f.data), f.upserts, f.deletes)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MutationOp is the kind of write a pending mutation represents.
type MutationOp string

const (
	// OpInsert creates a new remote row.
	OpInsert MutationOp = "insert"
	// OpUpdate replaces an existing remote row.
	OpUpdate MutationOp = "update"
	// OpDelete removes a remote row.
	OpDelete MutationOp = "delete"
)

// MutationStatus is the lifecycle state of a pending mutation.
type MutationStatus string

const (
	// StatusPending means the mutation still awaits upload.
	StatusPending MutationStatus = "pending"
	// StatusFailed means retries are exhausted. Failed mutations are kept
	// for operator visibility, never silently dropped.
	StatusFailed MutationStatus = "failed"
)

// Mutation is a durable record of an offline/local write.
//
// A mutation is removed from the queue if and only if it was confirmed
// applied remotely. On failure it is retried up to the engine's limit,
// then marked failed and retained.
type Mutation struct {
	ID        string          `json:"id"`
	Table     string          `json:"table"`
	RowID     string          `json:"row_id"`
	Op        MutationOp      `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Seq       int64           `json:"seq"`
	Retries   int             `json:"retries"`
	Status    MutationStatus  `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendMutation durably appends a mutation to the queue, assigning the
// next local sequence number. The ID must be set by the caller.
func (s *Store) AppendMutation(ctx context.Context, m *Mutation) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mutation append: %w", err)
	}
	defer tx.Rollback()

	if err := appendMutationTx(ctx, tx, m); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mutation append: %w", err)
	}
	return nil
}

// appendMutationTx assigns m.Seq from the monotonic local counter and
// inserts the mutation within the given transaction.
func appendMutationTx(ctx context.Context, tx *sql.Tx, m *Mutation) error {
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_mutations").Scan(&m.Seq); err != nil {
		return fmt.Errorf("failed to assign mutation sequence: %w", err)
	}

	deps, err := json.Marshal(m.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation dependencies: %w", err)
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO pending_mutations (id, table_name, row_id, op, payload, depends_on, seq, retries, status, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Table, m.RowID, string(m.Op), string(m.Payload), string(deps),
		m.Seq, m.Retries, string(m.Status), m.Error, millis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append mutation %s: %w", m.ID, err)
	}
	return nil
}

// PendingMutations returns all pending mutations in sequence order.
func (s *Store) PendingMutations(ctx context.Context) ([]*Mutation, error) {
	return s.mutationsByStatus(ctx, StatusPending)
}

// FailedMutations returns all permanently failed mutations in sequence order.
func (s *Store) FailedMutations(ctx context.Context) ([]*Mutation, error) {
	return s.mutationsByStatus(ctx, StatusFailed)
}

func (s *Store) mutationsByStatus(ctx context.Context, status MutationStatus) ([]*Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, table_name, row_id, op, payload, depends_on, seq, retries, status, error, created_at
	FROM pending_mutations WHERE status = ? ORDER BY seq ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s mutations: %w", status, err)
	}
	defer rows.Close()

	var out []*Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return out, nil
}

// PendingMutationCount returns the number of pending mutations.
func (s *Store) PendingMutationCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_mutations WHERE status = ?",
		string(StatusPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return count, nil
}

// MutationCount counts every queue entry regardless of status.
func (s *Store) MutationCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_mutations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return count, nil
}

// HasPendingForRow reports whether other pending mutations still target the
// given row. Used to decide when a dirty flag can be cleared.
func (s *Store) HasPendingForRow(ctx context.Context, table, rowID string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM pending_mutations
	WHERE table_name = ? AND row_id = ? AND status = ?`,
		table, rowID, string(StatusPending)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check pending mutations for %s/%s: %w", table, rowID, err)
	}
	return count > 0, nil
}

// DeleteMutation removes a mutation from the queue. Only called once the
// mutation is confirmed applied remotely.
func (s *Store) DeleteMutation(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, "DELETE FROM pending_mutations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete mutation %s: %w", id, err)
	}
	return nil
}

// RequeueMutation increments the retry counter and keeps the mutation
// pending for the next upload pass. The last error is recorded.
func (s *Store) RequeueMutation(ctx context.Context, id, errMsg string) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE pending_mutations SET retries = retries + 1, status = ?, error = ?
	WHERE id = ?`, string(StatusPending), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to requeue mutation %s: %w", id, err)
	}
	return nil
}

// MarkMutationFailed marks a mutation permanently failed, retaining it for
// operator visibility.
func (s *Store) MarkMutationFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE pending_mutations SET retries = retries + 1, status = ?, error = ?
	WHERE id = ?`, string(StatusFailed), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark mutation %s failed: %w", id, err)
	}
	return nil
}

// AllMutations returns every queued mutation regardless of status, in
// sequence order. Used by the backup writer and the CLI.
func (s *Store) AllMutations(ctx context.Context) ([]*Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, table_name, row_id, op, payload, depends_on, seq, retries, status, error, created_at
	FROM pending_mutations ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var out []*Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return out, nil
}

func scanMutation(sc scanner) (*Mutation, error) {
	var m Mutation
	var op, status, payload, deps string
	var created int64
	if err := sc.Scan(&m.ID, &m.Table, &m.RowID, &op, &payload, &deps,
		&m.Seq, &m.Retries, &status, &m.Error, &created); err != nil {
		return nil, fmt.Errorf("failed to scan mutation: %w", err)
	}
	m.Op = MutationOp(op)
	m.Status = MutationStatus(status)
	if payload != "" {
		m.Payload = json.RawMessage(payload)
	}
	if deps != "" && deps != "null" {
		if err := json.Unmarshal([]byte(deps), &m.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mutation dependencies: %w", err)
		}
	}
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

// Package engine implements the sync engine: full and incremental table
// synchronization against the remote backend, and upload of the pending
// mutation queue.
//
// Full sync streams large tables in fixed-size pages so peak memory stays
// bounded, and pre-checks the storage quota before writing non-trivial
// payloads, evicting proactively when headroom is short. Incremental sync
// pulls only rows changed since the last watermark and applies them one at
// a time so each row goes through row-level conflict handling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/openshowtech/showsync/internal/events"
	"github.com/openshowtech/showsync/internal/remote"
	"github.com/openshowtech/showsync/internal/store"
)

// ErrQuotaExceeded is returned when a sync cannot fit in the storage budget
// even after proactive eviction. The sync fails rather than partially write.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Op is the kind of sync operation a Result describes.
type Op string

const (
	// OpFull is a complete re-download of a table.
	OpFull Op = "full"
	// OpIncremental is a delta download since the last sync watermark.
	OpIncremental Op = "incremental"
	// OpUpload is a pending-mutation upload pass.
	OpUpload Op = "upload"
)

// Result is the outcome record of one sync operation. Results are
// diagnostics, not authoritative state.
type Result struct {
	Table             string
	Op                Op
	RowsAffected      int
	ConflictsResolved int
	Duration          time.Duration
	Success           bool
	Err               error
	StartedAt         time.Time
}

// Options adjusts a single sync call.
type Options struct {
	// ForceFullSync bypasses the incremental path.
	ForceFullSync bool
	// Progress, if set, is reported after each page of a streamed full
	// sync with (rows applied so far, total remote rows).
	Progress func(done, total int)
}

// Config holds engine tuning. Thresholds mirror the behavior the rest of
// the system is built around; change them only together with the tests.
type Config struct {
	// TenantID scopes every remote query.
	TenantID string

	// FullSyncThreshold is the remote row count above which full sync
	// switches to paged streaming.
	FullSyncThreshold int
	// PageSize is the page length for streamed full sync.
	PageSize int
	// IncrementalFallbackLimit is the changed-row count above which an
	// incremental sync falls back to a clean full pull.
	IncrementalFallbackLimit int

	// QueueWarnSize and QueueHardCap gate queue pressure events.
	QueueWarnSize int
	QueueHardCap  int
	// MaxRetries bounds per-mutation upload attempts before the mutation
	// is marked permanently failed.
	MaxRetries int

	// QuotaBytes is the local storage budget; 0 disables quota checks.
	QuotaBytes int64
	// QuotaSafetyMargin is the fraction of QuotaBytes held in reserve.
	QuotaSafetyMargin float64

	Logger *log.Logger
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() *Config {
	return &Config{
		FullSyncThreshold:        1000,
		PageSize:                 500,
		IncrementalFallbackLimit: 5000,
		QueueWarnSize:            500,
		QueueHardCap:             1000,
		MaxRetries:               5,
		QuotaBytes:               0,
		QuotaSafetyMargin:        0.10,
		Logger:                   log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine drives synchronization between the local store and the remote
// backend.
type Engine struct {
	store  *store.Store
	remote remote.Client
	bus    *events.Bus
	backup *store.BackupWriter
	cfg    *Config
	logger *log.Logger
}

// New creates an engine. bus and backup may be nil (events and backup
// refresh are then skipped); cfg nil means DefaultConfig.
func New(st *store.Store, rc remote.Client, bus *events.Bus, backup *store.BackupWriter, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:  st,
		remote: rc,
		bus:    bus,
		backup: backup,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// FullSync re-downloads a table completely. Tables above the streaming
// threshold are fetched in pages and applied via BatchSet to bound memory.
// Rows absent from the remote are pruned afterwards, which is how
// remote-side deletions reach the cache.
func (e *Engine) FullSync(ctx context.Context, table string, opts Options) Result {
	res := Result{Table: table, Op: OpFull, StartedAt: time.Now()}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	t := e.store.Table(table)

	total, err := e.remote.CountRows(ctx, table, e.cfg.TenantID)
	if err != nil {
		res.Err = fmt.Errorf("failed to count remote rows: %w", err)
		return res
	}

	applied := 0
	if total > e.cfg.FullSyncThreshold {
		// Paged streaming keeps peak memory at one page.
		for offset := 0; offset < total; offset += e.cfg.PageSize {
			page, err := e.remote.FetchPage(ctx, table, e.cfg.TenantID, offset, e.cfg.PageSize)
			if err != nil {
				res.Err = fmt.Errorf("failed to fetch page at %d: %w", offset, err)
				return res
			}
			if len(page) == 0 {
				break
			}
			if err := e.ensureHeadroom(ctx, t, estimateSize(page)); err != nil {
				res.Err = err
				return res
			}
			if err := t.BatchSet(ctx, toStoreRows(table, page)); err != nil {
				res.Err = fmt.Errorf("failed to apply page: %w", err)
				return res
			}
			applied += len(page)
			if opts.Progress != nil {
				opts.Progress(applied, total)
			}
		}
	} else {
		rows, err := e.remote.FetchAll(ctx, table, e.cfg.TenantID)
		if err != nil {
			res.Err = fmt.Errorf("failed to fetch rows: %w", err)
			return res
		}
		if err := e.ensureHeadroom(ctx, t, estimateSize(rows)); err != nil {
			res.Err = err
			return res
		}
		if err := t.BatchSet(ctx, toStoreRows(table, rows)); err != nil {
			res.Err = fmt.Errorf("failed to apply rows: %w", err)
			return res
		}
		applied = len(rows)
		if opts.Progress != nil {
			opts.Progress(applied, total)
		}
	}

	pruned, err := t.PruneSyncedBefore(ctx, res.StartedAt)
	if err != nil {
		res.Err = err
		return res
	}
	if pruned > 0 {
		e.logger.Printf("Full sync of %s pruned %d remotely deleted rows", table, pruned)
	}

	now := time.Now()
	if err := t.PutMeta(ctx, &store.Meta{
		Table:                 table,
		LastFullSyncAt:        now,
		LastIncrementalSyncAt: now,
		TotalRows:             applied,
	}); err != nil {
		res.Err = err
		return res
	}

	res.RowsAffected = applied + pruned
	res.Success = true
	return res
}

// IncrementalSync pulls rows changed since the last watermark. With no
// prior sync, or when the caller forces it, it delegates to FullSync.
// When the change count exceeds the fallback ceiling, a clean full pull is
// cheaper than diffing and it falls back as well.
func (e *Engine) IncrementalSync(ctx context.Context, table string, opts Options) Result {
	t := e.store.Table(table)

	meta, err := t.Meta(ctx)
	if err != nil {
		return Result{Table: table, Op: OpIncremental, Err: err, StartedAt: time.Now()}
	}
	if opts.ForceFullSync || meta == nil || meta.LastIncrementalSyncAt.IsZero() {
		return e.FullSync(ctx, table, opts)
	}

	res := Result{Table: table, Op: OpIncremental, StartedAt: time.Now()}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	since := meta.LastIncrementalSyncAt

	changed, err := e.remote.CountChangedSince(ctx, table, e.cfg.TenantID, since)
	if err != nil {
		res.Err = fmt.Errorf("failed to count changed rows: %w", err)
		return res
	}
	if changed > e.cfg.IncrementalFallbackLimit {
		e.logger.Printf("Incremental sync of %s: %d changes exceed fallback limit %d, running full sync",
			table, changed, e.cfg.IncrementalFallbackLimit)
		return e.FullSync(ctx, table, opts)
	}

	if changed > 0 {
		rows, err := e.remote.FetchChangedSince(ctx, table, e.cfg.TenantID, since)
		if err != nil {
			res.Err = fmt.Errorf("failed to fetch changed rows: %w", err)
			return res
		}
		if err := e.ensureHeadroom(ctx, t, estimateSize(rows)); err != nil {
			res.Err = err
			return res
		}

		// One row at a time through Set, so each change gets row-level
		// conflict handling instead of a blind overwrite.
		for _, r := range rows {
			out, err := t.Set(ctx, toStoreRow(table, r))
			if err != nil {
				res.Err = err
				return res
			}
			if out.Applied {
				res.RowsAffected++
			}
			if out.Conflict {
				res.ConflictsResolved++
			}
		}
	}

	stats, err := t.Stats(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	meta.LastIncrementalSyncAt = time.Now()
	meta.TotalRows = stats.Rows
	if err := t.PutMeta(ctx, meta); err != nil {
		res.Err = err
		return res
	}

	res.Success = true
	return res
}

// ensureHeadroom verifies the payload fits the storage budget, evicting
// proactively from the target table once before giving up with
// ErrQuotaExceeded.
func (e *Engine) ensureHeadroom(ctx context.Context, t *store.Table, payloadBytes int64) error {
	if e.cfg.QuotaBytes <= 0 || payloadBytes == 0 {
		return nil
	}

	usable := int64(float64(e.cfg.QuotaBytes) * (1 - e.cfg.QuotaSafetyMargin))

	total, err := e.store.TotalBytes(ctx)
	if err != nil {
		return err
	}
	if total+payloadBytes <= usable {
		return nil
	}

	// Evict from the target table to make room, then re-check.
	stats, err := t.Stats(ctx)
	if err != nil {
		return err
	}
	deficit := total + payloadBytes - usable
	target := stats.Bytes - deficit
	if target < 0 {
		target = 0
	}
	evicted, err := t.EvictLRU(ctx, target)
	if err != nil {
		return err
	}
	e.logger.Printf("Quota pressure: evicted %d rows from %s to make headroom", evicted, t.Name())

	total, err = e.store.TotalBytes(ctx)
	if err != nil {
		return err
	}
	if total+payloadBytes > usable {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrQuotaExceeded,
			payloadBytes, usable-total)
	}
	return nil
}

func estimateSize(rows []remote.Row) int64 {
	var total int64
	for _, r := range rows {
		total += int64(len(r.Payload))
	}
	return total
}

func toStoreRow(table string, r remote.Row) *store.Row {
	return &store.Row{
		Table:     table,
		ID:        r.ID,
		TenantID:  r.TenantID,
		Payload:   r.Payload,
		UpdatedAt: r.UpdatedAt,
	}
}

func toStoreRows(table string, rows []remote.Row) []*store.Row {
	out := make([]*store.Row, len(rows))
	for i, r := range rows {
		out[i] = toStoreRow(table, r)
	}
	return out
}

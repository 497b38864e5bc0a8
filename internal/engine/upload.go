package engine

import (
	"context"
	"sort"
	"time"

	"github.com/openshowtech/showsync/internal/events"
	"github.com/openshowtech/showsync/internal/remote"
	"github.com/openshowtech/showsync/internal/store"
)

// UploadPendingMutations executes the durable queue against the remote in
// dependency order. Confirmed mutations are removed from the queue and the
// side-channel backup is queued for refresh; failures are retried up to
// MaxRetries and then marked permanently failed, reported in one batched
// event after the pass instead of per mutation.
func (e *Engine) UploadPendingMutations(ctx context.Context) Result {
	res := Result{Op: OpUpload, StartedAt: time.Now()}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	muts, err := e.store.PendingMutations(ctx)
	if err != nil {
		res.Err = err
		return res
	}

	switch {
	case len(muts) >= e.cfg.QueueHardCap:
		e.logger.Printf("Pending queue overflow: %d mutations (cap %d)", len(muts), e.cfg.QueueHardCap)
		e.publish(events.Event{Kind: events.KindQueueOverflow, Count: len(muts)})
	case len(muts) >= e.cfg.QueueWarnSize:
		e.logger.Printf("Pending queue large: %d mutations (warn at %d)", len(muts), e.cfg.QueueWarnSize)
		e.publish(events.Event{Kind: events.KindQueueWarning, Count: len(muts)})
	}

	if len(muts) == 0 {
		res.Success = true
		return res
	}

	ordered := orderMutations(muts, e.logger.Printf)

	var failed []*store.Mutation
	for _, m := range ordered {
		if err := e.executeMutation(ctx, m); err != nil {
			if m.Retries+1 >= e.cfg.MaxRetries {
				if merr := e.store.MarkMutationFailed(ctx, m.ID, err.Error()); merr != nil {
					res.Err = merr
					return res
				}
				m.Status = store.StatusFailed
				m.Error = err.Error()
				failed = append(failed, m)
			} else {
				// Requeued pending; the next scheduled sync provides the
				// backoff interval.
				if rerr := e.store.RequeueMutation(ctx, m.ID, err.Error()); rerr != nil {
					res.Err = rerr
					return res
				}
			}
			continue
		}

		// Confirmed applied remotely: now, and only now, drop it.
		if err := e.store.DeleteMutation(ctx, m.ID); err != nil {
			res.Err = err
			return res
		}
		pending, err := e.store.HasPendingForRow(ctx, m.Table, m.RowID)
		if err != nil {
			res.Err = err
			return res
		}
		if !pending {
			if err := e.store.Table(m.Table).ClearDirty(ctx, m.RowID); err != nil {
				res.Err = err
				return res
			}
		}
		if e.backup != nil {
			e.backup.Queue()
		}
		res.RowsAffected++
	}

	if len(failed) > 0 {
		e.logger.Printf("Upload pass: %d mutations permanently failed", len(failed))
		e.publish(events.Event{Kind: events.KindMutationsFailed, Count: len(failed), Mutations: failed})
	}

	res.Success = true
	return res
}

// executeMutation applies one mutation to the remote backend.
func (e *Engine) executeMutation(ctx context.Context, m *store.Mutation) error {
	switch m.Op {
	case store.OpInsert, store.OpUpdate:
		return e.remote.Upsert(ctx, m.Table, remote.Row{
			ID:        m.RowID,
			TenantID:  e.cfg.TenantID,
			UpdatedAt: m.CreatedAt,
			Payload:   m.Payload,
		})
	case store.OpDelete:
		return e.remote.Delete(ctx, m.Table, m.RowID)
	default:
		// Unknown op: treat as permanent, the queue entry is malformed.
		return errUnknownOp(m.Op)
	}
}

type unknownOpError struct{ op store.MutationOp }

func (e unknownOpError) Error() string { return "unknown mutation op: " + string(e.op) }

func errUnknownOp(op store.MutationOp) error { return unknownOpError{op: op} }

// orderMutations computes execution order with Kahn's algorithm over the
// depends_on graph. Nodes become ready when all in-batch dependencies have
// been emitted; ready nodes are emitted in sequence order so the result is
// deterministic. If a cycle leaves nodes unsorted, the remainder is
// appended in sequence order; this is a best-effort break, not a
// correctness guarantee, and it is logged.
func orderMutations(muts []*store.Mutation, logf func(format string, v ...interface{})) []*store.Mutation {
	byID := make(map[string]*store.Mutation, len(muts))
	for _, m := range muts {
		byID[m.ID] = m
	}

	indegree := make(map[string]int, len(muts))
	dependents := make(map[string][]string, len(muts))
	for _, m := range muts {
		indegree[m.ID] = 0
	}
	for _, m := range muts {
		for _, dep := range m.DependsOn {
			if _, inBatch := byID[dep]; !inBatch {
				// Dependency already uploaded in an earlier batch.
				continue
			}
			indegree[m.ID]++
			dependents[dep] = append(dependents[dep], m.ID)
		}
	}

	var ready []*store.Mutation
	for _, m := range muts {
		if indegree[m.ID] == 0 {
			ready = append(ready, m)
		}
	}
	sortBySeq(ready)

	ordered := make([]*store.Mutation, 0, len(muts))
	emitted := make(map[string]bool, len(muts))
	for len(ready) > 0 {
		m := ready[0]
		ready = ready[1:]
		ordered = append(ordered, m)
		emitted[m.ID] = true

		var unlocked []*store.Mutation
		for _, id := range dependents[m.ID] {
			indegree[id]--
			if indegree[id] == 0 {
				unlocked = append(unlocked, byID[id])
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sortBySeq(ready)
		}
	}

	if len(ordered) < len(muts) {
		var rest []*store.Mutation
		for _, m := range muts {
			if !emitted[m.ID] {
				rest = append(rest, m)
			}
		}
		sortBySeq(rest)
		if logf != nil {
			logf("Warning: dependency cycle among %d mutations, falling back to sequence order", len(rest))
		}
		ordered = append(ordered, rest...)
	}

	return ordered
}

func sortBySeq(muts []*store.Mutation) {
	sort.Slice(muts, func(i, j int) bool { return muts[i].Seq < muts[j].Seq })
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

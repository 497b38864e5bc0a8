// Package prefetch warms the cache ahead of demand. It observes the order
// in which the application reads tables, keeps first-order transition
// counts, and after each read warms the tables most likely to be read next.
//
// The prefetcher depends only on two injected functions: one that warms a
// table (normally the facade's GetTable, which refreshes last-access times
// and so protects the warmed rows from LRU eviction) and one that reports
// whether a sync cycle is running, so prefetching never competes with sync
// I/O.
package prefetch

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
)

// WarmFunc loads a table's rows, bumping their last-access times.
type WarmFunc func(ctx context.Context, table string) error

// Config holds prefetcher settings.
type Config struct {
	// TopN is how many likely-next tables to warm after each access.
	TopN int
	// MinCount is the transition count below which a pattern is considered
	// noise and not acted on.
	MinCount int

	Logger *log.Logger
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() *Config {
	return &Config{
		TopN:     2,
		MinCount: 3,
		Logger:   log.New(os.Stderr, "[prefetch] ", log.LstdFlags),
	}
}

// Prefetcher learns table access patterns and warms likely-next tables.
type Prefetcher struct {
	warm       WarmFunc
	inProgress func() bool
	cfg        *Config
	logger     *log.Logger

	mu sync.Mutex
	// transitions[from][to] counts how often a read of `to` directly
	// followed a read of `from`.
	transitions map[string]map[string]int
	last        string
}

// New creates a prefetcher. inProgress may be nil (prefetch then never
// defers to sync).
func New(warm WarmFunc, inProgress func() bool, cfg *Config) *Prefetcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[prefetch] ", log.LstdFlags)
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 2
	}
	if cfg.MinCount <= 0 {
		cfg.MinCount = 3
	}
	return &Prefetcher{
		warm:        warm,
		inProgress:  inProgress,
		cfg:         cfg,
		logger:      cfg.Logger,
		transitions: make(map[string]map[string]int),
	}
}

// Record notes a table read and updates the transition counts. Repeated
// reads of the same table are not a transition.
func (p *Prefetcher) Record(table string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last != "" && p.last != table {
		m := p.transitions[p.last]
		if m == nil {
			m = make(map[string]int)
			p.transitions[p.last] = m
		}
		m[table]++
	}
	p.last = table
}

// Likely returns up to TopN tables historically read right after the given
// one, most frequent first. Transitions under MinCount are ignored.
func (p *Prefetcher) Likely(table string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.transitions[table]
	if len(m) == 0 {
		return nil
	}

	type cand struct {
		table string
		count int
	}
	cands := make([]cand, 0, len(m))
	for t, n := range m {
		if n >= p.cfg.MinCount {
			cands = append(cands, cand{t, n})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].count != cands[j].count {
			return cands[i].count > cands[j].count
		}
		return cands[i].table < cands[j].table
	})

	n := p.cfg.TopN
	if n > len(cands) {
		n = len(cands)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = cands[i].table
	}
	return out
}

// Prefetch records the read and synchronously warms the likely-next tables.
// Skipped entirely while a sync cycle is running.
func (p *Prefetcher) Prefetch(ctx context.Context, table string) {
	p.Record(table)

	if p.inProgress != nil && p.inProgress() {
		return
	}
	for _, next := range p.Likely(table) {
		if err := p.warm(ctx, next); err != nil {
			p.logger.Printf("Prefetch of %s failed: %v", next, err)
		}
	}
}

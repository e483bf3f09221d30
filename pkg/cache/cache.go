// Package cache implements the content-addressed evaluation cache: a map
// guarded by sync.RWMutex plus a stats struct, the same in-memory
// hot-data cache shape used elsewhere for cached computation results,
// generalized here from arbitrary result entries to evaluation Pairs
// keyed by Fingerprint.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dakota-project/evalsched/pkg/evalcore"
)

// Config controls cache behavior. The cache never evicts; MaxEntries only
// governs the warn-log threshold for memory-bounded deployments, it is
// not enforced as a hard cap here.
type Config struct {
	MaxEntries int `json:"max_entries" yaml:"max_entries"`
}

// DefaultConfig returns sane defaults for the in-memory store.
func DefaultConfig() *Config {
	return &Config{MaxEntries: 0}
}

// Stats holds hit/miss/error counters behind their own mutex so the
// status surface (pkg/status) can report them without taking the main
// cache lock.
type Stats struct {
	mu            sync.RWMutex
	Hits          int64
	PartialHits   int64
	Misses        int64
	Inserts       int64
	LastResetTime time.Time
}

func (s *Stats) recordHit() {
	s.mu.Lock()
	s.Hits++
	s.mu.Unlock()
}

func (s *Stats) recordPartialHit() {
	s.mu.Lock()
	s.PartialHits++
	s.mu.Unlock()
}

func (s *Stats) recordMiss() {
	s.mu.Lock()
	s.Misses++
	s.mu.Unlock()
}

func (s *Stats) recordInsert() {
	s.mu.Lock()
	s.Inserts++
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters safe to read concurrently.
func (s *Stats) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Hits: s.Hits, PartialHits: s.PartialHits, Misses: s.Misses, Inserts: s.Inserts, LastResetTime: s.LastResetTime}
}

// entry is the cache's internal record: the completed Pair plus insertion
// order, used to answer the "most recent match" lookup rule.
type entry struct {
	pair Pair
	seq  uint64
}

// Pair is a thin alias kept local to this package's public surface so
// callers don't need to import evalcore just to call Lookup.
type Pair = evalcore.Pair

// Cache is a multi-indexed, insert-only collection of completed Pairs. It
// is accessed from the iterator thread only; the RWMutex here exists only
// to make concurrent read access (status/metrics polling) safe, not to
// support concurrent dispatch writers.
type Cache struct {
	mu      sync.RWMutex
	byFP    map[uint64][]*entry // bucket by Fingerprint.Key, resolved by Canonical on lookup
	byEval  map[evalcore.EvalID]*entry
	ordered []*entry
	seq     uint64

	overlay PartialOverlay
	stats   Stats
	logger  *slog.Logger
	cfg     *Config
}

// New builds an empty Cache. logger may be nil, in which case slog.Default
// is used; a *slog.Logger is accepted explicitly rather than reaching for
// a package singleton.
func New(cfg *Config, overlay PartialOverlay, logger *slog.Logger) *Cache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if overlay == nil {
		overlay = SliceOverlay{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		byFP:    make(map[uint64][]*entry),
		byEval:  make(map[evalcore.EvalID]*entry),
		overlay: overlay,
		stats:   Stats{LastResetTime: time.Now()},
		logger:  logger,
		cfg:     cfg,
	}
}

// Lookup returns the most recent exact match for fp, if any.
func (c *Cache) Lookup(fp evalcore.Fingerprint) (*evalcore.Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e := c.mostRecentExact(fp); e != nil {
		c.stats.recordHit()
		return e.pair.Resp, true
	}
	c.stats.recordMiss()
	return nil, false
}

// LookupPartial finds the most recent cached Pair whose ActiveSet is a
// superset of want and returns its Response overlaid (sliced down) to
// want; the cached Response itself is not returned. The overlay policy is
// pluggable.
func (c *Cache) LookupPartial(interfaceID string, vars evalcore.Variables, want evalcore.ActiveSet) (*evalcore.Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *entry
	for _, e := range c.ordered {
		if e.pair.InterfaceID != interfaceID || !e.pair.Vars.Equal(vars) {
			continue
		}
		if want.Subset(e.pair.Set) {
			best = e // keep scanning; ordered slice is insertion order so last wins => most recent
		}
	}
	if best == nil {
		c.stats.recordMiss()
		return nil, false
	}
	c.stats.recordPartialHit()
	return c.overlay.Overlay(best.pair.Resp, want), true
}

// LookupByEvalID retrieves the Pair previously inserted under id.
func (c *Cache) LookupByEvalID(id evalcore.EvalID) (Pair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byEval[id]
	if !ok {
		return Pair{}, false
	}
	return e.pair, true
}

// Insert adds a completed Pair to the cache. Insert-only: the core never
// evicts.
func (c *Cache) Insert(p Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	e := &entry{pair: p, seq: c.seq}
	key := p.Fingerprint().Key
	c.byFP[key] = append(c.byFP[key], e)
	c.byEval[p.EvalID] = e
	c.ordered = append(c.ordered, e)
	c.stats.recordInsert()
	if c.cfg.MaxEntries > 0 && len(c.ordered) > c.cfg.MaxEntries {
		c.logger.Warn("evaluation cache exceeds configured size; the core does not evict",
			"entries", len(c.ordered), "max_entries", c.cfg.MaxEntries)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ordered)
}

// Stats returns a snapshot of hit/miss counters.
func (c *Cache) Stats() Stats { return c.stats.Snapshot() }

// All iterates the cache in insertion order. The callback must not call
// back into Cache.
func (c *Cache) All(fn func(Pair)) {
	c.mu.RLock()
	snapshot := make([]Pair, len(c.ordered))
	for i, e := range c.ordered {
		snapshot[i] = e.pair
	}
	c.mu.RUnlock()
	for _, p := range snapshot {
		fn(p)
	}
}

func (c *Cache) mostRecentExact(fp evalcore.Fingerprint) *entry {
	bucket := c.byFP[fp.Key]
	for i := len(bucket) - 1; i >= 0; i-- {
		if bucket[i].pair.Fingerprint().Equal(fp) {
			return bucket[i]
		}
	}
	return nil
}

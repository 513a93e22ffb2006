// Package cache is the TTL-bounded record cache shared by the conflict
// detector, the optimistic update path and the fallback poller.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/livesync/clock"
	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

// Strategy selects the TTL applied to an entry at write time.
type Strategy string

const (
	Aggressive   Strategy = "aggressive"
	Conservative Strategy = "conservative"
)

const (
	DefaultAggressiveTTL   = 30 * time.Minute
	DefaultConservativeTTL = 10 * time.Minute
	DefaultSweepInterval   = 5 * time.Minute
	DefaultMaxEntries      = 10000
)

// Cache is the contract consumed by the rest of the engine.
type Cache interface {
	Set(key string, data common.Record, strategy Strategy)
	Get(key string) (common.Record, bool)
	Delete(key string)
}

// Entry is a cached record. It is logically absent once its age reaches TTL.
type Entry struct {
	Key       string
	Data      common.Record
	Timestamp time.Time
	TTL       time.Duration
}

// Expired reports whether the entry has outlived its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) >= e.TTL
}

// Key builds the cache key for one record of an entity.
func Key(entity, id string) string {
	return entity + "_" + id
}

// Options configures a Store.
type Options struct {
	AggressiveTTL   time.Duration
	ConservativeTTL time.Duration
	SweepInterval   time.Duration
	MaxEntries      int
	Clock           clock.Clock
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

// HitRate returns hits / (hits + misses), or 0 with no reads.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Store is a capacity-bounded LRU with per-entry TTL. The mutex covers the
// read-check-evict sequence so that expiry and concurrent writes cannot race.
type Store struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]
	opts    Options

	hits   atomic.Uint64
	misses atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStore creates a cache store.
func NewStore(opts Options) (*Store, error) {
	if opts.AggressiveTTL <= 0 {
		opts.AggressiveTTL = DefaultAggressiveTTL
	}
	if opts.ConservativeTTL <= 0 {
		opts.ConservativeTTL = DefaultConservativeTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	entries, err := lru.New[string, *Entry](opts.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &Store{
		entries: entries,
		opts:    opts,
		stopCh:  make(chan struct{}),
	}, nil
}

// TTL returns the concrete TTL for a strategy. Unknown strategies fall back
// to conservative.
func (s *Store) TTL(strategy Strategy) time.Duration {
	if strategy == Aggressive {
		return s.opts.AggressiveTTL
	}
	return s.opts.ConservativeTTL
}

// Set stores a copy of data under key.
func (s *Store) Set(key string, data common.Record, strategy Strategy) {
	entry := &Entry{
		Key:       key,
		Data:      data.Clone(),
		Timestamp: s.opts.Clock.Now(),
		TTL:       s.TTL(strategy),
	}

	s.mu.Lock()
	evicted := s.entries.Add(key, entry)
	size := s.entries.Len()
	s.mu.Unlock()

	if evicted {
		telemetry.CacheEvictionsTotal.With("capacity").Inc()
	}
	telemetry.CacheEntries.Set(float64(size))
}

// Get returns a copy of the cached record. Expired entries are removed and
// reported as missing.
func (s *Store) Get(key string) (common.Record, bool) {
	entry, ok := s.lookup(key)
	if !ok {
		return nil, false
	}
	return entry.Data.Clone(), true
}

// Entry returns the full cache entry, applying the same expiry rules as Get.
func (s *Store) Entry(key string) (Entry, bool) {
	entry, ok := s.lookup(key)
	if !ok {
		return Entry{}, false
	}
	out := *entry
	out.Data = entry.Data.Clone()
	return out, true
}

func (s *Store) lookup(key string) (*Entry, bool) {
	now := s.opts.Clock.Now()

	s.mu.Lock()
	entry, ok := s.entries.Get(key)
	if ok && entry.Expired(now) {
		s.entries.Remove(key)
		s.mu.Unlock()

		s.misses.Add(1)
		telemetry.CacheRequestsTotal.With("expired").Inc()
		telemetry.CacheEvictionsTotal.With("ttl").Inc()
		return nil, false
	}
	s.mu.Unlock()

	if !ok {
		s.misses.Add(1)
		telemetry.CacheRequestsTotal.With("miss").Inc()
		return nil, false
	}

	s.hits.Add(1)
	telemetry.CacheRequestsTotal.With("hit").Inc()
	return entry, true
}

// Delete removes key if present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	s.entries.Remove(key)
	s.mu.Unlock()
}

// Len returns the number of stored entries, including ones that have
// expired but not yet been swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Stats returns current usage counters.
func (s *Store) Stats() Stats {
	return Stats{
		Size:   s.Len(),
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.opts.Clock.Now()

	s.mu.Lock()
	removed := 0
	for _, key := range s.entries.Keys() {
		entry, ok := s.entries.Peek(key)
		if ok && entry.Expired(now) {
			s.entries.Remove(key)
			removed++
		}
	}
	size := s.entries.Len()
	s.mu.Unlock()

	if removed > 0 {
		telemetry.CacheEvictionsTotal.With("sweep").Add(float64(removed))
		log.Debug().Int("removed", removed).Int("size", size).Msg("Cache sweep completed")
	}
	telemetry.CacheEntries.Set(float64(size))
	return removed
}

// Start begins the periodic sweep.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop halts the periodic sweep.
func (s *Store) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := s.opts.Clock.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

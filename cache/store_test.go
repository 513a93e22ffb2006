package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/livesync/clock"
	"github.com/maxpert/livesync/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxEntries int) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	s, err := NewStore(Options{Clock: clk, MaxEntries: maxEntries})
	require.NoError(t, err)
	return s, clk
}

func TestStore_ConservativeTTLBoundary(t *testing.T) {
	s, clk := newTestStore(t, 0)

	s.Set("courses_c1", common.Record{"id": "c1"}, Conservative)

	clk.Advance(10*time.Minute - time.Millisecond)
	got, ok := s.Get("courses_c1")
	require.True(t, ok, "entry must be readable before 10 minutes")
	assert.Equal(t, "c1", got.ID())

	clk.Advance(time.Millisecond)
	_, ok = s.Get("courses_c1")
	assert.False(t, ok, "entry must be gone at 10 minutes")
	assert.Equal(t, 0, s.Len(), "expired entry must be removed on read")
}

func TestStore_AggressiveTTL(t *testing.T) {
	s, clk := newTestStore(t, 0)

	s.Set("k", common.Record{"id": "k"}, Aggressive)
	clk.Advance(29 * time.Minute)
	_, ok := s.Get("k")
	assert.True(t, ok)

	clk.Advance(time.Minute)
	_, ok = s.Get("k")
	assert.False(t, ok)
}

func TestStore_TTLFixedAtWriteTime(t *testing.T) {
	s, _ := newTestStore(t, 0)

	s.Set("k", common.Record{"id": "k"}, Aggressive)
	entry, ok := s.Entry("k")
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, entry.TTL)
	assert.Equal(t, "k", entry.Key)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t, 0)

	original := common.Record{"id": "c1", "title": "Go"}
	s.Set("c1", original, Conservative)
	original["title"] = "mutated after set"

	got, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "Go", got["title"])

	got["title"] = "mutated after get"
	again, _ := s.Get("c1")
	assert.Equal(t, "Go", again["title"])
}

func TestStore_SweepRemovesOnlyExpired(t *testing.T) {
	s, clk := newTestStore(t, 0)

	s.Set("old", common.Record{"id": "old"}, Conservative)
	clk.Advance(20 * time.Minute)
	s.Set("fresh", common.Record{"id": "fresh"}, Conservative)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("fresh")
	assert.True(t, ok)
}

func TestStore_HitRate(t *testing.T) {
	s, _ := newTestStore(t, 0)

	s.Set("a", common.Record{"id": "a"}, Conservative)
	s.Get("a")
	s.Get("a")
	s.Get("a")
	s.Get("missing")

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate(), 1e-9)
	assert.Equal(t, 0.0, Stats{}.HitRate())
}

func TestStore_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	s, _ := newTestStore(t, 2)

	s.Set("a", common.Record{"id": "a"}, Conservative)
	s.Set("b", common.Record{"id": "b"}, Conservative)
	s.Get("a")
	s.Set("c", common.Record{"id": "c"}, Conservative)

	_, okA := s.Get("a")
	_, okB := s.Get("b")
	_, okC := s.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(t, 0)

	s.Set("a", common.Record{"id": "a"}, Conservative)
	s.Delete("a")
	s.Delete("a")
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s, _ := newTestStore(t, 100)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%50)
				s.Set(key, common.Record{"id": key, "worker": worker}, Conservative)
				s.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 100)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "courses_c1", Key("courses", "c1"))
}

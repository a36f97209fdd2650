package kvcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheManagerSweepEvictsOnlyExpiredAndIdle(t *testing.T) {
	cache := NewRequestsCache(1, 1, 1)
	m := NewCacheManager(cache, 10*time.Second)

	base := time.Unix(0, 0)
	m.Set("stale", 1, base)
	m.StepComplete("stale", base)

	m.Set("fresh", 1, base.Add(9*time.Second))
	m.StepComplete("fresh", base.Add(9*time.Second))

	m.Set("busy", 1, base)
	// no StepComplete: still in flight, must survive the sweep.

	evicted := m.Sweep(base.Add(11 * time.Second))
	assert.ElementsMatch(t, []string{"stale"}, evicted)
	assert.True(t, m.Get("fresh"))
	assert.True(t, m.Get("busy"))
	assert.False(t, m.Get("stale"))
}

func TestCacheManagerDeleteRemovesImmediately(t *testing.T) {
	cache := NewRequestsCache(1, 1, 1)
	m := NewCacheManager(cache, time.Hour)
	m.Set("a", 1, time.Unix(0, 0))
	m.Delete("a")
	assert.False(t, m.Get("a"))
	assert.Equal(t, 0, cache.GetCachedLen("a", 0))
}

func TestCacheManagerClearRemovesEverything(t *testing.T) {
	cache := NewRequestsCache(1, 1, 1)
	m := NewCacheManager(cache, time.Hour)
	m.Set("a", 1, time.Unix(0, 0))
	m.Set("b", 1, time.Unix(0, 0))
	m.Clear()
	assert.False(t, m.Get("a"))
	assert.False(t, m.Get("b"))
}

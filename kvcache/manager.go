package kvcache

import (
	"sync"
	"time"
)

// managedEntry pairs a RequestsCache slot with the bookkeeping the
// CacheManager needs: when it was last touched, and whether a step is
// currently in flight against it (sweep must not evict mid-step,
// spec.md §4.2).
type managedEntry struct {
	lastAccess time.Time
	inFlight   bool
}

// CacheManager is the per-worker map of request_id to (RequestsCache
// entry, last-access timestamp) described in spec.md §4.2, with a
// periodic sweep that evicts entries older than maxAliveTime. It
// wraps a RequestsCache rather than reimplementing arena storage,
// mirroring how the teacher keeps cache bookkeeping (cellRanges,
// config) and raw tensor storage (cells, keys, values) as separate
// concerns within kvcache.Causal.
type CacheManager struct {
	cache        *RequestsCache
	maxAliveTime time.Duration

	mu      sync.Mutex
	entries map[string]*managedEntry
}

// NewCacheManager wraps cache with TTL tracking; maxAliveTime is the
// age (since last access) after which Sweep evicts an entry.
func NewCacheManager(cache *RequestsCache, maxAliveTime time.Duration) *CacheManager {
	return &CacheManager{
		cache:        cache,
		maxAliveTime: maxAliveTime,
		entries:      make(map[string]*managedEntry),
	}
}

// Set registers or refreshes requestID as present at now, and begins
// a forward step against it: add() on the wrapped RequestsCache plus
// marking it in-flight so Sweep won't race a concurrent eviction.
func (m *CacheManager) Set(requestID string, segmentLength int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Add(requestID, segmentLength)
	me, ok := m.entries[requestID]
	if !ok {
		me = &managedEntry{}
		m.entries[requestID] = me
	}
	me.lastAccess = now
	me.inFlight = true
}

// StepComplete marks requestID no longer in flight, refreshing
// lastAccess so its TTL window starts from step completion. Call
// after every step that touched requestID.
func (m *CacheManager) StepComplete(requestID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if me, ok := m.entries[requestID]; ok {
		me.inFlight = false
		me.lastAccess = now
	}
}

// Cache returns the wrapped RequestsCache, for callers (the engine's
// LayerRange.Forward) that need to drive per-layer append/read
// directly rather than through the TTL-tracking wrapper.
func (m *CacheManager) Cache() *RequestsCache { return m.cache }

// CachedLen reports requestID's cached length at layerIdx, or 0 if
// unknown or new — a pass-through to the wrapped RequestsCache.
func (m *CacheManager) CachedLen(requestID string, layerIdx int) int {
	return m.cache.GetCachedLen(requestID, layerIdx)
}

// Get reports whether requestID has a live entry.
func (m *CacheManager) Get(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[requestID]
	return ok
}

// CopyPrefix duplicates srcID's cache entries onto a freshly
// registered dstID (kvcache.RequestsCache.CopyPrefix), and registers
// dstID in the manager with last-access time now, not in flight — the
// n-samples path of spec.md §2's n-samples attribute: every extra
// sample reuses the already-prefilled cache instead of re-running
// prefill.
func (m *CacheManager) CopyPrefix(srcID, dstID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.cache.CopyPrefix(srcID, dstID); err != nil {
		return err
	}
	m.entries[dstID] = &managedEntry{lastAccess: now}
	return nil
}

// Delete evicts requestID immediately, regardless of TTL — used for
// cancellation (spec.md §5, worker Evict).
func (m *CacheManager) Delete(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, requestID)
	delete(m.cache.requests, requestID)
}

// Clear evicts every entry.
func (m *CacheManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*managedEntry)
	m.cache.requests = make(map[string]*requestEntry)
}

// Sweep evicts every entry whose age since last access exceeds
// maxAliveTime and that is not currently in flight, returning the
// evicted request ids.
func (m *CacheManager) Sweep(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for id, me := range m.entries {
		if me.inFlight {
			continue
		}
		if now.Sub(me.lastAccess) > m.maxAliveTime {
			delete(m.entries, id)
			delete(m.cache.requests, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

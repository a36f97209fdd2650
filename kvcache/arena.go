// Package kvcache implements the per-request, per-layer KV-cache
// subsystem of spec.md §4.2: a RequestsCache that appends each step's
// new K/V slice into a per-(request, layer) arena and returns the full
// per-request history, plus a CacheManager that tracks last-access
// time and sweeps entries older than a TTL.
//
// This is a deliberate redesign from the teacher's kvcache.Causal,
// which holds one shared ring buffer of cells across all sequences
// (cellRanges, findLocs, a single buildMask over the whole cache).
// Per spec.md's Design Notes, every request here gets its own
// capacity-C arena per layer with an append cursor, grown
// geometrically the way Causal.Init rounds cache size up to
// CachePadding — so an append does not reallocate on every call, it
// only grows the arena when the cursor would overflow it. Update reads
// each arena through a view over [0, cursor) and returns the packed
// concatenation of those views, which is a fresh copy on every call.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/latticerun/lattice/tensor"
)

// ErrKvCacheFull names a cache-full condition. Arenas grow without a
// capacity ceiling, so no operation in this package returns it.
var ErrKvCacheFull = errors.New("kvcache: cache full")

// ErrUnknownRequest is returned by operations addressing a request_id
// the cache has no entry for.
var ErrUnknownRequest = errors.New("kvcache: unknown request")

// ErrNotSupported mirrors the teacher's sentinel for operations this
// cache variant does not implement (e.g. shifting a fixed arena).
var ErrNotSupported = errors.New("kvcache: not supported")

// arenaMinCapacity is the smallest capacity a freshly grown arena is
// rounded up to, avoiding a string of single-token reallocations for
// short sequences.
const arenaMinCapacity = 16

// arena holds one layer's K or V history for one request: a
// capacity-C backing tensor [C, numKVHeads, headDim] and an append
// cursor marking how much of it is populated. Growth doubles
// capacity, the same amortized policy as the teacher's
// roundUp-to-CachePadding sizing in kvcache/constructors.go, just
// applied per-request instead of to one global cache.
type arena struct {
	numKVHeads int
	headDim    int
	cursor     int
	data       []float32 // len == capacity*numKVHeads*headDim
}

func newArena(numKVHeads, headDim int) *arena {
	return &arena{numKVHeads: numKVHeads, headDim: headDim}
}

func (a *arena) capacity() int {
	if a.headDim == 0 || a.numKVHeads == 0 {
		return 0
	}
	return len(a.data) / (a.numKVHeads * a.headDim)
}

func (a *arena) growTo(minCapacity int) {
	cap := a.capacity()
	if cap >= minCapacity {
		return
	}
	newCap := max(arenaMinCapacity, cap*2)
	for newCap < minCapacity {
		newCap *= 2
	}
	grown := make([]float32, newCap*a.numKVHeads*a.headDim)
	copy(grown, a.data)
	a.data = grown
}

// append writes segment (a [segLen, numKVHeads, headDim] tensor) onto
// the arena starting at the current cursor, growing first if needed,
// and advances the cursor.
func (a *arena) append(segment tensor.Tensor) {
	segLen := segment.Shape[0]
	a.growTo(a.cursor + segLen)
	rowSize := a.numKVHeads * a.headDim
	copy(a.data[a.cursor*rowSize:(a.cursor+segLen)*rowSize], segment.Data)
	a.cursor += segLen
}

// view returns the populated prefix [0, cursor) as a Tensor. It
// aliases the arena's backing storage — callers must not retain it
// across a subsequent append, which may reallocate.
func (a *arena) view() tensor.Tensor {
	rowSize := a.numKVHeads * a.headDim
	return tensor.Tensor{
		Shape: []int{a.cursor, a.numKVHeads, a.headDim},
		Data:  a.data[:a.cursor*rowSize],
	}
}

// entry is the per-request, per-layer pair of K/V arenas.
type entry struct {
	k, v *arena
}

func newEntry(numKVHeads, headDim int) *entry {
	return &entry{k: newArena(numKVHeads, headDim), v: newArena(numKVHeads, headDim)}
}

func (e *entry) cachedLen() int {
	return e.k.cursor
}

func (e *entry) String() string {
	return fmt.Sprintf("entry{cachedLen=%d}", e.cachedLen())
}

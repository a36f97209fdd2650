package kvcache

import (
	"fmt"
	"sync"

	"github.com/latticerun/lattice/tensor"
)

// requestEntry is one request's per-layer arenas plus the bookkeeping
// needed to validate the update() call contract for the current step
// (spec.md §4.2: "update is called at most once per (step, request,
// layer)" and "out of layer sequence is fatal").
type requestEntry struct {
	layers        []*entry
	segmentLength int
	lastLayer     int // -1 before the first update() this step
}

// RequestsCache is the per-worker KV-cache registry of spec.md §4.2:
// a mapping from request_id to that request's per-layer K/V arenas
// and the segment length being processed in the current step.
type RequestsCache struct {
	numLayers  int
	numKVHeads int
	headDim    int

	mu       sync.Mutex
	requests map[string]*requestEntry
}

// NewRequestsCache constructs an empty cache sized for numLayers
// owned layers and the given KV head geometry.
func NewRequestsCache(numLayers, numKVHeads, headDim int) *RequestsCache {
	return &RequestsCache{
		numLayers:  numLayers,
		numKVHeads: numKVHeads,
		headDim:    headDim,
		requests:   make(map[string]*requestEntry),
	}
}

// Add registers requestID for the current step, recording
// segmentLength and resetting the per-step update-ordering tracker.
// A request not previously seen gets fresh, empty per-layer arenas.
func (c *RequestsCache) Add(requestID string, segmentLength int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	re, ok := c.requests[requestID]
	if !ok {
		layers := make([]*entry, c.numLayers)
		for i := range layers {
			layers[i] = newEntry(c.numKVHeads, c.headDim)
		}
		re = &requestEntry{layers: layers}
		c.requests[requestID] = re
	}
	re.segmentLength = segmentLength
	re.lastLayer = -1
}

// GetCachedLen returns the length already cached for requestID at
// layerIdx, or 0 if the request is unknown or new.
func (c *RequestsCache) GetCachedLen(requestID string, layerIdx int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	re, ok := c.requests[requestID]
	if !ok {
		return 0
	}
	return re.layers[layerIdx].cachedLen()
}

// Update splits the packed kNew/vNew tensors (leading dim = Σ
// segmentLength over requestIDs, in order) by each request's
// segmentLength, appends each slice onto that request's (K, V) arena
// at layerIdx, then returns the packed concatenation — in requestIDs
// order — of every request's full per-layer cache, pre-existing plus
// newly appended. Each request's history is read through its arena's
// view (no copy, the teacher's Causal.Get pattern applied to
// per-request arenas), but the packed result is a fresh tensor.Concat
// copy built on every call.
func (c *RequestsCache) Update(kNew, vNew tensor.Tensor, requestIDs []string, layerIdx int) (tensor.Tensor, tensor.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wantLen := 0
	entries := make([]*requestEntry, len(requestIDs))
	for i, id := range requestIDs {
		re, ok := c.requests[id]
		if !ok {
			return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
		}
		if layerIdx <= re.lastLayer {
			return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("kvcache: update for request %s called out of layer sequence (layer %d after %d)", id, layerIdx, re.lastLayer)
		}
		entries[i] = re
		wantLen += re.segmentLength
	}
	if kNew.Shape[0] != wantLen || vNew.Shape[0] != wantLen {
		return tensor.Tensor{}, tensor.Tensor{}, fmt.Errorf("kvcache: packed leading dim %d (K) / %d (V) does not match Σ segment_length %d", kNew.Shape[0], vNew.Shape[0], wantLen)
	}

	kParts := make([]tensor.Tensor, len(requestIDs))
	vParts := make([]tensor.Tensor, len(requestIDs))
	off := 0
	for i, re := range entries {
		seg := re.segmentLength
		kSlice := kNew.Slice(off, off+seg)
		vSlice := vNew.Slice(off, off+seg)
		off += seg

		le := re.layers[layerIdx]
		le.k.append(kSlice)
		le.v.append(vSlice)
		re.lastLayer = layerIdx

		kParts[i] = le.k.view()
		vParts[i] = le.v.view()
	}

	return tensor.Concat(kParts...), tensor.Concat(vParts...), nil
}

// CopyPrefix clones srcID's full per-layer K/V history onto dstID, a
// newly introduced request, so dstID can continue decoding from the
// same prefill prefix independently (n-samples sharing a prompt's
// cache, spec.md §3). Grounded on the teacher's
// kvcache.Causal.CopyPrefix, which seeds a new sequence id from an
// existing one's cached cells; here that is a deep copy of each
// layer's arena data since every request owns its own backing array
// rather than sharing ring-buffer cells by reference.
func (c *RequestsCache) CopyPrefix(srcID, dstID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, ok := c.requests[srcID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, srcID)
	}

	layers := make([]*entry, c.numLayers)
	for i, le := range src.layers {
		dst := newEntry(c.numKVHeads, c.headDim)
		dst.k.append(le.k.view())
		dst.v.append(le.v.view())
		layers[i] = dst
	}
	c.requests[dstID] = &requestEntry{layers: layers, lastLayer: -1}
	return nil
}

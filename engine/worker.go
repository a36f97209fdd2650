// Package engine implements the worker inference engine of spec.md
// §4.6: a single owned LayerRange driven by a per-step request batch,
// backed by a CacheManager. Grounded in the teacher's runner package
// (runner/ollamarunner/runner_compute.go's batch-to-forward-pass
// sequencing and runner_sequence.go's per-sequence cache bookkeeping),
// generalized from "one local model, many local sequences" to "one
// owned layer shard, many cross-worker-routed requests."
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/latticerun/lattice/kvcache"
	"github.com/latticerun/lattice/tensor"
	"github.com/latticerun/lattice/transformer"
)

// ErrUnknownRequest surfaces a request_id the worker's CacheManager
// has no entry for at Forward time (spec.md §7: "unknown request_id
// at worker... step fails").
var ErrUnknownRequest = kvcache.ErrUnknownRequest

// StepResult is what one Forward call reports back to the
// coordinator, mirroring the RPC reply shape of spec.md §6:
// hidden_states plus cost_time_ms.
type StepResult struct {
	Hidden     tensor.Tensor
	CostTimeMS float64
}

// Worker owns a contiguous LayerRange and the per-request KV cache
// for the layers in it. It has no process-wide singleton state
// (design notes §9): every Worker is an explicit, constructed object
// with a Close that releases nothing more than its own cache, the
// same shape as the teacher's kvcache.Causal.Close closing owned
// backend contexts.
type Worker struct {
	backend tensor.Backend
	layers  *transformer.LayerRange
	cache   *kvcache.CacheManager

	isFinalWorker bool
}

// NewWorker constructs a Worker over layers, using cache (already
// sized to layers.NumLayers()) for KV storage. isFinalWorker marks
// whether this worker owns the model's last layer, which triggers
// last-row selection per spec.md §4.6 step 3.
func NewWorker(backend tensor.Backend, layers *transformer.LayerRange, cache *kvcache.CacheManager, isFinalWorker bool) *Worker {
	return &Worker{backend: backend, layers: layers, cache: cache, isFinalWorker: isFinalWorker}
}

// StepRequest is one Forward call's packed batch: request_ids and
// segment_lengths in parallel, in order, plus the packed hidden
// states (leading dim == Σ segment_lengths).
type StepRequest struct {
	RequestIDs     []string
	SegmentLengths []int
	Hidden         tensor.Tensor
}

// Forward runs spec.md §4.6's five steps for one packed batch: builds
// the per-step attention context (resolving prev_cached_len and
// packed position_ids from the CacheManager), runs every owned layer
// in order, selects the last row per request if this worker owns the
// final layer, updates CacheManager bookkeeping, and sweeps expired
// entries.
func (w *Worker) Forward(req StepRequest, now time.Time) (StepResult, error) {
	start := time.Now()

	if len(req.RequestIDs) != len(req.SegmentLengths) {
		return StepResult{}, fmt.Errorf("engine: %d request_ids but %d segment_lengths", len(req.RequestIDs), len(req.SegmentLengths))
	}
	total := 0
	for _, s := range req.SegmentLengths {
		total += s
	}
	if req.Hidden.Shape[0] != total {
		return StepResult{}, fmt.Errorf("engine: packed hidden leading dim %d does not match Σ segment_length %d", req.Hidden.Shape[0], total)
	}

	positions := make([]int32, 0, total)
	for i, id := range req.RequestIDs {
		seg := req.SegmentLengths[i]
		w.cache.Set(id, seg, now)

		prevCachedLen := w.cache.CachedLen(id, 0)
		if seg == 1 {
			positions = append(positions, int32(prevCachedLen))
		} else {
			for p := 0; p < seg; p++ {
				positions = append(positions, int32(prevCachedLen+p))
			}
		}
	}

	out, err := w.layers.Forward(w.backend, req.Hidden, positions, req.RequestIDs, req.SegmentLengths, w.cache.Cache())
	if err != nil {
		for _, id := range req.RequestIDs {
			w.cache.StepComplete(id, now)
		}
		if errors.Is(err, kvcache.ErrUnknownRequest) {
			return StepResult{}, fmt.Errorf("engine: %w", ErrUnknownRequest)
		}
		return StepResult{}, fmt.Errorf("engine: layer range forward: %w", err)
	}

	if w.isFinalWorker {
		out = selectLastRowPerRequest(out, req.SegmentLengths)
	}

	for _, id := range req.RequestIDs {
		w.cache.StepComplete(id, now)
	}
	w.cache.Sweep(now)

	return StepResult{Hidden: out, CostTimeMS: float64(time.Since(start).Microseconds()) / 1000.0}, nil
}

// CopyPrefix duplicates srcID's cached layers onto dstID, the
// n-samples path: the coordinator calls this once per worker after a
// request's prefill completes, for every sample beyond the first, so
// each sample decodes against its own copy of the shared prefix
// instead of re-running prefill (spec.md §2's n-samples attribute).
func (w *Worker) CopyPrefix(srcID, dstID string, now time.Time) error {
	return w.cache.CopyPrefix(srcID, dstID, now)
}

// Evict best-effort deletes requestID's cache entry, for cancellation
// (spec.md §5: "the coordinator... issues a best-effort delete to
// each worker that holds its cache").
func (w *Worker) Evict(requestID string) {
	w.cache.Delete(requestID)
}

// Close releases the worker's owned resources. LayerRange itself
// holds no resources beyond Go-GC'd tensors, so this only clears the
// cache; the method exists so Worker's lifecycle matches the "no
// process-wide singletons, explicit Close" design note (§9).
func (w *Worker) Close() {
	w.cache.Clear()
}

func selectLastRowPerRequest(hidden tensor.Tensor, segmentLengths []int) tensor.Tensor {
	rows := make([]tensor.Tensor, len(segmentLengths))
	off := 0
	for i, seg := range segmentLengths {
		rows[i] = hidden.Slice(off+seg-1, off+seg)
		off += seg
	}
	return tensor.Concat(rows...)
}

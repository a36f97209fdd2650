package transformer

import (
	"fmt"
	"math"

	"github.com/latticerun/lattice/kvcache"
	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/nn/rope"
	"github.com/latticerun/lattice/tensor"
)

// Attention is one layer's attention sublayer: a fused QKV
// column-parallel projection, RoPE application, a KV-cache update,
// grouped-query expansion, masked scaled-dot-product attention, and a
// row-parallel output projection — spec.md §4.3's six steps in order.
type Attention struct {
	cfg   Config
	qkv   *nn.FusedColumnParallel
	out   *nn.RowParallel
	ropeT tensor.RoPETables
	scale float32
}

// NewAttention builds the sublayer's sharded projections from unsharded
// weights: qkvWeight is [QSize+2*KVSize, HiddenSize], outWeight is
// [HiddenSize, QSize].
func NewAttention(cfg Config, qkvWeight, outWeight tensor.Tensor, pg *nn.ProcessGroup) (*Attention, error) {
	qkv, err := nn.NewFusedColumnParallel(qkvWeight, []int{cfg.QSize(), cfg.KVSize(), cfg.KVSize()}, cfg.World)
	if err != nil {
		return nil, fmt.Errorf("transformer: qkv projection: %w", err)
	}
	out, err := nn.NewRowParallel(outWeight, cfg.World, pg)
	if err != nil {
		return nil, fmt.Errorf("transformer: output projection: %w", err)
	}
	return &Attention{
		cfg:   cfg,
		qkv:   qkv,
		out:   out,
		ropeT: rope.NewTables(cfg.MaxPosition, cfg.HeadDim, cfg.RopeBase, rope.WithOriginalContextLength(cfg.MaxPosition)),
		scale: float32(1.0 / math.Sqrt(float64(cfg.HeadDim))),
	}, nil
}

// Forward runs the sublayer for one step's packed batch. hidden is
// [Σ segment_length, hidden_size]; positions holds each packed row's
// absolute position (spec.md §4.3); requestIDs/segmentLengths are
// parallel, in request order; cache is the worker's per-layer KV
// cache and layerIdx is this block's index within it.
func (a *Attention) Forward(
	backend tensor.Backend,
	hidden tensor.Tensor,
	positions []int32,
	requestIDs []string,
	segmentLengths []int,
	cache *kvcache.RequestsCache,
	layerIdx int,
) (tensor.Tensor, error) {
	tokens := hidden.Shape[0]

	parts := a.qkv.Forward(hidden)
	q := parts[0].Reshape(tokens, a.cfg.NumHeads, a.cfg.HeadDim)
	k := parts[1].Reshape(tokens, a.cfg.NumKVHeads, a.cfg.HeadDim)
	v := parts[2].Reshape(tokens, a.cfg.NumKVHeads, a.cfg.HeadDim)

	q = backend.RoPE(a.ropeT, q, positions)
	k = backend.RoPE(a.ropeT, k, positions)

	kAll, vAll, err := cache.Update(k.Reshape(tokens, a.cfg.KVSize()), v.Reshape(tokens, a.cfg.KVSize()), requestIDs, layerIdx)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("transformer: cache update: %w", err)
	}
	keyTokens := kAll.Shape[0]
	kAll = kAll.Reshape(keyTokens, a.cfg.NumKVHeads, a.cfg.HeadDim)
	vAll = vAll.Reshape(keyTokens, a.cfg.NumKVHeads, a.cfg.HeadDim)

	groupSize := a.cfg.NumHeads / a.cfg.NumKVHeads
	kExp := tensor.RepeatKV(kAll, groupSize)
	vExp := tensor.RepeatKV(vAll, groupSize)

	cachedLens := make([]int, len(requestIDs))
	for i, id := range requestIDs {
		cachedLens[i] = cache.GetCachedLen(id, layerIdx)
	}
	// BuildMask already degenerates a length-1 segment to "attend to
	// all cached keys of the same request" per-request (spec.md §4.3);
	// a batch of only such segments is the pure-decode case the spec
	// calls out as skipping triangular-mask construction.
	mask := kvcache.BuildMask(segmentLengths, cachedLens, positions)

	attnOut := backend.Attention(q, kExp, vExp, mask, a.scale)
	flat := attnOut.Reshape(tokens, a.cfg.QSize())
	return a.out.Forward(flat), nil
}

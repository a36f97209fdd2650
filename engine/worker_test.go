package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerun/lattice/kvcache"
	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/tensor"
	"github.com/latticerun/lattice/transformer"
)

type identitySource struct {
	cfg transformer.Config
}

func (s identitySource) Tensor(key string) (tensor.Tensor, error) {
	switch key {
	case "layers.0.attn_norm.weight", "layers.0.mlp_norm.weight":
		return tensor.FromData(onesF(s.cfg.HiddenSize), s.cfg.HiddenSize), nil
	case "layers.0.attn_qkv.weight":
		return smallW(s.cfg.QSize()+2*s.cfg.KVSize(), s.cfg.HiddenSize), nil
	case "layers.0.attn_output.weight":
		return smallW(s.cfg.HiddenSize, s.cfg.QSize()), nil
	case "layers.0.mlp_gate_up.weight":
		return smallW(2*s.cfg.IntermediateSize, s.cfg.HiddenSize), nil
	case "layers.0.mlp_down.weight":
		return smallW(s.cfg.HiddenSize, s.cfg.IntermediateSize), nil
	}
	panic("unknown key " + key)
}

func onesF(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func smallW(rows, cols int) tensor.Tensor {
	t := tensor.New(rows, cols)
	for i := range t.Data {
		t.Data[i] = 0.01 * float32(i%5-2)
	}
	return t
}

func buildWorker(t *testing.T, isFinal bool) *Worker {
	cfg := transformer.Config{
		HiddenSize: 8, NumLayers: 1, NumHeads: 2, NumKVHeads: 2,
		HeadDim: 4, IntermediateSize: 16, RMSEps: 1e-5, RopeBase: 10000,
		MaxPosition: 32, World: 1,
	}
	descriptor := transformer.NewModelDescriptor(cfg)
	loader := transformer.NewWeightLoader(identitySource{cfg: cfg})
	pg := nn.NewProcessGroup(1)

	lr, err := transformer.NewLayerRange(descriptor, loader, 0, 1, pg)
	require.NoError(t, err)

	cache := kvcache.NewRequestsCache(lr.NumLayers(), cfg.NumKVHeads, cfg.HeadDim)
	mgr := kvcache.NewCacheManager(cache, time.Minute)
	return NewWorker(tensor.CPUBackend{}, lr, mgr, isFinal)
}

func TestWorkerForwardPrefillThenDecode(t *testing.T) {
	w := buildWorker(t, false)
	now := time.Unix(0, 0)

	hidden := smallW(3, 8)
	result, err := w.Forward(StepRequest{
		RequestIDs:     []string{"r1"},
		SegmentLengths: []int{3},
		Hidden:         hidden,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8}, result.Hidden.Shape)

	decodeHidden := smallW(1, 8)
	result2, err := w.Forward(StepRequest{
		RequestIDs:     []string{"r1"},
		SegmentLengths: []int{1},
		Hidden:         decodeHidden,
	}, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8}, result2.Hidden.Shape)
}

func TestWorkerFinalWorkerSelectsLastRowPerRequest(t *testing.T) {
	w := buildWorker(t, true)
	now := time.Unix(0, 0)

	hidden := smallW(5, 8) // r1: 3 rows, r2: 2 rows
	result, err := w.Forward(StepRequest{
		RequestIDs:     []string{"r1", "r2"},
		SegmentLengths: []int{3, 2},
		Hidden:         hidden,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8}, result.Hidden.Shape)
}

func TestWorkerForwardRejectsMismatchedLengths(t *testing.T) {
	w := buildWorker(t, false)
	_, err := w.Forward(StepRequest{
		RequestIDs:     []string{"r1", "r2"},
		SegmentLengths: []int{1},
		Hidden:         smallW(1, 8),
	}, time.Unix(0, 0))
	assert.Error(t, err)
}

func TestWorkerEvictDeletesCacheEntry(t *testing.T) {
	w := buildWorker(t, false)
	now := time.Unix(0, 0)
	_, err := w.Forward(StepRequest{
		RequestIDs:     []string{"r1"},
		SegmentLengths: []int{2},
		Hidden:         smallW(2, 8),
	}, now)
	require.NoError(t, err)

	w.Evict("r1")
	_, err = w.layers.Forward(tensor.CPUBackend{}, smallW(1, 8), []int32{0}, []string{"r1"}, []int{1}, w.cache.Cache())
	assert.Error(t, err)
}

package rpcwire

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerun/lattice/engine"
	"github.com/latticerun/lattice/kvcache"
	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/tensor"
	"github.com/latticerun/lattice/transformer"
)

type identitySource struct{ cfg transformer.Config }

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

func buildWorker(t *testing.T) *engine.Worker {
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
	return engine.NewWorker(tensor.CPUBackend{}, lr, mgr, true)
}

type recordingConfig struct {
	last SetConfigRequest
}

func (r *recordingConfig) SetConfig(req SetConfigRequest) { r.last = req }

func TestClientForwardRoundTripsThroughServer(t *testing.T) {
	worker := buildWorker(t)
	cfg := &recordingConfig{}
	srv := NewServer(worker, cfg)
	ts := httptest.NewServer(srv.GenerateRoutes())
	defer ts.Close()

	client := NewClient(ts.URL)
	hidden := smallW(3, 8)
	out, cost, err := client.Forward([]string{"r1"}, []int{3}, hidden)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8}, out.Shape)
	assert.GreaterOrEqual(t, cost, 0.0)
}

func TestClientSetConfigDeliversToServer(t *testing.T) {
	worker := buildWorker(t)
	cfg := &recordingConfig{}
	srv := NewServer(worker, cfg)
	ts := httptest.NewServer(srv.GenerateRoutes())
	defer ts.Close()

	client := NewClient(ts.URL)
	err := client.SetConfig(SetConfigRequest{ForwardURL: "http://next:9000", MasterURL: "http://master:9000", PPRank: 1})
	require.NoError(t, err)
	assert.Equal(t, "http://next:9000", cfg.last.ForwardURL)
	assert.Equal(t, 1, cfg.last.PPRank)
}

func TestClientCopyPrefixDuplicatesCacheEntry(t *testing.T) {
	worker := buildWorker(t)
	cfg := &recordingConfig{}
	srv := NewServer(worker, cfg)
	ts := httptest.NewServer(srv.GenerateRoutes())
	defer ts.Close()

	client := NewClient(ts.URL)
	_, _, err := client.Forward([]string{"r1"}, []int{3}, smallW(3, 8))
	require.NoError(t, err)

	err = client.CopyPrefix("r1", "r1#1")
	require.NoError(t, err)

	_, _, err = client.Forward([]string{"r1#1"}, []int{1}, smallW(1, 8))
	require.NoError(t, err)
}

func TestClientForwardSurfacesWorkerError(t *testing.T) {
	worker := buildWorker(t)
	cfg := &recordingConfig{}
	srv := NewServer(worker, cfg)
	ts := httptest.NewServer(srv.GenerateRoutes())
	defer ts.Close()

	client := NewClient(ts.URL)
	_, _, err := client.Forward([]string{"r1", "r2"}, []int{1}, smallW(1, 8))
	assert.Error(t, err)
}

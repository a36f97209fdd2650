package coordinator

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerun/lattice/engine"
	"github.com/latticerun/lattice/kvcache"
	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/request"
	"github.com/latticerun/lattice/rpcwire"
	"github.com/latticerun/lattice/tensor"
	"github.com/latticerun/lattice/transformer"
)

type fakeSource struct{ cfg transformer.Config }

func (f fakeSource) Tensor(key string) (tensor.Tensor, error) {
	cfg := f.cfg
	switch {
	case key == "layers.0.attn_norm.weight", key == "layers.0.mlp_norm.weight",
		key == "layers.1.attn_norm.weight", key == "layers.1.mlp_norm.weight",
		key == "output_norm.weight":
		return tensor.FromData(onesVec(cfg.HiddenSize), cfg.HiddenSize), nil
	case key == "token_embd.weight":
		return smallT(cfg.VocabSize, cfg.HiddenSize), nil
	case key == "layers.0.attn_qkv.weight", key == "layers.1.attn_qkv.weight":
		return smallT(cfg.QSize()+2*cfg.KVSize(), cfg.HiddenSize), nil
	case key == "layers.0.attn_output.weight", key == "layers.1.attn_output.weight":
		return smallT(cfg.HiddenSize, cfg.QSize()), nil
	case key == "layers.0.mlp_gate_up.weight", key == "layers.1.mlp_gate_up.weight":
		return smallT(2*cfg.IntermediateSize, cfg.HiddenSize), nil
	case key == "layers.0.mlp_down.weight", key == "layers.1.mlp_down.weight":
		return smallT(cfg.HiddenSize, cfg.IntermediateSize), nil
	}
	return tensor.Tensor{}, fmt.Errorf("fakeSource: unknown key %q", key)
}

func onesVec(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func smallT(rows, cols int) tensor.Tensor {
	t := tensor.New(rows, cols)
	for i := range t.Data {
		t.Data[i] = 0.01 * float32(i%7-3)
	}
	return t
}

// buildTestCluster stands up a two-worker pipeline (one layer each)
// behind httptest servers, plus a Coordinator wired to that pipeline's
// embedding and output head, all sharing one fakeSource.
func buildTestCluster(t *testing.T) (*Coordinator, func()) {
	t.Helper()

	cfg := transformer.Config{
		HiddenSize: 8, NumLayers: 2, NumHeads: 2, NumKVHeads: 2,
		HeadDim: 4, IntermediateSize: 16, RMSEps: 1e-5, RopeBase: 10000,
		MaxPosition: 32, World: 1, VocabSize: 12, TieEmbeddings: true,
	}
	source := fakeSource{cfg: cfg}
	descriptor := transformer.NewModelDescriptor(cfg)
	loader := transformer.NewWeightLoader(source)
	pg := nn.NewProcessGroup(1)

	var servers []*httptest.Server
	var clients []*rpcwire.Client
	for rank, bounds := range [][2]int{{0, 1}, {1, 2}} {
		lr, err := transformer.NewLayerRange(descriptor, loader, bounds[0], bounds[1], pg)
		require.NoError(t, err)
		cache := kvcache.NewRequestsCache(lr.NumLayers(), cfg.NumKVHeads, cfg.HeadDim)
		mgr := kvcache.NewCacheManager(cache, time.Minute)
		worker := engine.NewWorker(tensor.CPUBackend{}, lr, mgr, rank == 1)

		srv := rpcwire.NewServer(worker, noopConfigSetter{})
		ts := httptest.NewServer(srv.GenerateRoutes())
		servers = append(servers, ts)
		clients = append(clients, rpcwire.NewClient(ts.URL))
	}

	embedding, err := loader.LoadEmbedding()
	require.NoError(t, err)
	outputHead, err := loader.LoadOutputHead(cfg, embedding)
	require.NoError(t, err)

	pipeline := NewPipeline(clients)
	ctx, cancel := context.WithCancel(context.Background())
	pipeline.Start(ctx)

	co := New(embedding, outputHead, pipeline, 4096)

	cleanup := func() {
		cancel()
		for _, ts := range servers {
			ts.Close()
		}
	}
	return co, cleanup
}

type noopConfigSetter struct{}

func (noopConfigSetter) SetConfig(req rpcwire.SetConfigRequest) {}

func TestStepRunsPrefillThenDecodeToCompletion(t *testing.T) {
	co, cleanup := buildTestCluster(t)
	defer cleanup()

	r := request.New("req-1", []int32{1, 2, 3}, request.SamplingParams{MaxNewTokens: 2}, nil, time.Now())
	co.Submit(r)

	n, err := co.Step(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, r.Completions[0].TokenIDs, 1)

	n, err = co.Step(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, r.Completions[0].TokenIDs, 2)
	assert.True(t, r.IsStop())

	_, ok := co.Get("req-1")
	assert.False(t, ok, "coordinator should drop a stopped request")
}

func TestStepWithNoAdmittedRequestsIsNoop(t *testing.T) {
	co, cleanup := buildTestCluster(t)
	defer cleanup()

	n, err := co.Step(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNSamplesProducesIndependentCompletionsAfterSharedPrefill(t *testing.T) {
	co, cleanup := buildTestCluster(t)
	defer cleanup()

	r := request.New("req-ns", []int32{4, 5}, request.SamplingParams{MaxNewTokens: 2, NSamples: 3}, nil, time.Now())
	co.Submit(r)

	n, err := co.Step(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "prefill dispatches one packed row regardless of n_samples")
	for _, c := range r.Completions {
		assert.Len(t, c.TokenIDs, 1)
	}

	n, err = co.Step(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n, "decode dispatches one row per live sample")
	for _, c := range r.Completions {
		assert.Len(t, c.TokenIDs, 2)
	}
}

func TestAdmissionRespectsTokenBudget(t *testing.T) {
	co, cleanup := buildTestCluster(t)
	defer cleanup()
	co.maxBatchTokens = 3

	big := request.New("big", []int32{1, 2, 3, 4}, request.SamplingParams{MaxNewTokens: 1}, nil, time.Now())
	small := request.New("small", []int32{1, 2}, request.SamplingParams{MaxNewTokens: 1}, nil, time.Now())
	co.Submit(big)
	co.Submit(small)

	n, err := co.Step(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the oversized request at the head of the FCFS queue blocks admission")
	assert.Equal(t, request.StatePending, big.State)
	assert.Equal(t, request.StatePending, small.State)
}

func TestCancelEvictsAndDropsRequest(t *testing.T) {
	co, cleanup := buildTestCluster(t)
	defer cleanup()

	r := request.New("req-cancel", []int32{1, 2}, request.SamplingParams{MaxNewTokens: 5}, nil, time.Now())
	co.Submit(r)

	_, err := co.Step(time.Now())
	require.NoError(t, err)

	co.Cancel("req-cancel")
	_, ok := co.Get("req-cancel")
	assert.False(t, ok)
	for _, c := range r.Completions {
		assert.Equal(t, request.FinishError, c.FinishReason)
	}
}

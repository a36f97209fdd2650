package transformer

import (
	"fmt"

	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/tensor"
)

// SublayerKind names a block's declared components, the unit
// ModelDescriptor enumerates per layer.
type SublayerKind string

const (
	SublayerAttention SublayerKind = "attention"
	SublayerMLP       SublayerKind = "mlp"
)

// LayerDescriptor is one layer's declared sublayer kinds. Every Llama-
// family layer in this runtime is attention+MLP, but the slice shape
// (rather than a hardcoded pair) leaves room for a future layer kind
// without changing the loader's contract.
type LayerDescriptor struct {
	Index int
	Kinds []SublayerKind
}

// ModelDescriptor lists every layer's sublayer kinds for a model of
// the given Config, the static declaration a WeightLoader is built
// against. This replaces the teacher's cyclic dynamic module tree
// (reflection over `gguf:"..."` struct tags resolved against a
// loaded file at construction time, model/models/*/model.go) with an
// explicit, inspectable listing produced ahead of weight loading.
type ModelDescriptor struct {
	Config Config
	Layers []LayerDescriptor
}

// NewModelDescriptor builds a descriptor with Config.NumLayers
// uniform attention+MLP layers.
func NewModelDescriptor(cfg Config) *ModelDescriptor {
	layers := make([]LayerDescriptor, cfg.NumLayers)
	for i := range layers {
		layers[i] = LayerDescriptor{Index: i, Kinds: []SublayerKind{SublayerAttention, SublayerMLP}}
	}
	return &ModelDescriptor{Config: cfg, Layers: layers}
}

// WeightSource resolves a namespaced weight key (e.g.
// "layers.3.attn_qkv.weight") to its materialized tensor. Weight-file
// parsing itself is out of scope (spec.md §1); callers supply a
// WeightSource backed by whatever loader the deployment uses.
type WeightSource interface {
	Tensor(key string) (tensor.Tensor, error)
}

// WeightLoader maps a ModelDescriptor's declared layers to typed
// Block slots by resolving each sublayer's weights through a
// WeightSource, as a pass separate from construction — the teacher's
// `gguf:"attn_q"`-style struct-tag convention
// (model/models/deepseek2/attention.go), reimplemented as an explicit
// loader interface instead of reflection.
type WeightLoader struct {
	source WeightSource
}

// NewWeightLoader binds a loader to the given weight source.
func NewWeightLoader(source WeightSource) *WeightLoader {
	return &WeightLoader{source: source}
}

// LoadBlock resolves and constructs layer globalIndex's Block.
// localIndex is the block's position within the owning worker's
// LayerRange (and so the index it uses against that worker's
// per-layer KV cache); globalIndex addresses weights in the full
// model's namespace.
func (l *WeightLoader) LoadBlock(cfg Config, globalIndex, localIndex int, pg *nn.ProcessGroup) (*Block, error) {
	prefix := fmt.Sprintf("layers.%d.", globalIndex)

	attnNormW, err := l.tensor1D(prefix + "attn_norm.weight")
	if err != nil {
		return nil, err
	}
	qkvW, err := l.source.Tensor(prefix + "attn_qkv.weight")
	if err != nil {
		return nil, fmt.Errorf("transformer: %s: %w", prefix+"attn_qkv.weight", err)
	}
	outW, err := l.source.Tensor(prefix + "attn_output.weight")
	if err != nil {
		return nil, fmt.Errorf("transformer: %s: %w", prefix+"attn_output.weight", err)
	}
	mlpNormW, err := l.tensor1D(prefix + "mlp_norm.weight")
	if err != nil {
		return nil, err
	}
	gateUpW, err := l.source.Tensor(prefix + "mlp_gate_up.weight")
	if err != nil {
		return nil, fmt.Errorf("transformer: %s: %w", prefix+"mlp_gate_up.weight", err)
	}
	downW, err := l.source.Tensor(prefix + "mlp_down.weight")
	if err != nil {
		return nil, fmt.Errorf("transformer: %s: %w", prefix+"mlp_down.weight", err)
	}

	attn, err := NewAttention(cfg, qkvW, outW, pg)
	if err != nil {
		return nil, fmt.Errorf("transformer: layer %d: %w", globalIndex, err)
	}
	mlp, err := NewMLP(cfg, gateUpW, downW, pg)
	if err != nil {
		return nil, fmt.Errorf("transformer: layer %d: %w", globalIndex, err)
	}

	return &Block{
		Index:    localIndex,
		AttnNorm: nn.NewRMSNorm(attnNormW, cfg.RMSEps),
		Attn:     attn,
		MLPNorm:  nn.NewRMSNorm(mlpNormW, cfg.RMSEps),
		MLP:      mlp,
	}, nil
}

func (l *WeightLoader) tensor1D(key string) ([]float32, error) {
	t, err := l.source.Tensor(key)
	if err != nil {
		return nil, fmt.Errorf("transformer: %s: %w", key, err)
	}
	return t.Data, nil
}

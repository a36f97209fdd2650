package transformer

import (
	"fmt"

	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/tensor"
)

// OutputHead is the coordinator's final-hop transform of spec.md
// §4.7 step 4: "apply the output RMSNorm and the embedding-tied (or
// separate) output projection to produce logits." Lives in the
// coordinator's process, not a worker's, since spec.md's data flow
// has the coordinator — not the last pipeline worker — own this step.
type OutputHead struct {
	norm *nn.RMSNorm
	proj *nn.ColumnParallel // world=1 in the coordinator: output projection is not tensor-sharded here
}

// NewOutputHead builds an OutputHead from normWeight and projWeight
// (a [vocabSize, hiddenSize] matrix — either the model's own lm_head
// or the embedding table itself when TieEmbeddings is set).
func NewOutputHead(normWeight []float32, projWeight tensor.Tensor, eps float32) (*OutputHead, error) {
	proj, err := nn.NewColumnParallel(projWeight, 1)
	if err != nil {
		return nil, fmt.Errorf("transformer: output head: %w", err)
	}
	return &OutputHead{norm: nn.NewRMSNorm(normWeight, eps), proj: proj}, nil
}

// Forward applies the final RMSNorm then the output projection,
// producing logits of shape [rows, vocabSize].
func (h *OutputHead) Forward(hidden tensor.Tensor) tensor.Tensor {
	normed := h.norm.Forward(hidden)
	return h.proj.ForwardFull(normed)
}

// LoadEmbedding resolves the model's token embedding table
// ("token_embd.weight", shape [vocabSize, hiddenSize]).
func (l *WeightLoader) LoadEmbedding() (*nn.Embedding, error) {
	w, err := l.source.Tensor("token_embd.weight")
	if err != nil {
		return nil, fmt.Errorf("transformer: token_embd.weight: %w", err)
	}
	return nn.NewEmbedding(w), nil
}

// LoadOutputHead resolves "output_norm.weight" and, unless
// cfg.TieEmbeddings is set, "output.weight"; when tied it reuses
// embedding's table as the output projection, per spec.md §4.7's
// "embedding-tied (or separate) output projection."
func (l *WeightLoader) LoadOutputHead(cfg Config, embedding *nn.Embedding) (*OutputHead, error) {
	normW, err := l.tensor1D("output_norm.weight")
	if err != nil {
		return nil, err
	}

	projW := embedding.Weight
	if !cfg.TieEmbeddings {
		projW, err = l.source.Tensor("output.weight")
		if err != nil {
			return nil, fmt.Errorf("transformer: output.weight: %w", err)
		}
	}

	return NewOutputHead(normW, projW, cfg.RMSEps)
}

package nn

import "github.com/latticerun/lattice/tensor"

// Embedding is an unsharded token embedding table [vocabSize,
// hiddenSize]; weight-file parsing and on-disk layout are out of
// scope (spec.md §1), so the table is supplied already materialized.
type Embedding struct {
	Weight tensor.Tensor
}

// NewEmbedding wraps a [vocabSize, hiddenSize] weight table.
func NewEmbedding(weight tensor.Tensor) *Embedding {
	return &Embedding{Weight: weight}
}

// Forward gathers rows for the given token ids, producing a packed
// [len(ids), hiddenSize] tensor — the "pack input token embeddings"
// step of spec.md §4.7.
func (e *Embedding) Forward(ids []int32) tensor.Tensor {
	hidden := e.Weight.Shape[1]
	out := tensor.New(len(ids), hidden)
	for i, id := range ids {
		copy(out.Data[i*hidden:(i+1)*hidden], e.Weight.Row(int(id)))
	}
	return out
}

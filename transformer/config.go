// Package transformer implements the layer-sharded transformer block
// of spec.md §4.3-4.5: the attention sublayer, the MLP sublayer, their
// pre-norm residual composition into a Block, and the per-worker
// LayerRange that owns a contiguous slice of a model's blocks under
// pipeline parallelism. Grounded throughout on the teacher's
// model/models/deepseek2 package (the one concrete transformer
// implementation in the pack), generalized from deepseek2's
// MLA/expert-routing specifics down to the plain Llama-family
// attention + dense MLP spec.md describes.
package transformer

// Config is a model's architectural shape, read once at construction
// (weight-archive parsing is out of scope, spec.md §1) and shared by
// every Block a LayerRange builds.
type Config struct {
	HiddenSize       int
	NumLayers        int
	NumHeads         int
	NumKVHeads       int
	HeadDim          int
	IntermediateSize int
	RMSEps           float32
	RopeBase         float32
	MaxPosition      int
	World            int // tensor-parallel degree within this worker
	VocabSize        int
	TieEmbeddings    bool // output projection reuses the input embedding table
}

// QSize, KVSize are the fused QKV projection's declared output widths.
func (c Config) QSize() int  { return c.NumHeads * c.HeadDim }
func (c Config) KVSize() int { return c.NumKVHeads * c.HeadDim }

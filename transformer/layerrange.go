package transformer

import (
	"fmt"

	"github.com/latticerun/lattice/kvcache"
	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/tensor"
)

// LayerRange is a worker's contiguous shard of a model's layers under
// pipeline parallelism: global indices [Start, End), built once from a
// ModelDescriptor and a WeightLoader and then run against successive
// packed batches. Blocks are indexed locally (0-based within the
// range) so they address their own worker's KV cache directly.
type LayerRange struct {
	Start, End int // global layer indices, [Start, End)
	Blocks     []*Block
}

// NewLayerRange loads blocks [start, end) of descriptor's model using
// loader, sharing one ProcessGroup (and so one tensor-parallel world)
// across every block.
func NewLayerRange(descriptor *ModelDescriptor, loader *WeightLoader, start, end int, pg *nn.ProcessGroup) (*LayerRange, error) {
	if start < 0 || end > len(descriptor.Layers) || start >= end {
		return nil, fmt.Errorf("transformer: invalid layer range [%d, %d) for %d-layer model", start, end, len(descriptor.Layers))
	}

	blocks := make([]*Block, end-start)
	for g := start; g < end; g++ {
		local := g - start
		block, err := loader.LoadBlock(descriptor.Config, g, local, pg)
		if err != nil {
			return nil, err
		}
		blocks[local] = block
	}

	return &LayerRange{Start: start, End: end, Blocks: blocks}, nil
}

// NumLayers reports how many layers this range owns.
func (r *LayerRange) NumLayers() int { return len(r.Blocks) }

// Forward runs every owned block in order over one step's packed
// batch, threading the updated hidden state from block to block.
func (r *LayerRange) Forward(
	backend tensor.Backend,
	hidden tensor.Tensor,
	positions []int32,
	requestIDs []string,
	segmentLengths []int,
	cache *kvcache.RequestsCache,
) (tensor.Tensor, error) {
	for _, block := range r.Blocks {
		var err error
		hidden, err = block.Forward(backend, hidden, positions, requestIDs, segmentLengths, cache)
		if err != nil {
			return tensor.Tensor{}, err
		}
	}
	return hidden, nil
}

// Package nn implements the sharded linear layers of spec.md §4.1: a
// linear projection split across a tensor-parallel world of co-located
// ranks, in the three variants the attention and MLP sublayers need
// (column-parallel, row-parallel, and a fused multi-part column
// variant for QKV / gate-up). All ranks of a given layer are always
// local to the same worker process (spec.md §5: "tensor-parallel
// 'ranks' are threads or processes sharing the layer's hidden axis"),
// so a ShardedLinear holds every rank's weight slice rather than being
// addressed per-rank.
package nn

import (
	"fmt"

	"github.com/latticerun/lattice/tensor"
)

// ErrIndivisibleShard is returned when a sharding axis does not divide
// evenly by the declared world size, per spec.md §4.1's load contract.
var ErrIndivisibleShard = fmt.Errorf("nn: sharding axis not divisible by world size")

// ColumnParallel holds a column-sharded weight: out dimension C split
// into World equal parts of size C/World, each [C/World, R].
type ColumnParallel struct {
	World int
	Shard []tensor.Tensor // per-rank weight slice, len == World
}

// NewColumnParallel slices weight [C, R] into World equal row-blocks,
// one per rank, by chunking the output axis (dim 0).
func NewColumnParallel(weight tensor.Tensor, world int) (*ColumnParallel, error) {
	c := weight.Shape[0]
	if c%world != 0 {
		return nil, fmt.Errorf("%w: output dim %d, world %d", ErrIndivisibleShard, c, world)
	}
	local := c / world
	shards := make([]tensor.Tensor, world)
	for r := 0; r < world; r++ {
		shards[r] = weight.Slice(r*local, (r+1)*local)
	}
	return &ColumnParallel{World: world, Shard: shards}, nil
}

// Forward computes, for every rank, x @ shard_r^T. Input x is
// replicated across ranks (spec.md §4.1). The per-rank partials, in
// rank order, reassemble via tensor.ConcatLastDim into the exact
// unsharded-equivalent output.
func (l *ColumnParallel) Forward(x tensor.Tensor) []tensor.Tensor {
	out := make([]tensor.Tensor, l.World)
	for r, w := range l.Shard {
		out[r] = tensor.MatMulNT(x, w)
	}
	return out
}

// ForwardFull runs Forward and reassembles the per-rank partials into
// the single unsharded-equivalent output tensor. Used where the caller
// doesn't need to keep the per-rank split (e.g. standalone linear
// layers not feeding a row-parallel layer next).
func (l *ColumnParallel) ForwardFull(x tensor.Tensor) tensor.Tensor {
	return tensor.ConcatLastDim(l.Forward(x)...)
}

// RowParallel holds a row-sharded weight: input dimension R split into
// World equal column-blocks of size R/World, each [C, R/World].
type RowParallel struct {
	World int
	Shard []tensor.Tensor
	group *ProcessGroup
}

// NewRowParallel slices weight [C, R] into World equal column-blocks,
// one per rank, by chunking the input axis (dim 1), and binds the
// ProcessGroup used to all-reduce partial outputs.
func NewRowParallel(weight tensor.Tensor, world int, group *ProcessGroup) (*RowParallel, error) {
	c, r := weight.Shape[0], weight.Shape[1]
	if r%world != 0 {
		return nil, fmt.Errorf("%w: input dim %d, world %d", ErrIndivisibleShard, r, world)
	}
	local := r / world
	shards := make([]tensor.Tensor, world)
	for rank := 0; rank < world; rank++ {
		shard := tensor.New(c, local)
		for row := 0; row < c; row++ {
			copy(shard.Data[row*local:(row+1)*local], weight.Data[row*r+rank*local:row*r+(rank+1)*local])
		}
		shards[rank] = shard
	}
	return &RowParallel{World: world, Shard: shards, group: group}, nil
}

// Forward slices the unsharded input x [tokens, R] into each rank's
// [tokens, R/World] slice, computes every rank's partial [tokens, C]
// output, and all-reduces (sum) to the exact result (spec.md §4.1).
// With World == 1 the all-reduce is a no-op (spec.md §8 boundary
// behavior).
func (l *RowParallel) Forward(x tensor.Tensor) tensor.Tensor {
	tokens := x.Shape[0]
	r := x.Shape[1]
	local := r / l.World

	partials := make([]tensor.Tensor, l.World)
	for rank, w := range l.Shard {
		xSlice := tensor.New(tokens, local)
		for t := 0; t < tokens; t++ {
			copy(xSlice.Data[t*local:(t+1)*local], x.Data[t*r+rank*local:t*r+(rank+1)*local])
		}
		partials[rank] = tensor.MatMulNT(xSlice, w)
	}

	return l.group.AllReduceSum(partials)
}

// FusedColumnParallel holds several column-parallel projections that
// share the same input (spec.md §4.1, "Fused QKV / gate-up"). SubSizes
// declares each part's global output width (e.g. [qSize, kSize,
// vSize]); each part must itself be divisible by World. The weight is
// supplied as one fused matrix, but each part is kept as its own
// ColumnParallel and projected with its own matmul per rank; the parts
// are not merged into a single matmul per rank.
type FusedColumnParallel struct {
	World    int
	SubSizes []int
	parts    []*ColumnParallel
}

// NewFusedColumnParallel builds one ColumnParallel shard set per
// declared sub-size by slicing weight [sum(subSizes), R] section by
// section, so that concatenating rank r's fused output and splitting
// by subSizes recovers each part.
func NewFusedColumnParallel(weight tensor.Tensor, subSizes []int, world int) (*FusedColumnParallel, error) {
	parts := make([]*ColumnParallel, len(subSizes))
	off := 0
	for i, size := range subSizes {
		sub := weight.Slice(off, off+size)
		cp, err := NewColumnParallel(sub, world)
		if err != nil {
			return nil, fmt.Errorf("fused part %d: %w", i, err)
		}
		parts[i] = cp
		off += size
	}
	return &FusedColumnParallel{World: world, SubSizes: subSizes, parts: parts}, nil
}

// Forward runs every sub-projection and returns each one fully
// reassembled across ranks, in declaration order (e.g. Q, K, V).
func (f *FusedColumnParallel) Forward(x tensor.Tensor) []tensor.Tensor {
	out := make([]tensor.Tensor, len(f.parts))
	for i, p := range f.parts {
		out[i] = p.ForwardFull(x)
	}
	return out
}

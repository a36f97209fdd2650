package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerun/lattice/tensor"
)

func unshardedLinear(x, weight tensor.Tensor) tensor.Tensor {
	return tensor.MatMulNT(x, weight)
}

func TestColumnThenRowParallelMatchesUnsharded(t *testing.T) {
	// x: [tokens=2, R=4]; column weight [C=4, R=4]; row weight [C2=4, R2=4]
	x := tensor.FromData([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 4)
	colWeight := tensor.FromData([]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}, 4, 4)
	rowWeight := tensor.FromData([]float32{
		1, 1, 0, 0,
		0, 1, 1, 0,
		0, 0, 1, 1,
		1, 0, 0, 1,
	}, 4, 4)

	unshardedMid := unshardedLinear(x, colWeight)
	unshardedOut := unshardedLinear(unshardedMid, rowWeight)

	for _, world := range []int{1, 2, 4} {
		col, err := NewColumnParallel(colWeight, world)
		require.NoError(t, err)
		mid := col.ForwardFull(x)
		assert.InDeltaSlice(t, unshardedMid.Data, mid.Data, 1e-4, "world=%d", world)

		pg := NewProcessGroup(world)
		row, err := NewRowParallel(rowWeight, world, pg)
		require.NoError(t, err)
		out := row.Forward(mid)
		assert.InDeltaSlice(t, unshardedOut.Data, out.Data, 1e-4, "world=%d", world)
	}
}

func TestColumnParallelRejectsIndivisibleWorld(t *testing.T) {
	weight := tensor.New(5, 4)
	_, err := NewColumnParallel(weight, 3)
	assert.ErrorIs(t, err, ErrIndivisibleShard)
}

func TestRowParallelRejectsIndivisibleWorld(t *testing.T) {
	weight := tensor.New(4, 5)
	_, err := NewRowParallel(weight, 3, NewProcessGroup(3))
	assert.ErrorIs(t, err, ErrIndivisibleShard)
}

func TestFusedColumnParallelSplitsCorrectly(t *testing.T) {
	// R=2, subSizes q=4,k=2,v=2 total=8
	x := tensor.FromData([]float32{1, 0, 0, 1}, 2, 2)
	weight := tensor.New(8, 2)
	for i := 0; i < 8; i++ {
		weight.Data[i*2] = float32(i)
		weight.Data[i*2+1] = float32(i) * 10
	}

	fused, err := NewFusedColumnParallel(weight, []int{4, 2, 2}, 2)
	require.NoError(t, err)
	parts := fused.Forward(x)
	require.Len(t, parts, 3)
	assert.Equal(t, []int{2, 4}, parts[0].Shape)
	assert.Equal(t, []int{2, 2}, parts[1].Shape)
	assert.Equal(t, []int{2, 2}, parts[2].Shape)

	// Compare against unsharded full matmul + manual split.
	full := tensor.MatMulNT(x, weight)
	for t2 := 0; t2 < 2; t2++ {
		row := full.Row(t2)
		assert.InDeltaSlice(t, row[0:4], parts[0].Row(t2), 1e-4)
		assert.InDeltaSlice(t, row[4:6], parts[1].Row(t2), 1e-4)
		assert.InDeltaSlice(t, row[6:8], parts[2].Row(t2), 1e-4)
	}
}

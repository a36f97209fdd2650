package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/latticerun/lattice/tensor"
)

func TestProcessGroupAllReduceSumMatchesSequentialSum(t *testing.T) {
	for _, world := range []int{1, 2, 3, 5, 8} {
		partials := make([]tensor.Tensor, world)
		want := make([]float32, 4)
		for r := 0; r < world; r++ {
			data := []float32{float32(r), float32(r) * 2, float32(r) * 3, 1}
			partials[r] = tensor.FromData(append([]float32(nil), data...), 1, 4)
			for i, v := range data {
				want[i] += v
			}
		}
		pg := NewProcessGroup(world)
		got := pg.AllReduceSum(partials)
		assert.InDeltaSlice(t, want, got.Data, 1e-5, "world=%d", world)
	}
}

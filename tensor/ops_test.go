package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatMulNT(t *testing.T) {
	x := FromData([]float32{1, 2, 3, 4}, 2, 2) // [[1,2],[3,4]]
	w := FromData([]float32{1, 0, 0, 1}, 2, 2) // identity
	out := MatMulNT(x, w)
	assert.Equal(t, x.Data, out.Data)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := FromData([]float32{1, 2, 3, 0, 0, 0}, 2, 3)
	out := Softmax(x)
	for r := 0; r < 2; r++ {
		var sum float32
		for c := 0; c < 3; c++ {
			sum += out.Data[r*3+c]
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestSoftmaxHandlesAllMaskedRow(t *testing.T) {
	neg := float32(math.Inf(-1))
	x := FromData([]float32{neg, neg, neg}, 1, 3)
	out := Softmax(x)
	for _, v := range out.Data {
		assert.True(t, !math.IsNaN(float64(v)))
	}
}

func TestRMSNormUnitWeight(t *testing.T) {
	x := FromData([]float32{3, 4}, 1, 2)
	w := []float32{1, 1}
	out := RMSNorm(x, w, 1e-6)
	// rms = sqrt((9+16)/2) = sqrt(12.5)
	rms := math.Sqrt(12.5)
	assert.InDelta(t, 3/rms, float64(out.Data[0]), 1e-4)
	assert.InDelta(t, 4/rms, float64(out.Data[1]), 1e-4)
}

func TestBytesRoundTrip(t *testing.T) {
	for _, dtype := range []DType{DTypeF32, DTypeBF16, DTypeF16} {
		x := FromData([]float32{1.5, -2.25, 0, 100.125}, 4)
		b := x.Bytes(dtype)
		got := FromBytes(b, dtype, 4)
		tol := 1e-3
		if dtype != DTypeF32 {
			tol = 0.5
		}
		for i := range x.Data {
			assert.InDelta(t, float64(x.Data[i]), float64(got.Data[i]), tol)
		}
	}
}

func TestBytesRoundTripEmpty(t *testing.T) {
	x := New(0, 4)
	b := x.Bytes(DTypeF32)
	require.Empty(t, b)
	got := FromBytes(b, DTypeF32, 0, 4)
	assert.Equal(t, 0, got.Numel())
}

func TestRepeatKVGroupSizeOne(t *testing.T) {
	kv := FromData([]float32{1, 2, 3, 4}, 2, 1, 2)
	out := RepeatKV(kv, 1)
	assert.Equal(t, kv.Data, out.Data)
}

func TestRepeatKVExpands(t *testing.T) {
	kv := FromData([]float32{1, 2}, 1, 1, 2)
	out := RepeatKV(kv, 3)
	require.Equal(t, []int{1, 3, 2}, out.Shape)
	for g := 0; g < 3; g++ {
		assert.Equal(t, []float32{1, 2}, out.Data[g*2:g*2+2])
	}
}

func TestAllReduceSumSingleIsNoOp(t *testing.T) {
	a := FromData([]float32{1, 2, 3}, 3)
	out := AllReduceSum([]Tensor{a})
	assert.Equal(t, a.Data, out.Data)
}

func TestAllReduceSumMultiple(t *testing.T) {
	a := FromData([]float32{1, 2}, 2)
	b := FromData([]float32{3, 4}, 2)
	out := AllReduceSum([]Tensor{a, b})
	assert.Equal(t, []float32{4, 6}, out.Data)
}

func TestAttentionPureDecodeNoMask(t *testing.T) {
	q := FromData([]float32{1, 0}, 1, 1, 2)
	k := FromData([]float32{1, 0, 0, 1}, 2, 1, 2)
	v := FromData([]float32{10, 0, 0, 20}, 2, 1, 2)
	out := Attention(q, k, v, nil, 1.0)
	require.Equal(t, []int{1, 1, 2}, out.Shape)
	// query matches first key more strongly, output should be closer to first value row
	assert.Greater(t, out.Data[0], float32(5))
}

func TestRoPETablesStable(t *testing.T) {
	tables := NewRoPETables(4, 4, 10000)
	x := FromData([]float32{1, 0, 1, 0}, 1, 1, 4)
	positions := []int32{0}
	out := tables.Apply(x, positions)
	// position 0 is an identity rotation
	for i := range x.Data {
		assert.InDelta(t, float64(x.Data[i]), float64(out.Data[i]), 1e-5)
	}
}

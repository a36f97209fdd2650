// Package tensor provides the backend-agnostic numeric primitives the
// inference core is built on: a dense float32 tensor type plus the
// operations (matmul, softmax, RMSNorm, RoPE, attention) a transformer
// block needs. It treats the operations as primitives with defined
// shapes and numerics; it does not implement a fused GPU kernel.
package tensor

import "fmt"

// DType identifies the on-wire / storage precision of a Tensor. Compute
// inside this package always happens in float32; DType only affects how
// a Tensor round-trips through Bytes/FromBytes.
type DType int

const (
	DTypeF32 DType = iota
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeBF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// Tensor is a dense, row-major, float32-backed array. Shape[0] is
// conventionally the packed-batch (token) dimension.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed Tensor of the given shape.
func New(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// FromData wraps an existing flat slice as a Tensor of the given shape.
// Panics if the slice length does not match the shape's element count.
func FromData(data []float32, shape ...int) Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Errorf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Dim returns the size of dimension n.
func (t Tensor) Dim(n int) int { return t.Shape[n] }

// Numel returns the total number of elements.
func (t Tensor) Numel() int { return len(t.Data) }

// Clone returns a deep copy of t.
func (t Tensor) Clone() Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return Tensor{Shape: append([]int(nil), t.Shape...), Data: data}
}

// Reshape returns a view over the same backing data with a new shape.
// The element count must match.
func (t Tensor) Reshape(shape ...int) Tensor {
	if numel(shape) != len(t.Data) {
		panic(fmt.Errorf("tensor: cannot reshape %v into %v", t.Shape, shape))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: t.Data}
}

// Row returns the flat [featureSize]float32 slice for leading-dimension
// index i, where featureSize is the product of Shape[1:]. It aliases the
// underlying storage.
func (t Tensor) Row(i int) []float32 {
	featureSize := len(t.Data) / t.Shape[0]
	return t.Data[i*featureSize : (i+1)*featureSize]
}

// Slice returns a new Tensor containing leading-dimension rows [lo, hi).
// It copies the data so the result is safe to mutate independently.
func (t Tensor) Slice(lo, hi int) Tensor {
	featureSize := len(t.Data) / t.Shape[0]
	out := New(append([]int{hi - lo}, t.Shape[1:]...)...)
	copy(out.Data, t.Data[lo*featureSize:hi*featureSize])
	return out
}

// ConcatLastDim concatenates 2D tensors along their last (feature)
// dimension. All inputs must share the same leading dimension. This is
// how a column-parallel layer's per-rank partial outputs are
// reassembled into the unsharded-equivalent tensor.
func ConcatLastDim(ts ...Tensor) Tensor {
	rows := ts[0].Shape[0]
	totalCols := 0
	for _, t := range ts {
		totalCols += t.Shape[1]
	}
	out := New(rows, totalCols)
	for r := 0; r < rows; r++ {
		off := 0
		for _, t := range ts {
			cols := t.Shape[1]
			copy(out.Data[r*totalCols+off:], t.Data[r*cols:(r+1)*cols])
			off += cols
		}
	}
	return out
}

// Concat concatenates tensors along the leading dimension. All inputs
// must share the same trailing shape.
func Concat(ts ...Tensor) Tensor {
	if len(ts) == 0 {
		return Tensor{}
	}
	total := 0
	for _, t := range ts {
		total += t.Shape[0]
	}
	out := New(append([]int{total}, ts[0].Shape[1:]...)...)
	off := 0
	for _, t := range ts {
		copy(out.Data[off:], t.Data)
		off += len(t.Data)
	}
	return out
}

// Bytes serializes the tensor as dtype-converted raw bytes, for the
// "shape header + raw bytes" wire contract used by the Forward RPC.
func (t Tensor) Bytes(dtype DType) []byte {
	switch dtype {
	case DTypeBF16:
		return encodeBF16(t.Data)
	case DTypeF16:
		return EncodeF16(t.Data)
	default:
		return encodeF32(t.Data)
	}
}

// FromBytes deserializes raw bytes of the given dtype into a Tensor of
// the given shape. It inverts Bytes for the same dtype and shape,
// including for empty and zero-length tensors; the round trip is exact
// for DTypeF32 and rounds values to bf16/f16 precision for DTypeBF16
// and DTypeF16.
func FromBytes(b []byte, dtype DType, shape ...int) Tensor {
	n := numel(shape)
	var data []float32
	switch dtype {
	case DTypeBF16:
		data = decodeBF16(b, n)
	case DTypeF16:
		data = DecodeF16(b, n)
	default:
		data = decodeF32(b, n)
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}
}

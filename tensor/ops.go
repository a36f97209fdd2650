package tensor

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// MatMulNT computes x @ w^T, where x is [rows, inDim] and w is
// [outDim, inDim] (the row-major weight-slice layout a sharded linear
// layer stores). The result is [rows, outDim]. This is the hot path
// for every linear projection in the model and is the one operation
// backed by gonum rather than a hand-rolled loop, matching how the
// teacher's backend delegates matmul to a dedicated kernel.
func MatMulNT(x, w Tensor) Tensor {
	rows, inDim := x.Shape[0], x.Shape[1]
	outDim := w.Shape[0]

	xd := make([]float64, len(x.Data))
	for i, v := range x.Data {
		xd[i] = float64(v)
	}
	wd := make([]float64, len(w.Data))
	for i, v := range w.Data {
		wd[i] = float64(v)
	}

	xm := mat.NewDense(rows, inDim, xd)
	// w is [outDim, inDim]; we need w^T as [inDim, outDim].
	wm := mat.NewDense(outDim, inDim, wd)
	var wt mat.Dense
	wt.CloneFrom(wm.T())

	var out mat.Dense
	out.Mul(xm, &wt)

	result := New(rows, outDim)
	for i := range result.Data {
		result.Data[i] = float32(out.RawMatrix().Data[i])
	}
	return result
}

// Add computes elementwise a+b; shapes must match.
func Add(a, b Tensor) Tensor {
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// Mul computes elementwise a*b; shapes must match.
func Mul(a, b Tensor) Tensor {
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out
}

// Scale multiplies every element by s.
func Scale(a Tensor, s float32) Tensor {
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * s
	}
	return out
}

// SiLU applies x * sigmoid(x) elementwise (Llama's declared MLP
// activation).
func SiLU(a Tensor) Tensor {
	out := New(a.Shape...)
	for i, v := range a.Data {
		out.Data[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
	return out
}

// Softmax applies softmax over the last dimension of a 2D tensor,
// accumulating in float32 as recommended by the spec.
func Softmax(a Tensor) Tensor {
	rows, cols := a.Shape[0], a.Shape[1]
	out := New(rows, cols)
	for r := 0; r < rows; r++ {
		row := a.Data[r*cols : (r+1)*cols]
		outRow := out.Data[r*cols : (r+1)*cols]

		max32 := float32(math.Inf(-1))
		for _, v := range row {
			if v > max32 {
				max32 = v
			}
		}
		if math.IsInf(float64(max32), -1) {
			// Every entry is masked out: leave the row all zeros.
			continue
		}

		var sum float32
		for i, v := range row {
			e := float32(math.Exp(float64(v - max32)))
			outRow[i] = e
			sum += e
		}
		if sum == 0 {
			continue
		}
		for i := range outRow {
			outRow[i] /= sum
		}
	}
	return out
}

// RMSNorm normalizes x [tokens, hidden] over its last dimension and
// scales by weight [hidden]. Accumulation happens in float32.
func RMSNorm(x Tensor, weight []float32, eps float32) Tensor {
	tokens, hidden := x.Shape[0], x.Shape[1]
	out := New(tokens, hidden)
	for t := 0; t < tokens; t++ {
		row := x.Data[t*hidden : (t+1)*hidden]
		outRow := out.Data[t*hidden : (t+1)*hidden]

		var sumSq float32
		for _, v := range row {
			sumSq += v * v
		}
		inv := float32(1.0 / math.Sqrt(float64(sumSq/float32(hidden))+float64(eps)))
		for i, v := range row {
			outRow[i] = v * inv * weight[i]
		}
	}
	return out
}

package tensor

import "math"

// RoPETables holds precomputed cos/sin values for rotary positional
// embedding over positions [0, maxPos], built once at construction
// (transformer.Attention sizes them to Config.MaxPosition) rather than
// per batch. Apply indexes them directly, so every position it is
// given must lie within that range.
type RoPETables struct {
	HeadDim int
	Cos     [][]float32 // [position][headDim/2]
	Sin     [][]float32
}

// NewRoPETables builds cos/sin tables for positions [0, maxPos] over a
// rotary dimension headDim, using the standard Llama frequency base.
func NewRoPETables(maxPos, headDim int, base float32) RoPETables {
	half := headDim / 2
	cos := make([][]float32, maxPos+1)
	sin := make([][]float32, maxPos+1)

	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1.0 / math.Pow(float64(base), float64(2*i)/float64(headDim))
	}

	for p := 0; p <= maxPos; p++ {
		cos[p] = make([]float32, half)
		sin[p] = make([]float32, half)
		for i := 0; i < half; i++ {
			angle := float64(p) * invFreq[i]
			cos[p][i] = float32(math.Cos(angle))
			sin[p][i] = float32(math.Sin(angle))
		}
	}

	return RoPETables{HeadDim: headDim, Cos: cos, Sin: sin}
}

// Apply rotates x [tokens, heads, headDim] per spec.md §4.3
// step 2, using positions[i] to index the table for packed row i. It
// returns a new Tensor; x is not mutated.
func (t RoPETables) Apply(x Tensor, positions []int32) Tensor {
	tokens, heads, headDim := x.Shape[0], x.Shape[1], x.Shape[2]
	half := headDim / 2
	out := New(tokens, heads, headDim)

	for i := 0; i < tokens; i++ {
		pos := int(positions[i])
		cos := t.Cos[pos]
		sin := t.Sin[pos]

		for h := 0; h < heads; h++ {
			base := (i*heads + h) * headDim
			for d := 0; d < half; d++ {
				x1 := x.Data[base+d]
				x2 := x.Data[base+half+d]
				out.Data[base+d] = x1*cos[d] - x2*sin[d]
				out.Data[base+half+d] = x2*cos[d] + x1*sin[d]
			}
		}
	}

	return out
}

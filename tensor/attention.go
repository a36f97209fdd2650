package tensor

import "math"

// Attention computes masked scaled-dot-product attention over a packed
// batch, per spec.md §4.3 step 5. q is [numQueryTokens, numHeads,
// headDim]; k and v are [numKeyTokens, numKVHeads, headDim] (already
// grouped-query-expanded to numHeads by the caller, or numKVHeads ==
// numHeads). mask is an additive [numQueryTokens, numKeyTokens] tensor
// of 0 (attend) or -Inf (masked); pass a nil mask for pure-decode
// (segment length 1) to skip the triangular-mask construction the spec
// calls out as unnecessary in that case.
func Attention(q, k, v Tensor, mask []float32, scale float32) Tensor {
	numQ, heads, headDim := q.Shape[0], q.Shape[1], q.Shape[2]
	numK := k.Shape[0]

	out := New(numQ, heads, headDim)

	scores := make([]float32, numK)
	for h := 0; h < heads; h++ {
		for qi := 0; qi < numQ; qi++ {
			qRow := q.Data[(qi*heads+h)*headDim : (qi*heads+h+1)*headDim]

			maxScore := float32(math.Inf(-1))
			for ki := 0; ki < numK; ki++ {
				var m float32
				if mask != nil {
					m = mask[qi*numK+ki]
				}
				if math.IsInf(float64(m), -1) {
					scores[ki] = m
					continue
				}
				kRow := k.Data[(ki*heads+h)*headDim : (ki*heads+h+1)*headDim]
				var dot float32
				for d := 0; d < headDim; d++ {
					dot += qRow[d] * kRow[d]
				}
				s := dot*scale + m
				scores[ki] = s
				if s > maxScore {
					maxScore = s
				}
			}

			var sum float32
			for ki := 0; ki < numK; ki++ {
				if math.IsInf(float64(scores[ki]), -1) {
					scores[ki] = 0
					continue
				}
				e := float32(math.Exp(float64(scores[ki] - maxScore)))
				scores[ki] = e
				sum += e
			}

			outRow := out.Data[(qi*heads+h)*headDim : (qi*heads+h+1)*headDim]
			if sum == 0 {
				continue
			}
			for ki := 0; ki < numK; ki++ {
				w := scores[ki] / sum
				if w == 0 {
					continue
				}
				vRow := v.Data[(ki*heads+h)*headDim : (ki*heads+h+1)*headDim]
				for d := 0; d < headDim; d++ {
					outRow[d] += w * vRow[d]
				}
			}
		}
	}

	return out
}

// RepeatKV expands k/v from numKVHeads to numHeads by repeating each
// KV head groupSize = numHeads/numKVHeads times along the head axis,
// per spec.md §4.3 step 4 (grouped-query expansion).
func RepeatKV(kv Tensor, groupSize int) Tensor {
	if groupSize == 1 {
		return kv
	}
	tokens, kvHeads, headDim := kv.Shape[0], kv.Shape[1], kv.Shape[2]
	out := New(tokens, kvHeads*groupSize, headDim)
	for t := 0; t < tokens; t++ {
		for kh := 0; kh < kvHeads; kh++ {
			src := kv.Data[(t*kvHeads+kh)*headDim : (t*kvHeads+kh+1)*headDim]
			for g := 0; g < groupSize; g++ {
				dstHead := kh*groupSize + g
				dst := out.Data[(t*kvHeads*groupSize+dstHead)*headDim : (t*kvHeads*groupSize+dstHead+1)*headDim]
				copy(dst, src)
			}
		}
	}
	return out
}

// AllReduceSum sums a set of same-shape partial tensors elementwise,
// the exact-result combinator a row-parallel linear layer needs after
// each tensor-parallel rank has produced its partial output (spec.md
// §4.1). With a single partial it is a no-op, satisfying the W=1
// boundary property of spec.md §8.
func AllReduceSum(parts []Tensor) Tensor {
	if len(parts) == 1 {
		return parts[0]
	}
	out := New(parts[0].Shape...)
	for _, p := range parts {
		for i, v := range p.Data {
			out.Data[i] += v
		}
	}
	return out
}

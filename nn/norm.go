package nn

import "github.com/latticerun/lattice/tensor"

// RMSNorm wraps an RMS normalization weight, unsharded (spec.md §4.5:
// "Norm weights are not sharded"). It always accumulates in float32
// regardless of the activation's nominal dtype.
type RMSNorm struct {
	Weight []float32
	Eps    float32
}

// NewRMSNorm constructs an RMSNorm layer from a gain vector.
func NewRMSNorm(weight []float32, eps float32) *RMSNorm {
	return &RMSNorm{Weight: weight, Eps: eps}
}

// Forward normalizes x [tokens, hidden] and scales by Weight.
func (n *RMSNorm) Forward(x tensor.Tensor) tensor.Tensor {
	return tensor.RMSNorm(x, n.Weight, n.Eps)
}

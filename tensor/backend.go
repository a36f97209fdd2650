package tensor

// Backend is the capability set the transformer and engine layers are
// built against, injected at construction rather than resolved through
// a global registry (design notes §9: no process-wide backend
// singleton, unlike the teacher's package-level `ml.RegisterBackend`).
// CPUBackend is the only implementation this runtime ships; the
// interface exists so tests can substitute a deterministic or
// instrumented backend without touching call sites.
type Backend interface {
	MatMulNT(x, w Tensor) Tensor
	Softmax(a Tensor) Tensor
	RMSNorm(x Tensor, weight []float32, eps float32) Tensor
	RoPE(tables RoPETables, x Tensor, positions []int32) Tensor
	Attention(q, k, v Tensor, mask []float32, scale float32) Tensor
	AllReduce(parts []Tensor) Tensor
}

// CPUBackend implements Backend directly over this package's
// gonum-assisted float32 primitives.
type CPUBackend struct{}

func (CPUBackend) MatMulNT(x, w Tensor) Tensor { return MatMulNT(x, w) }
func (CPUBackend) Softmax(a Tensor) Tensor      { return Softmax(a) }
func (CPUBackend) RMSNorm(x Tensor, weight []float32, eps float32) Tensor {
	return RMSNorm(x, weight, eps)
}
func (CPUBackend) RoPE(tables RoPETables, x Tensor, positions []int32) Tensor {
	return tables.Apply(x, positions)
}
func (CPUBackend) Attention(q, k, v Tensor, mask []float32, scale float32) Tensor {
	return Attention(q, k, v, mask, scale)
}
func (CPUBackend) AllReduce(parts []Tensor) Tensor { return AllReduceSum(parts) }

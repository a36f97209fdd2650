package transformer

import (
	"fmt"

	"github.com/latticerun/lattice/kvcache"
	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/tensor"
)

// Block is one transformer layer: pre-norm residual composition over
// an attention sublayer and an MLP sublayer, per spec.md §4.5:
//
//	y = x + attn(rmsnorm1(x))
//	z = y + mlp(rmsnorm2(y))
//
// Norm weights are not sharded; residuals cross the sublayer boundary
// in the activation's own numeric type, but the norms themselves
// always accumulate in float32 (tensor.RMSNorm's contract).
type Block struct {
	Index int

	AttnNorm *nn.RMSNorm
	Attn     *Attention
	MLPNorm  *nn.RMSNorm
	MLP      *MLP
}

// Forward runs the block for one step's packed batch and returns the
// updated hidden states, same shape as the input.
func (b *Block) Forward(
	backend tensor.Backend,
	hidden tensor.Tensor,
	positions []int32,
	requestIDs []string,
	segmentLengths []int,
	cache *kvcache.RequestsCache,
) (tensor.Tensor, error) {
	normed := b.AttnNorm.Forward(hidden)
	attnOut, err := b.Attn.Forward(backend, normed, positions, requestIDs, segmentLengths, cache, b.Index)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("transformer: block %d attention: %w", b.Index, err)
	}
	y := tensor.Add(hidden, attnOut)

	normed2 := b.MLPNorm.Forward(y)
	mlpOut := b.MLP.Forward(normed2)
	z := tensor.Add(y, mlpOut)

	return z, nil
}

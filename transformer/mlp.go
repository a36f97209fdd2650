package transformer

import (
	"fmt"

	"github.com/latticerun/lattice/nn"
	"github.com/latticerun/lattice/tensor"
)

// MLP is the standard Llama MLP of spec.md §4.4: down(act(gate(x)) *
// up(x)), with gate/up as a fused column-parallel projection and down
// row-parallel followed by an all-reduce. Activation is SiLU.
type MLP struct {
	gateUp *nn.FusedColumnParallel
	down   *nn.RowParallel
}

// NewMLP builds the sublayer's sharded projections: gateUpWeight is
// [2*IntermediateSize, HiddenSize], downWeight is
// [HiddenSize, IntermediateSize].
func NewMLP(cfg Config, gateUpWeight, downWeight tensor.Tensor, pg *nn.ProcessGroup) (*MLP, error) {
	gateUp, err := nn.NewFusedColumnParallel(gateUpWeight, []int{cfg.IntermediateSize, cfg.IntermediateSize}, cfg.World)
	if err != nil {
		return nil, fmt.Errorf("transformer: gate/up projection: %w", err)
	}
	down, err := nn.NewRowParallel(downWeight, cfg.World, pg)
	if err != nil {
		return nil, fmt.Errorf("transformer: down projection: %w", err)
	}
	return &MLP{gateUp: gateUp, down: down}, nil
}

// Forward computes down(SiLU(gate(x)) * up(x)) for x [tokens, hidden].
func (m *MLP) Forward(x tensor.Tensor) tensor.Tensor {
	parts := m.gateUp.Forward(x)
	gate, up := parts[0], parts[1]
	activated := tensor.SiLU(gate)
	h := tensor.Mul(activated, up)
	return m.down.Forward(h)
}

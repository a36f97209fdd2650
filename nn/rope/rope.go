// Package rope applies rotary positional embedding to Q and K, keyed
// on precomputed cos/sin tables covering positions [0, maxPos] (spec.md
// §4.3 step 2); the tables are built once for the caller's maxPos, not
// per batch. It wraps tensor.RoPETables
// with the functional-option construction style the teacher uses for
// its own RoPE variants (WithOriginalContextLength and friends), even
// though this runtime only needs the base Llama rotation today — the
// option slots are where a future scaling/YaRN variant would hook in.
package rope

import "github.com/latticerun/lattice/tensor"

// Options configures table construction beyond the base frequency.
type Options struct {
	OriginalContextLength int
}

// Option mutates Options during construction.
type Option func(*Options)

// WithOriginalContextLength records the context length the base
// frequencies were trained at, for scaling variants that need it.
func WithOriginalContextLength(n int) Option {
	return func(o *Options) { o.OriginalContextLength = n }
}

// NewTables builds the cos/sin tables used by Apply, for positions
// [0, maxPos] over a rotary dimension headDim.
func NewTables(maxPos, headDim int, base float32, opts ...Option) tensor.RoPETables {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	return tensor.NewRoPETables(maxPos, headDim, base)
}

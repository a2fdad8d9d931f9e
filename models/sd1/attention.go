package sd1

import (
	"math"

	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/ml/nn"
)

// AttentionCore computes multi head attention over the projected query,
// key and value of one attention layer. Adapters swap the core to add a
// conditioning branch; the projections around it stay untouched, so
// restoring the original core restores the exact original layer.
type AttentionCore interface {
	Forward(ctx ml.Context, q, k, v ml.Tensor, heads int) ml.Tensor
}

type sdpaCore struct{}

func (sdpaCore) Forward(ctx ml.Context, q, k, v ml.Tensor, heads int) ml.Tensor {
	return MultiheadAttention(ctx, q, k, v, heads)
}

// MultiheadAttention splits projected q, k and v into heads, applies
// scaled dot product attention and merges the heads back. q is
// [batch, seqQ, inner]; k and v are [batch, seqKV, inner].
func MultiheadAttention(ctx ml.Context, q, k, v ml.Tensor, heads int) ml.Tensor {
	batch, seq, inner := q.Dim(0), q.Dim(1), q.Dim(2)
	headDim := inner / heads

	split := func(t ml.Tensor) ml.Tensor {
		return t.Reshape(ctx, t.Dim(0), t.Dim(1), heads, headDim).Permute(ctx, 0, 2, 1, 3)
	}

	out := nn.Attention(ctx, split(q), split(k), split(v), 1/math.Sqrt(float64(headDim)))
	return out.Permute(ctx, 0, 2, 1, 3).Reshape(ctx, batch, seq, inner)
}

// CrossAttention projects a spatial token sequence against a conditioning
// context. Self attention layers are the same structure applied with the
// tokens as their own context.
type CrossAttention struct {
	ToQ   *nn.Linear `weight:"to_q"`
	ToK   *nn.Linear `weight:"to_k"`
	ToV   *nn.Linear `weight:"to_v"`
	ToOut *nn.Linear `weight:"to_out"`

	Heads int `weight:"-"`

	core AttentionCore
}

// NewCrossAttention builds an attention layer with query dimension dim and
// key/value projections from contextDim. Key and value carry no bias,
// matching the stable diffusion layout.
func NewCrossAttention(ctx ml.Context, dim, contextDim, heads int) *CrossAttention {
	return &CrossAttention{
		ToQ:   nn.NewLinear(ctx, dim, dim, false),
		ToK:   nn.NewLinear(ctx, contextDim, dim, false),
		ToV:   nn.NewLinear(ctx, contextDim, dim, false),
		ToOut: nn.NewLinear(ctx, dim, dim, true),
		Heads: heads,
		core:  sdpaCore{},
	}
}

// Core returns the attention core currently in use.
func (m *CrossAttention) Core() AttentionCore {
	return m.core
}

// SetCore swaps the attention core. Passing a previously returned core
// restores the layer exactly.
func (m *CrossAttention) SetCore(core AttentionCore) {
	m.core = core
}

func (m *CrossAttention) Forward(ctx ml.Context, x, context ml.Tensor) ml.Tensor {
	q := m.ToQ.Forward(ctx, x)
	k := m.ToK.Forward(ctx, context)
	v := m.ToV.Forward(ctx, context)

	return m.ToOut.Forward(ctx, m.core.Forward(ctx, q, k, v, m.Heads))
}

// Package adapter attaches histogram conditioning to the cross attention
// layers of a host denoiser. Injection swaps each layer's attention core
// for one that adds a conditioning branch attending over the histogram
// embedding; ejection restores the saved cores, leaving the host exactly
// as it was found. Host weights are never modified, the only trainable
// tensors are the branch key and value projections.
package adapter

import (
	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/ml/nn"
	"github.com/chromagen/chromagen/models/sd1"
)

// Context carries the conditioning read by injected branches at forward
// time. One context is shared by every branch of an adapter. Contexts
// are not safe for concurrent use; set the embedding and run forwards on
// a single goroutine.
type Context struct {
	HistogramEmbedding ml.Tensor
}

// HistogramCrossAttention is the branch added next to one cross
// attention layer: key and value are projected from the histogram
// embedding and attended by the layer's original queries.
type HistogramCrossAttention struct {
	KProj *nn.Linear `weight:"k_proj"`
	VProj *nn.Linear `weight:"v_proj"`

	Heads int `weight:"-"`

	scale float32
}

// NewHistogramCrossAttention builds a branch for target projecting keys
// and values from embeddingDim. Projection bias follows the target's key
// projection.
func NewHistogramCrossAttention(ctx ml.Context, embeddingDim int, target *sd1.CrossAttention, scale float32) *HistogramCrossAttention {
	inner := target.ToK.Weight.Dim(0)
	bias := target.ToK.Bias != nil

	return &HistogramCrossAttention{
		KProj: nn.NewLinear(ctx, embeddingDim, inner, bias),
		VProj: nn.NewLinear(ctx, embeddingDim, inner, bias),
		Heads: target.Heads,
		scale: scale,
	}
}

// Scale returns the branch output multiplier.
func (m *HistogramCrossAttention) Scale() float32 { return m.scale }

// SetScale sets the branch output multiplier.
func (m *HistogramCrossAttention) SetScale(s float32) { m.scale = s }

// Forward attends the projected queries over the histogram embedding,
// shaped [batch, tokens, embedding dim].
func (m *HistogramCrossAttention) Forward(ctx ml.Context, q, histEmb ml.Tensor) ml.Tensor {
	k := m.KProj.Forward(ctx, histEmb)
	v := m.VProj.Forward(ctx, histEmb)

	return sd1.MultiheadAttention(ctx, q, k, v, m.Heads).Scale(ctx, float64(m.scale))
}

// histogramCore sums the output of the core it replaced with the branch
// output.
type histogramCore struct {
	original sd1.AttentionCore
	branch   *HistogramCrossAttention
	cond     *Context
}

func (c *histogramCore) Forward(ctx ml.Context, q, k, v ml.Tensor, heads int) ml.Tensor {
	out := c.original.Forward(ctx, q, k, v, heads)

	if c.cond.HistogramEmbedding == nil {
		panic("adapter: forward through an injected layer with no histogram embedding set")
	}
	return out.Add(ctx, c.branch.Forward(ctx, q, c.cond.HistogramEmbedding))
}

// CrossAttentionAdapter reversibly attaches one branch to one cross
// attention layer. Inject swaps the layer's attention core for one that
// adds the branch output; Eject puts the saved core back.
type CrossAttentionAdapter struct {
	Branch *HistogramCrossAttention

	target   *sd1.CrossAttention
	cond     *Context
	original sd1.AttentionCore
	injected bool
}

// NewCrossAttentionAdapter builds a standalone adapter for a single
// layer with its own conditioning context.
func NewCrossAttentionAdapter(ctx ml.Context, target *sd1.CrossAttention, embeddingDim int) *CrossAttentionAdapter {
	return newCrossAttentionAdapter(ctx, target, embeddingDim, 1, &Context{})
}

func newCrossAttentionAdapter(ctx ml.Context, target *sd1.CrossAttention, embeddingDim int, scale float32, cond *Context) *CrossAttentionAdapter {
	return &CrossAttentionAdapter{
		Branch: NewHistogramCrossAttention(ctx, embeddingDim, target, scale),
		target: target,
		cond:   cond,
	}
}

// SetHistogramEmbedding sets the conditioning consumed on following
// forwards.
func (a *CrossAttentionAdapter) SetHistogramEmbedding(emb ml.Tensor) {
	a.cond.HistogramEmbedding = emb
}

// Inject installs the branch. Injecting twice is a no-op.
func (a *CrossAttentionAdapter) Inject() {
	if a.injected {
		return
	}
	a.original = a.target.Core()
	a.target.SetCore(&histogramCore{original: a.original, branch: a.Branch, cond: a.cond})
	a.injected = true
}

// Eject restores the core saved by Inject. Ejecting an adapter that is
// not injected is a no-op.
func (a *CrossAttentionAdapter) Eject() {
	if !a.injected {
		return
	}
	a.target.SetCore(a.original)
	a.original = nil
	a.injected = false
}

// SetScale sets the branch output multiplier.
func (a *CrossAttentionAdapter) SetScale(s float32) { a.Branch.SetScale(s) }

// KeyProjection returns the branch key projection.
func (a *CrossAttentionAdapter) KeyProjection() *nn.Linear { return a.Branch.KProj }

// ValueProjection returns the branch value projection.
func (a *CrossAttentionAdapter) ValueProjection() *nn.Linear { return a.Branch.VProj }

// Weights returns the trainable branch weights, key projection first.
func (a *CrossAttentionAdapter) Weights() []ml.Tensor {
	return []ml.Tensor{a.Branch.KProj.Weight, a.Branch.VProj.Weight}
}

// LoadWeights copies key and value projection weights into the branch.
// Sizes must match the branch projections.
func (a *CrossAttentionAdapter) LoadWeights(key, value ml.Tensor) {
	a.Branch.KProj.Weight.SetFloats(key.Floats())
	a.Branch.VProj.Weight.SetFloats(value.Floats())
}

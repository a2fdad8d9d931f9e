package encoder

import (
	"math"

	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/ml/nn"
)

// SelfAttention is multi head self attention over [batch, seq, dim]
// sequences.
type SelfAttention struct {
	Query  *nn.Linear `weight:"q"`
	Key    *nn.Linear `weight:"k"`
	Value  *nn.Linear `weight:"v"`
	Output *nn.Linear `weight:"out"`

	Heads int `weight:"-"`
}

func NewSelfAttention(ctx ml.Context, dim, heads int) *SelfAttention {
	return &SelfAttention{
		Query:  nn.NewLinear(ctx, dim, dim, true),
		Key:    nn.NewLinear(ctx, dim, dim, true),
		Value:  nn.NewLinear(ctx, dim, dim, true),
		Output: nn.NewLinear(ctx, dim, dim, true),
		Heads:  heads,
	}
}

func (m *SelfAttention) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	batch, seq, dim := x.Dim(0), x.Dim(1), x.Dim(2)
	headDim := dim / m.Heads

	split := func(t ml.Tensor) ml.Tensor {
		return t.Reshape(ctx, batch, seq, m.Heads, headDim).Permute(ctx, 0, 2, 1, 3)
	}

	q := split(m.Query.Forward(ctx, x))
	k := split(m.Key.Forward(ctx, x))
	v := split(m.Value.Forward(ctx, x))

	out := nn.Attention(ctx, q, k, v, 1/math.Sqrt(float64(headDim)))
	out = out.Permute(ctx, 0, 2, 1, 3).Reshape(ctx, batch, seq, dim)

	return m.Output.Forward(ctx, out)
}

// TransformerLayer is one pre norm encoder layer: attention and a GELU
// feed forward, each behind a LayerNorm with a residual connection.
type TransformerLayer struct {
	AttnNorm *nn.LayerNorm  `weight:"attn_norm"`
	Attn     *SelfAttention `weight:"attn"`
	FFNNorm  *nn.LayerNorm  `weight:"ffn_norm"`
	Up       *nn.Linear     `weight:"ffn.up"`
	Down     *nn.Linear     `weight:"ffn.down"`

	Eps float32 `weight:"-"`
}

func NewTransformerLayer(ctx ml.Context, dim, heads, ffDim int, eps float32) *TransformerLayer {
	return &TransformerLayer{
		AttnNorm: nn.NewLayerNorm(ctx, dim),
		Attn:     NewSelfAttention(ctx, dim, heads),
		FFNNorm:  nn.NewLayerNorm(ctx, dim),
		Up:       nn.NewLinear(ctx, dim, ffDim, true),
		Down:     nn.NewLinear(ctx, ffDim, dim, true),
		Eps:      eps,
	}
}

func (l *TransformerLayer) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	x = x.Add(ctx, l.Attn.Forward(ctx, l.AttnNorm.Forward(ctx, x, l.Eps)))

	h := l.Up.Forward(ctx, l.FFNNorm.Forward(ctx, x, l.Eps)).GELU(ctx)
	return x.Add(ctx, l.Down.Forward(ctx, h))
}

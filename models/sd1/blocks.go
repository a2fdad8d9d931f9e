package sd1

import (
	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/ml/nn"
)

const normEps = 1e-5

// ResBlock is a time conditioned residual block: two GroupNorm/SiLU/conv
// stages with the projected timestep embedding added between them.
type ResBlock struct {
	Norm1    *nn.GroupNorm `weight:"norm1"`
	Conv1    *nn.Conv2D    `weight:"conv1"`
	TimeProj *nn.Linear    `weight:"time_emb_proj"`
	Norm2    *nn.GroupNorm `weight:"norm2"`
	Conv2    *nn.Conv2D    `weight:"conv2"`
	Shortcut *nn.Conv2D    `weight:"conv_shortcut,optional"`
}

func NewResBlock(ctx ml.Context, in, out, timeDim, groups int) *ResBlock {
	m := &ResBlock{
		Norm1:    nn.NewGroupNorm(ctx, in, groups),
		Conv1:    nn.NewConv2D(ctx, in, out, 3, true),
		TimeProj: nn.NewLinear(ctx, timeDim, out, true),
		Norm2:    nn.NewGroupNorm(ctx, out, groups),
		Conv2:    nn.NewConv2D(ctx, out, out, 3, true),
	}
	if in != out {
		m.Shortcut = nn.NewConv2D(ctx, in, out, 1, true)
	}

	return m
}

func (m *ResBlock) Forward(ctx ml.Context, x, temb ml.Tensor) ml.Tensor {
	h := m.Norm1.Forward(ctx, x, normEps).SILU(ctx)
	h = m.Conv1.Forward(ctx, h, 1, 1)

	t := m.TimeProj.Forward(ctx, temb.SILU(ctx))
	h = h.Add(ctx, t.Reshape(ctx, t.Dim(0), t.Dim(1), 1, 1))

	h = m.Norm2.Forward(ctx, h, normEps).SILU(ctx)
	h = m.Conv2.Forward(ctx, h, 1, 1)

	if m.Shortcut != nil {
		x = m.Shortcut.Forward(ctx, x, 1, 0)
	}

	return h.Add(ctx, x)
}

// SpatialTransformer flattens the feature map to tokens and runs one
// transformer block over them: self attention, cross attention against
// the conditioning context and a GEGLU feed forward.
type SpatialTransformer struct {
	Norm    *nn.GroupNorm   `weight:"norm"`
	ProjIn  *nn.Conv2D      `weight:"proj_in"`
	Norm1   *nn.LayerNorm   `weight:"norm1"`
	Attn1   *CrossAttention `weight:"attn1"`
	Norm2   *nn.LayerNorm   `weight:"norm2"`
	Attn2   *CrossAttention `weight:"attn2"`
	Norm3   *nn.LayerNorm   `weight:"norm3"`
	FFProj  *nn.Linear      `weight:"ff.proj"`
	FFOut   *nn.Linear      `weight:"ff.out"`
	ProjOut *nn.Conv2D      `weight:"proj_out"`
}

func NewSpatialTransformer(ctx ml.Context, channels, heads, contextDim, groups int) *SpatialTransformer {
	return &SpatialTransformer{
		Norm:    nn.NewGroupNorm(ctx, channels, groups),
		ProjIn:  nn.NewConv2D(ctx, channels, channels, 1, true),
		Norm1:   nn.NewLayerNorm(ctx, channels),
		Attn1:   NewCrossAttention(ctx, channels, channels, heads),
		Norm2:   nn.NewLayerNorm(ctx, channels),
		Attn2:   NewCrossAttention(ctx, channels, contextDim, heads),
		Norm3:   nn.NewLayerNorm(ctx, channels),
		FFProj:  nn.NewLinear(ctx, channels, channels*8, true),
		FFOut:   nn.NewLinear(ctx, channels*4, channels, true),
		ProjOut: nn.NewConv2D(ctx, channels, channels, 1, true),
	}
}

func (m *SpatialTransformer) Forward(ctx ml.Context, x, context ml.Tensor) ml.Tensor {
	batch, channels, height, width := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	residual := x

	x = m.Norm.Forward(ctx, x, normEps)
	x = m.ProjIn.Forward(ctx, x, 1, 0)

	h := x.Reshape(ctx, batch, channels, height*width).Permute(ctx, 0, 2, 1)

	n := m.Norm1.Forward(ctx, h, normEps)
	h = h.Add(ctx, m.Attn1.Forward(ctx, n, n))
	h = h.Add(ctx, m.Attn2.Forward(ctx, m.Norm2.Forward(ctx, h, normEps), context))
	h = h.Add(ctx, m.feedForward(ctx, m.Norm3.Forward(ctx, h, normEps)))

	x = h.Permute(ctx, 0, 2, 1).Reshape(ctx, batch, channels, height, width)
	x = m.ProjOut.Forward(ctx, x, 1, 0)

	return x.Add(ctx, residual)
}

// feedForward is a GEGLU: the projection doubles the hidden width, one
// half gates the other through a GELU.
func (m *SpatialTransformer) feedForward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	proj := m.FFProj.Forward(ctx, x)
	half := proj.Dim(2) / 2

	hidden := proj.Slice(ctx, 2, 0, half)
	gate := proj.Slice(ctx, 2, half, proj.Dim(2))

	return m.FFOut.Forward(ctx, hidden.Mul(ctx, gate.GELU(ctx)))
}

// DownBlock is one resolution level of the encoder path.
type DownBlock struct {
	Res        []*ResBlock           `weight:"resnets"`
	Attn       []*SpatialTransformer `weight:"attentions"`
	Downsample *nn.Conv2D            `weight:"downsamplers.0.conv,optional"`
}

// UpBlock is one resolution level of the decoder path. Each resnet
// consumes one skip connection.
type UpBlock struct {
	Res      []*ResBlock           `weight:"resnets"`
	Attn     []*SpatialTransformer `weight:"attentions"`
	Upsample *nn.Conv2D            `weight:"upsamplers.0.conv,optional"`
}

// MidBlock sits at the lowest resolution between the paths.
type MidBlock struct {
	Res1 *ResBlock           `weight:"resnets.0"`
	Attn *SpatialTransformer `weight:"attentions.0"`
	Res2 *ResBlock           `weight:"resnets.1"`
}

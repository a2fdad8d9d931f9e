package nn

import (
	"github.com/chromagen/chromagen/ml"
)

type LayerNorm struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias,optional"`
}

func NewLayerNorm(ctx ml.Context, dim int) *LayerNorm {
	ones := make([]float32, dim)
	for i := range ones {
		ones[i] = 1
	}

	return &LayerNorm{
		Weight: ctx.Parameter(ctx.FromFloats(ones, dim)),
		Bias:   ctx.Parameter(ctx.Zeros(ml.DTypeF32, dim)),
	}
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}

type GroupNorm struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias"`

	Groups int `weight:"-"`
}

func NewGroupNorm(ctx ml.Context, channels, groups int) *GroupNorm {
	ones := make([]float32, channels)
	for i := range ones {
		ones[i] = 1
	}

	return &GroupNorm{
		Weight: ctx.Parameter(ctx.FromFloats(ones, channels)),
		Bias:   ctx.Parameter(ctx.Zeros(ml.DTypeF32, channels)),
		Groups: groups,
	}
}

func (m *GroupNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.GroupNorm(ctx, m.Weight, m.Bias, m.Groups, eps)
}

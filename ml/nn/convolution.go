package nn

import (
	"math"

	"github.com/chromagen/chromagen/ml"
)

type Conv2D struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias,optional"`
}

func NewConv2D(ctx ml.Context, in, out, kernel int, bias bool) *Conv2D {
	scale := 1 / math.Sqrt(float64(in*kernel*kernel))
	m := &Conv2D{
		Weight: ctx.Parameter(ctx.Randn(out, in, kernel, kernel).Scale(ctx, scale)),
	}
	if bias {
		m.Bias = ctx.Parameter(ctx.Zeros(ml.DTypeF32, out))
	}
	return m
}

func (m *Conv2D) Forward(ctx ml.Context, t ml.Tensor, stride, padding int) ml.Tensor {
	t = t.Conv2D(ctx, m.Weight, stride, padding)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias.Reshape(ctx, m.Bias.Dim(0), 1, 1))
	}

	return t
}

type Conv3D struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias,optional"`
}

func NewConv3D(ctx ml.Context, in, out, kernel int, bias bool) *Conv3D {
	scale := 1 / math.Sqrt(float64(in*kernel*kernel*kernel))
	m := &Conv3D{
		Weight: ctx.Parameter(ctx.Randn(out, in, kernel, kernel, kernel).Scale(ctx, scale)),
	}
	if bias {
		m.Bias = ctx.Parameter(ctx.Zeros(ml.DTypeF32, out))
	}
	return m
}

func (m *Conv3D) Forward(ctx ml.Context, t ml.Tensor, stride, padding int) ml.Tensor {
	t = t.Conv3D(ctx, m.Weight, stride, padding)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias.Reshape(ctx, m.Bias.Dim(0), 1, 1, 1))
	}

	return t
}

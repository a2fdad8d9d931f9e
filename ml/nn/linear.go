// Package nn provides the neural network layers shared by the model
// packages. Layer weights carry `weight:` tags understood by the
// safetensors loader; computed fields are tagged "-".
package nn

import (
	"math"

	"github.com/chromagen/chromagen/ml"
)

type Linear struct {
	Weight ml.Tensor `weight:"weight"`
	Bias   ml.Tensor `weight:"bias,optional"`
}

// NewLinear initializes a linear layer with scaled normal weights,
// stored [out, in] following the checkpoint convention.
func NewLinear(ctx ml.Context, in, out int, bias bool) *Linear {
	m := &Linear{
		Weight: ctx.Parameter(ctx.Randn(out, in).Scale(ctx, 1/math.Sqrt(float64(in)))),
	}
	if bias {
		m.Bias = ctx.Parameter(ctx.Zeros(ml.DTypeF32, out))
	}
	return m
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Matmul(ctx, m.Weight.Permute(ctx, 1, 0))
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}

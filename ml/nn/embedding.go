package nn

import (
	"github.com/chromagen/chromagen/ml"
)

type Embedding struct {
	Weight ml.Tensor `weight:"weight"`
}

func NewEmbedding(ctx ml.Context, size, dim int) *Embedding {
	return &Embedding{
		Weight: ctx.Parameter(ctx.Randn(size, dim).Scale(ctx, 0.02)),
	}
}

func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}

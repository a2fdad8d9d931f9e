package encoder

import (
	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/ml/nn"
)

// Patch3dEmbed cuts the histogram cube into non overlapping patches and
// projects each patch to the embedding dimension with a strided
// convolution.
type Patch3dEmbed struct {
	Proj *nn.Conv3D `weight:"proj"`

	PatchSize int `weight:"-"`
}

func NewPatch3dEmbed(ctx ml.Context, dim, patchSize int) *Patch3dEmbed {
	return &Patch3dEmbed{
		Proj:      nn.NewConv3D(ctx, 1, dim, patchSize, false),
		PatchSize: patchSize,
	}
}

// Forward projects [batch, 1, S, S, S] to a [batch, (S/patch)^3, dim]
// token sequence.
func (e *Patch3dEmbed) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = e.Proj.Forward(ctx, t, e.PatchSize, 0)
	batch, dim := t.Dim(0), t.Dim(1)
	tokens := t.Dim(2) * t.Dim(3) * t.Dim(4)

	return t.Reshape(ctx, batch, dim, tokens).Permute(ctx, 0, 2, 1)
}

// ViTEmbeddings prepends a learned class token to the patch sequence and
// adds a learned positional embedding.
type ViTEmbeddings struct {
	ClassToken ml.Tensor     `weight:"class_token"`
	Patch      *Patch3dEmbed `weight:"patch"`
	Positional *nn.Embedding `weight:"positional"`
}

func NewViTEmbeddings(ctx ml.Context, cubeSize, dim, patchSize int) *ViTEmbeddings {
	tokens := cubeSize / patchSize
	tokens = tokens * tokens * tokens

	return &ViTEmbeddings{
		ClassToken: ctx.Parameter(ctx.Randn(1, 1, dim).Scale(ctx, 0.02)),
		Patch:      NewPatch3dEmbed(ctx, dim, patchSize),
		Positional: nn.NewEmbedding(ctx, tokens+1, dim),
	}
}

func (m *ViTEmbeddings) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	tokens := m.Patch.Forward(ctx, t)
	class := m.ClassToken.Repeat(ctx, 0, tokens.Dim(0))
	tokens = class.Concat(ctx, tokens, 1)

	ids := ctx.Arange(0, float32(tokens.Dim(1)), 1, ml.DTypeI32)
	return tokens.Add(ctx, m.Positional.Forward(ctx, ids))
}

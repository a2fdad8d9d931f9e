package histogram

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/chromagen/chromagen/ml"
)

// MSE returns the mean squared error between two histogram batches as a
// single-element tensor. This is the histogram distance used for both the
// training loss and evaluation.
func MSE(ctx ml.Context, h1, h2 ml.Tensor) ml.Tensor {
	return h1.MSE(ctx, h2)
}

// Distance is an alias for MSE.
func Distance(ctx ml.Context, h1, h2 ml.Tensor) ml.Tensor {
	return MSE(ctx, h1, h2)
}

// ColorLoss measures how far apart the mean colors of two image batches
// sit: the mean squared error between per-channel spatial means. Identical
// batches score 0; an all-white batch against an all-black one scores 1.
func ColorLoss(ctx ml.Context, pred, target ml.Tensor) ml.Tensor {
	return pred.Mean(ctx, 2, 3).MSE(ctx, target.Mean(ctx, 2, 3))
}

// ExpectedColor returns the mean RGB implied by a histogram batch, shaped
// [batch, 3]: bin centers weighted by bin mass.
func ExpectedColor(ctx ml.Context, h ml.Tensor) ml.Tensor {
	r, g, b := ChannelCurves(ctx, h)
	batch, bins := h.Dim(0), h.Dim(1)

	centers := make([]float64, bins)
	floats.Span(centers, 0.5/float64(bins), (float64(bins)-0.5)/float64(bins))

	out := make([]float32, batch*3)
	row := make([]float64, bins)
	for c, curve := range []ml.Tensor{r, g, b} {
		data := curve.Floats()
		for bi := range batch {
			for i, v := range data[bi*bins : (bi+1)*bins] {
				row[i] = float64(v)
			}

			out[bi*3+c] = float32(stat.Mean(centers, row))
		}
	}

	return ctx.FromFloats(out, batch, 3)
}

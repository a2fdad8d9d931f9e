package histogram

import (
	"fmt"
	"slices"

	"github.com/chromagen/chromagen/ml"
)

// ChannelCurves marginalizes a joint [batch, S, S, S] histogram into one
// [batch, S] curve per color channel.
func ChannelCurves(ctx ml.Context, h ml.Tensor) (r, g, b ml.Tensor) {
	if len(h.Shape()) != 4 {
		panic(fmt.Errorf("channel curves require a [batch, bins, bins, bins] histogram, got %v", h.Shape()))
	}

	return h.Sum(ctx, 2, 3), h.Sum(ctx, 1, 3), h.Sum(ctx, 1, 2)
}

// SortedChannels returns each channel of an image batch with its pixel
// values sorted ascending, one [batch, pixels] tensor per channel.
func SortedChannels(ctx ml.Context, images ml.Tensor) (r, g, b ml.Tensor) {
	validateImages(images)
	batch, pixels := images.Dim(0), images.Dim(2)*images.Dim(3)
	data := images.Floats()

	var channels [3]ml.Tensor
	for c := range channels {
		sorted := make([]float32, batch*pixels)
		for b := range batch {
			row := sorted[b*pixels : (b+1)*pixels]
			copy(row, data[(b*3+c)*pixels:])
			slices.Sort(row)
		}

		channels[c] = ctx.FromFloats(sorted, batch, pixels)
	}

	return channels[0], channels[1], channels[2]
}

// ChannelsFromSorted bins one ascending [batch, pixels] channel into a
// normalized [batch, bins] curve. Because the input is sorted, each row is
// a single sweep: bins fill left to right and match ExtractHard's
// assignment exactly.
func (e *Extractor) ChannelsFromSorted(ctx ml.Context, sorted ml.Tensor) (ml.Tensor, error) {
	if len(sorted.Shape()) != 2 {
		panic(fmt.Errorf("sorted channels must be [batch, pixels], got %v", sorted.Shape()))
	}

	batch, pixels := sorted.Dim(0), sorted.Dim(1)
	if pixels == 0 {
		return nil, ErrEmptyImage
	}

	bins := e.Bins()
	data := sorted.Floats()
	out := make([]float32, batch*bins)
	norm := 1 / float32(pixels)

	for b := range batch {
		row := data[b*pixels : (b+1)*pixels]
		curve := out[b*bins : (b+1)*bins]

		i := 0
		for k := range bins {
			for i < pixels && hardBin(row[i], bins) == k {
				curve[k] += norm
				i++
			}
		}
	}

	return ctx.FromFloats(out, batch, bins), nil
}

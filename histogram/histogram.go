// Package histogram extracts joint RGB color histograms from image batches
// and provides the color metrics built on them. Histograms are the
// conditioning signal for the encoder and adapters: a [batch, S, S, S]
// tensor, S bins per channel, each sample summing to one.
package histogram

import (
	"errors"
	"fmt"

	"github.com/chromagen/chromagen/ml"
)

// ErrEmptyImage is returned when an image batch has no pixels.
var ErrEmptyImage = errors.New("image has no pixels")

const (
	MinBits = 1
	MaxBits = 8
)

// Extractor bins image batches into joint RGB histograms with 2^Bits bins
// per channel.
type Extractor struct {
	Bits int
}

func NewExtractor(bits int) (*Extractor, error) {
	if bits < MinBits || bits > MaxBits {
		return nil, fmt.Errorf("color bits must be between %d and %d, got %d", MinBits, MaxBits, bits)
	}

	return &Extractor{Bits: bits}, nil
}

// Bins returns the number of bins per channel.
func (e *Extractor) Bins() int {
	return 1 << e.Bits
}

// Extract computes soft-binned joint histograms for a batch of images.
// images is [batch, 3, height, width] with values in [0, 1]; the result is
// [batch, bins, bins, bins] with each sample summing to one. Binning uses
// a triangular kernel over adjacent bins, so the histogram carries
// gradient back to the pixels.
func (e *Extractor) Extract(ctx ml.Context, images ml.Tensor) (ml.Tensor, error) {
	validateImages(images)
	if images.Dim(2)*images.Dim(3) == 0 {
		return nil, ErrEmptyImage
	}

	return images.Histogram3D(ctx, e.Bins()), nil
}

// ExtractHard computes exact integer-binned histograms over the same
// layout as Extract. Each pixel lands wholly in one bin, so the result is
// not differentiable. Evaluation metrics use this path.
func (e *Extractor) ExtractHard(ctx ml.Context, images ml.Tensor) (ml.Tensor, error) {
	validateImages(images)
	batch, pixels := images.Dim(0), images.Dim(2)*images.Dim(3)
	if pixels == 0 {
		return nil, ErrEmptyImage
	}

	bins := e.Bins()
	data := images.Floats()
	out := make([]float32, batch*bins*bins*bins)
	norm := 1 / float32(pixels)

	for b := range batch {
		in := data[b*3*pixels:]
		hist := out[b*bins*bins*bins:]

		for p := range pixels {
			r := hardBin(in[p], bins)
			g := hardBin(in[pixels+p], bins)
			bb := hardBin(in[2*pixels+p], bins)
			hist[(r*bins+g)*bins+bb] += norm
		}
	}

	return ctx.FromFloats(out, batch, bins, bins, bins), nil
}

// hardBin assigns a value in [0, 1] to one of bins equal-width bins, with
// 1.0 included in the last.
func hardBin(v float32, bins int) int {
	i := int(v * float32(bins))
	switch {
	case i < 0:
		return 0
	case i >= bins:
		return bins - 1
	}

	return i
}

func validateImages(images ml.Tensor) {
	if len(images.Shape()) != 4 || images.Dim(1) != 3 {
		panic(fmt.Errorf("histogram requires [batch, 3, height, width] images, got %v", images.Shape()))
	}
}

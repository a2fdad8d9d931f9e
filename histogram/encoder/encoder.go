// Package encoder embeds joint RGB histograms into token sequences with a
// small 3D vision transformer. The class token of the output doubles as a
// compact palette embedding; the full sequence conditions cross attention
// adapters.
package encoder

import (
	"errors"
	"fmt"

	"github.com/chromagen/chromagen/histogram"
	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/ml/nn"
)

// ErrEmptyHistogram is returned when an embedding is requested for an
// empty histogram batch.
var ErrEmptyHistogram = errors.New("histogram batch is empty")

type Config struct {
	ColorBits      int     `json:"color_bits"`
	EmbeddingDim   int     `json:"embedding_dim"`
	PatchSize      int     `json:"patch_size"`
	NumLayers      int     `json:"num_layers"`
	NumHeads       int     `json:"num_heads"`
	FeedForwardDim int     `json:"feedforward_dim"`
	LayerNormEps   float32 `json:"layer_norm_eps"`
}

func DefaultConfig() Config {
	return Config{
		ColorBits:      8,
		EmbeddingDim:   768,
		PatchSize:      8,
		NumLayers:      3,
		NumHeads:       3,
		FeedForwardDim: 512,
		LayerNormEps:   1e-5,
	}
}

func (c Config) validate() error {
	if c.ColorBits < histogram.MinBits || c.ColorBits > histogram.MaxBits {
		return fmt.Errorf("color bits must be between %d and %d, got %d", histogram.MinBits, histogram.MaxBits, c.ColorBits)
	}

	if bins := 1 << c.ColorBits; bins%c.PatchSize != 0 {
		return fmt.Errorf("patch size %d does not divide cube size %d", c.PatchSize, bins)
	}

	if c.EmbeddingDim%c.NumHeads != 0 {
		return fmt.Errorf("embedding dim %d is not a multiple of %d heads", c.EmbeddingDim, c.NumHeads)
	}

	return nil
}

// Tokens returns the encoder sequence length, one token per patch plus the
// class token.
func (c Config) Tokens() int {
	n := (1 << c.ColorBits) / c.PatchSize
	return n*n*n + 1
}

// Encoder is a pre norm ViT over the histogram cube.
type Encoder struct {
	Embeddings *ViTEmbeddings      `weight:"embeddings"`
	PreNorm    *nn.LayerNorm       `weight:"pre_norm"`
	Layers     []*TransformerLayer `weight:"layers"`

	Config Config `weight:"-"`
}

func New(ctx ml.Context, cfg Config) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	bins := 1 << cfg.ColorBits
	layers := make([]*TransformerLayer, cfg.NumLayers)
	for i := range layers {
		layers[i] = NewTransformerLayer(ctx, cfg.EmbeddingDim, cfg.NumHeads, cfg.FeedForwardDim, cfg.LayerNormEps)
	}

	return &Encoder{
		Embeddings: NewViTEmbeddings(ctx, bins, cfg.EmbeddingDim, cfg.PatchSize),
		PreNorm:    nn.NewLayerNorm(ctx, cfg.EmbeddingDim),
		Layers:     layers,
		Config:     cfg,
	}, nil
}

// Forward embeds a [batch, S, S, S] histogram batch into
// [batch, (S/patch)^3 + 1, dim] tokens.
func (e *Encoder) Forward(ctx ml.Context, histograms ml.Tensor) ml.Tensor {
	bins := 1 << e.Config.ColorBits

	t := histograms.Reshape(ctx, histograms.Dim(0), 1, bins, bins, bins)
	t = e.Embeddings.Forward(ctx, t)
	t = e.PreNorm.Forward(ctx, t, e.Config.LayerNormEps)

	for _, layer := range e.Layers {
		t = layer.Forward(ctx, t)
	}

	return t
}

// ComputeEmbedding encodes a conditional histogram batch paired with the
// negative used for classifier free guidance. The negative is the uniform
// histogram, every bin at 1/S^3, so guidance steers away from "all colors
// equally likely". The result is [2B, tokens, dim], unconditional half
// first.
func (e *Encoder) ComputeEmbedding(ctx ml.Context, conditional ml.Tensor) (ml.Tensor, error) {
	if conditional.Dim(0) == 0 {
		return nil, ErrEmptyHistogram
	}

	bins := 1 << e.Config.ColorBits
	uniform := ctx.Zeros(ml.DTypeF32, conditional.Shape()...).AddScalar(ctx, 1/float64(bins*bins*bins))

	return e.ComputeEmbeddingWithNegative(ctx, conditional, uniform)
}

// ComputeEmbeddingWithNegative is ComputeEmbedding with a caller supplied
// negative histogram batch of the same shape.
func (e *Encoder) ComputeEmbeddingWithNegative(ctx ml.Context, conditional, negative ml.Tensor) (ml.Tensor, error) {
	if conditional.Dim(0) == 0 {
		return nil, ErrEmptyHistogram
	}

	cond := e.Forward(ctx, conditional)
	neg := e.Forward(ctx, negative)

	return neg.Concat(ctx, cond, 0), nil
}

package adapter

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/emirpasic/gods/v2/maps/treemap"

	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/models/sd1"
	"github.com/chromagen/chromagen/safetensors"
)

// DefaultEmbeddingDim matches the histogram encoder's default embedding
// width.
const DefaultEmbeddingDim = 768

// Weights archive metadata. The version gates checkpoint compatibility
// on import.
const (
	WeightsFormat  = "chromagen.adapter"
	WeightsVersion = "v1.0.0"
)

type adapterOptions struct {
	embeddingDim int
	scale        float32
	zeroInit     bool
}

// Option configures NewSD1Adapter.
type Option func(*adapterOptions)

// WithEmbeddingDim sets the histogram embedding width the branches
// project from.
func WithEmbeddingDim(dim int) Option {
	return func(o *adapterOptions) { o.embeddingDim = dim }
}

// WithScale sets the initial branch output multiplier.
func WithScale(s float32) Option {
	return func(o *adapterOptions) { o.scale = s }
}

// WithZeroInit zeroes the branch projections so the injected adapter
// starts as a functional no-op.
func WithZeroInit() Option {
	return func(o *adapterOptions) { o.zeroInit = true }
}

// SD1Adapter conditions a UNet on a histogram embedding, one branch per
// cross attention layer in traversal order. Self attention layers are
// left alone.
type SD1Adapter struct {
	subs []*CrossAttentionAdapter
	cond *Context
}

// NewSD1Adapter builds a branch for each cross attention layer of unet.
// The UNet is not modified until Inject.
func NewSD1Adapter(ctx ml.Context, unet *sd1.UNet, opts ...Option) *SD1Adapter {
	o := adapterOptions{embeddingDim: DefaultEmbeddingDim, scale: 1}
	for _, opt := range opts {
		opt(&o)
	}

	cond := &Context{}
	targets := unet.CrossAttentions()
	subs := make([]*CrossAttentionAdapter, len(targets))
	for i, target := range targets {
		subs[i] = newCrossAttentionAdapter(ctx, target, o.embeddingDim, o.scale, cond)
	}

	a := &SD1Adapter{subs: subs, cond: cond}
	if o.zeroInit {
		a.ZeroInit()
	}
	return a
}

// Inject installs every branch.
func (a *SD1Adapter) Inject() {
	for _, sub := range a.subs {
		sub.Inject()
	}
}

// Eject restores every adapted layer to its original attention core.
func (a *SD1Adapter) Eject() {
	for _, sub := range a.subs {
		sub.Eject()
	}
}

// SetScale sets the output multiplier of every branch.
func (a *SD1Adapter) SetScale(s float32) {
	for _, sub := range a.subs {
		sub.SetScale(s)
	}
}

// SetHistogramEmbedding sets the conditioning consumed by all branches
// on following forwards, shaped [batch, tokens, embedding dim]. For
// classifier free guidance pass the stacked negative and conditional
// embedding, matching the stacked latent batch.
func (a *SD1Adapter) SetHistogramEmbedding(emb ml.Tensor) {
	a.cond.HistogramEmbedding = emb
}

// Weights returns the trainable weights: key then value projection per
// branch, branches in traversal order.
func (a *SD1Adapter) Weights() []ml.Tensor {
	weights := make([]ml.Tensor, 0, 2*len(a.subs))
	for _, sub := range a.subs {
		weights = append(weights, sub.Weights()...)
	}
	return weights
}

// ZeroInit zeroes every branch projection so injection starts as a
// functional no-op.
func (a *SD1Adapter) ZeroInit() {
	for _, w := range a.Weights() {
		n := 1
		for _, d := range w.Shape() {
			n *= d
		}
		w.SetFloats(make([]float32, n))
	}
}

// NamedWeights keys the flat weight list "unet.000", "unet.001", ... in
// Weights order.
func (a *SD1Adapter) NamedWeights() map[string]ml.Tensor {
	weights := a.Weights()
	named := make(map[string]ml.Tensor, len(weights))
	for i, w := range weights {
		named[fmt.Sprintf("unet.%03d", i)] = w
	}
	return named
}

// LoadNamedWeights copies weights by name. Every name NamedWeights
// returns must be present; shapes are checked before anything is
// written.
func (a *SD1Adapter) LoadNamedWeights(weights map[string]ml.Tensor) error {
	named := a.NamedWeights()

	for name, src := range weights {
		dst, ok := named[name]
		if !ok {
			if closest := closestName(name, named); closest != "" {
				return fmt.Errorf("unknown adapter weight %q (did you mean %q?)", name, closest)
			}
			return fmt.Errorf("unknown adapter weight %q", name)
		}
		if !slices.Equal(dst.Shape(), src.Shape()) {
			return fmt.Errorf("adapter weight %q has shape %v, want %v", name, src.Shape(), dst.Shape())
		}
	}

	var missing []string
	for name := range named {
		if _, ok := weights[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing adapter weights: %s", strings.Join(missing, ", "))
	}

	for name, src := range weights {
		named[name].SetFloats(src.Floats())
	}
	return nil
}

func closestName(name string, named map[string]ml.Tensor) string {
	var best string
	score := math.MaxInt
	for candidate := range named {
		if s := levenshtein.ComputeDistance(name, candidate); s < score {
			score = s
			best = candidate
		}
	}

	if score > len(name)/2 {
		return ""
	}
	return best
}

// SaveWeights writes the branch weights to a safetensors archive with
// names in sorted order.
func (a *SD1Adapter) SaveWeights(path string) error {
	named := treemap.New[string, ml.Tensor]()
	for name, w := range a.NamedWeights() {
		named.Put(name, w)
	}

	tensors := make([]safetensors.TensorData, 0, named.Size())
	for _, name := range named.Keys() {
		w, _ := named.Get(name)
		tensors = append(tensors, safetensors.TensorData{
			Name:  name,
			Shape: w.Shape(),
			Data:  w.Floats(),
		})
	}

	return safetensors.WriteFile(path, tensors, map[string]string{
		"format":  WeightsFormat,
		"version": WeightsVersion,
	})
}

// LoadWeightsFile loads branch weights from a safetensors archive
// written by SaveWeights. Archive entries the adapter does not own are
// ignored, so a full training checkpoint loads directly.
func (a *SD1Adapter) LoadWeightsFile(path string) error {
	archive, err := safetensors.ReadFile(path)
	if err != nil {
		return err
	}

	for i, dst := range a.Weights() {
		name := fmt.Sprintf("unet.%03d", i)
		src, err := archive.Get(name)
		if err != nil {
			return err
		}
		if !slices.Equal(dst.Shape(), src.Shape()) {
			return fmt.Errorf("adapter weight %q has shape %v, want %v", name, src.Shape(), dst.Shape())
		}

		f32s, err := src.Floats()
		if err != nil {
			return err
		}
		dst.SetFloats(f32s)
	}
	return nil
}

package sd1

import (
	"fmt"

	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/ml/nn"
)

const vaeNormEps = 1e-6

type VAEConfig struct {
	LatentChannels int   `json:"latent_channels"`
	ImageChannels  int   `json:"image_channels"`
	BlockChannels  []int `json:"block_channels"`
	ResBlocks      int   `json:"res_blocks"`
	Groups         int   `json:"groups"`
}

// DefaultVAEConfig is the stable diffusion 1 autoencoder layout: three
// upsamples for an 8x scale change.
func DefaultVAEConfig() VAEConfig {
	return VAEConfig{
		LatentChannels: 4,
		ImageChannels:  3,
		BlockChannels:  []int{512, 512, 256, 128},
		ResBlocks:      3,
		Groups:         32,
	}
}

func TinyVAEConfig() VAEConfig {
	return VAEConfig{
		LatentChannels: 4,
		ImageChannels:  3,
		BlockChannels:  []int{8, 8, 4, 4},
		ResBlocks:      1,
		Groups:         4,
	}
}

func (c VAEConfig) validate() error {
	if len(c.BlockChannels) == 0 {
		return fmt.Errorf("block channels must name at least one block")
	}

	for _, ch := range c.BlockChannels {
		if ch%c.Groups != 0 {
			return fmt.Errorf("channels %d are not a multiple of %d groups", ch, c.Groups)
		}
	}

	return nil
}

// Scale returns the spatial factor between images and latents.
func (c VAEConfig) Scale() int {
	return 1 << (len(c.BlockChannels) - 1)
}

// VAEResBlock is a residual block without time conditioning.
type VAEResBlock struct {
	Norm1    *nn.GroupNorm `weight:"norm1"`
	Conv1    *nn.Conv2D    `weight:"conv1"`
	Norm2    *nn.GroupNorm `weight:"norm2"`
	Conv2    *nn.Conv2D    `weight:"conv2"`
	Shortcut *nn.Conv2D    `weight:"conv_shortcut,optional"`
}

func NewVAEResBlock(ctx ml.Context, in, out, groups int) *VAEResBlock {
	m := &VAEResBlock{
		Norm1: nn.NewGroupNorm(ctx, in, groups),
		Conv1: nn.NewConv2D(ctx, in, out, 3, true),
		Norm2: nn.NewGroupNorm(ctx, out, groups),
		Conv2: nn.NewConv2D(ctx, out, out, 3, true),
	}
	if in != out {
		m.Shortcut = nn.NewConv2D(ctx, in, out, 1, true)
	}

	return m
}

func (m *VAEResBlock) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	h := m.Norm1.Forward(ctx, x, vaeNormEps).SILU(ctx)
	h = m.Conv1.Forward(ctx, h, 1, 1)

	h = m.Norm2.Forward(ctx, h, vaeNormEps).SILU(ctx)
	h = m.Conv2.Forward(ctx, h, 1, 1)

	if m.Shortcut != nil {
		x = m.Shortcut.Forward(ctx, x, 1, 0)
	}

	return h.Add(ctx, x)
}

// VAEAttention is the single head spatial self attention of the mid
// block. All projections carry biases, unlike the UNet attention.
type VAEAttention struct {
	Norm  *nn.GroupNorm `weight:"group_norm"`
	ToQ   *nn.Linear    `weight:"to_q"`
	ToK   *nn.Linear    `weight:"to_k"`
	ToV   *nn.Linear    `weight:"to_v"`
	ToOut *nn.Linear    `weight:"to_out"`
}

func NewVAEAttention(ctx ml.Context, channels, groups int) *VAEAttention {
	return &VAEAttention{
		Norm:  nn.NewGroupNorm(ctx, channels, groups),
		ToQ:   nn.NewLinear(ctx, channels, channels, true),
		ToK:   nn.NewLinear(ctx, channels, channels, true),
		ToV:   nn.NewLinear(ctx, channels, channels, true),
		ToOut: nn.NewLinear(ctx, channels, channels, true),
	}
}

func (m *VAEAttention) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	batch, channels, height, width := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	residual := x

	h := m.Norm.Forward(ctx, x, vaeNormEps)
	h = h.Reshape(ctx, batch, channels, height*width).Permute(ctx, 0, 2, 1)

	q := m.ToQ.Forward(ctx, h)
	k := m.ToK.Forward(ctx, h)
	v := m.ToV.Forward(ctx, h)

	h = m.ToOut.Forward(ctx, MultiheadAttention(ctx, q, k, v, 1))
	h = h.Permute(ctx, 0, 2, 1).Reshape(ctx, batch, channels, height, width)

	return h.Add(ctx, residual)
}

// VAEUpBlock is one decoder resolution level.
type VAEUpBlock struct {
	Res      []*VAEResBlock `weight:"resnets"`
	Upsample *nn.Conv2D     `weight:"upsamplers.0.conv,optional"`
}

// VAEDecoder maps latents [batch, 4, h, w] to images
// [batch, 3, Scale*h, Scale*w] in [-1, 1].
type VAEDecoder struct {
	PostQuant *nn.Conv2D    `weight:"post_quant_conv"`
	ConvIn    *nn.Conv2D    `weight:"decoder.conv_in"`
	MidRes1   *VAEResBlock  `weight:"decoder.mid_block.resnets.0"`
	MidAttn   *VAEAttention `weight:"decoder.mid_block.attentions.0"`
	MidRes2   *VAEResBlock  `weight:"decoder.mid_block.resnets.1"`
	Blocks    []*VAEUpBlock `weight:"decoder.up_blocks"`
	NormOut   *nn.GroupNorm `weight:"decoder.conv_norm_out"`
	ConvOut   *nn.Conv2D    `weight:"decoder.conv_out"`

	Config VAEConfig `weight:"-"`
}

func NewVAEDecoder(ctx ml.Context, cfg VAEConfig) (*VAEDecoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	first := cfg.BlockChannels[0]
	d := &VAEDecoder{
		PostQuant: nn.NewConv2D(ctx, cfg.LatentChannels, cfg.LatentChannels, 1, true),
		ConvIn:    nn.NewConv2D(ctx, cfg.LatentChannels, first, 3, true),
		MidRes1:   NewVAEResBlock(ctx, first, first, cfg.Groups),
		MidAttn:   NewVAEAttention(ctx, first, cfg.Groups),
		MidRes2:   NewVAEResBlock(ctx, first, first, cfg.Groups),
		Config:    cfg,
	}

	prev := first
	for i, ch := range cfg.BlockChannels {
		block := &VAEUpBlock{}
		for range cfg.ResBlocks {
			block.Res = append(block.Res, NewVAEResBlock(ctx, prev, ch, cfg.Groups))
			prev = ch
		}

		if i < len(cfg.BlockChannels)-1 {
			block.Upsample = nn.NewConv2D(ctx, ch, ch, 3, true)
		}

		d.Blocks = append(d.Blocks, block)
	}

	d.NormOut = nn.NewGroupNorm(ctx, prev, cfg.Groups)
	d.ConvOut = nn.NewConv2D(ctx, prev, cfg.ImageChannels, 3, true)

	return d, nil
}

// Decode expects latents in the UNet's working scale: it divides by
// LatentScale before the convolutional stack.
func (d *VAEDecoder) Decode(ctx ml.Context, latents ml.Tensor) ml.Tensor {
	x := latents.Scale(ctx, 1/LatentScale)
	x = d.PostQuant.Forward(ctx, x, 1, 0)
	x = d.ConvIn.Forward(ctx, x, 1, 1)

	x = d.MidRes1.Forward(ctx, x)
	x = d.MidAttn.Forward(ctx, x)
	x = d.MidRes2.Forward(ctx, x)

	for _, block := range d.Blocks {
		for _, res := range block.Res {
			x = res.Forward(ctx, x)
		}

		if block.Upsample != nil {
			x = x.UpsampleNearest2x(ctx)
			x = block.Upsample.Forward(ctx, x, 1, 1)
		}
	}

	x = d.NormOut.Forward(ctx, x, vaeNormEps).SILU(ctx)
	return d.ConvOut.Forward(ctx, x, 1, 1)
}

// VAEDownBlock is one encoder resolution level.
type VAEDownBlock struct {
	Res        []*VAEResBlock `weight:"resnets"`
	Downsample *nn.Conv2D     `weight:"downsamplers.0.conv,optional"`
}

// VAEEncoder maps images [batch, 3, H, W] in [-1, 1] to mean latents
// [batch, 4, H/Scale, W/Scale] in the UNet's working scale.
type VAEEncoder struct {
	ConvIn  *nn.Conv2D      `weight:"encoder.conv_in"`
	Blocks  []*VAEDownBlock `weight:"encoder.down_blocks"`
	MidRes1 *VAEResBlock    `weight:"encoder.mid_block.resnets.0"`
	MidAttn *VAEAttention   `weight:"encoder.mid_block.attentions.0"`
	MidRes2 *VAEResBlock    `weight:"encoder.mid_block.resnets.1"`
	NormOut *nn.GroupNorm   `weight:"encoder.conv_norm_out"`
	ConvOut *nn.Conv2D      `weight:"encoder.conv_out"`
	Quant   *nn.Conv2D      `weight:"quant_conv"`

	Config VAEConfig `weight:"-"`
}

func NewVAEEncoder(ctx ml.Context, cfg VAEConfig) (*VAEEncoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// the encoder walks the decoder's channel ladder in reverse
	channels := make([]int, len(cfg.BlockChannels))
	for i, ch := range cfg.BlockChannels {
		channels[len(channels)-1-i] = ch
	}

	e := &VAEEncoder{
		ConvIn: nn.NewConv2D(ctx, cfg.ImageChannels, channels[0], 3, true),
		Config: cfg,
	}

	prev := channels[0]
	for i, ch := range channels {
		block := &VAEDownBlock{}
		for range cfg.ResBlocks {
			block.Res = append(block.Res, NewVAEResBlock(ctx, prev, ch, cfg.Groups))
			prev = ch
		}

		if i < len(channels)-1 {
			block.Downsample = nn.NewConv2D(ctx, ch, ch, 3, true)
		}

		e.Blocks = append(e.Blocks, block)
	}

	e.MidRes1 = NewVAEResBlock(ctx, prev, prev, cfg.Groups)
	e.MidAttn = NewVAEAttention(ctx, prev, cfg.Groups)
	e.MidRes2 = NewVAEResBlock(ctx, prev, prev, cfg.Groups)
	e.NormOut = nn.NewGroupNorm(ctx, prev, cfg.Groups)
	e.ConvOut = nn.NewConv2D(ctx, prev, 2*cfg.LatentChannels, 3, true)
	e.Quant = nn.NewConv2D(ctx, 2*cfg.LatentChannels, 2*cfg.LatentChannels, 1, true)

	return e, nil
}

// Encode returns the posterior mean, scaled by LatentScale. The variance
// half of the projection is dropped; training on means keeps the
// pipeline deterministic.
func (e *VAEEncoder) Encode(ctx ml.Context, images ml.Tensor) ml.Tensor {
	x := e.ConvIn.Forward(ctx, images, 1, 1)

	for _, block := range e.Blocks {
		for _, res := range block.Res {
			x = res.Forward(ctx, x)
		}

		if block.Downsample != nil {
			x = block.Downsample.Forward(ctx, x, 2, 1)
		}
	}

	x = e.MidRes1.Forward(ctx, x)
	x = e.MidAttn.Forward(ctx, x)
	x = e.MidRes2.Forward(ctx, x)

	x = e.NormOut.Forward(ctx, x, vaeNormEps).SILU(ctx)
	x = e.ConvOut.Forward(ctx, x, 1, 1)
	x = e.Quant.Forward(ctx, x, 1, 0)

	mean := x.Slice(ctx, 1, 0, e.Config.LatentChannels)
	return mean.Scale(ctx, LatentScale)
}

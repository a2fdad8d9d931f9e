// Package sd1 implements a compact latent diffusion host model in the
// stable diffusion 1 layout: a time conditioned UNet with cross attention
// against a conditioning context, a DDPM noise scheduler and a VAE
// decoder. The cross attention layers are the targets histogram adapters
// inject into.
package sd1

import (
	"fmt"
	"math"

	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/ml/nn"
)

// LatentScale converts between VAE latents and the unit scale the UNet is
// trained on.
const LatentScale = 0.18215

type Config struct {
	InChannels      int   `json:"in_channels"`
	OutChannels     int   `json:"out_channels"`
	ModelChannels   int   `json:"model_channels"`
	ChannelMult     []int `json:"channel_mult"`
	NumResBlocks    int   `json:"num_res_blocks"`
	AttnHeads       int   `json:"attn_heads"`
	ContextDim      int   `json:"context_dim"`
	GroupNormGroups int   `json:"group_norm_groups"`
}

func DefaultConfig() Config {
	return Config{
		InChannels:      4,
		OutChannels:     4,
		ModelChannels:   320,
		ChannelMult:     []int{1, 2, 4},
		NumResBlocks:    2,
		AttnHeads:       8,
		ContextDim:      768,
		GroupNormGroups: 32,
	}
}

// TinyConfig is small enough for tests to run a full forward and backward
// in milliseconds.
func TinyConfig() Config {
	return Config{
		InChannels:      4,
		OutChannels:     4,
		ModelChannels:   8,
		ChannelMult:     []int{1, 2},
		NumResBlocks:    1,
		AttnHeads:       2,
		ContextDim:      16,
		GroupNormGroups: 4,
	}
}

func (c Config) validate() error {
	if c.ModelChannels%2 != 0 {
		return fmt.Errorf("model channels must be even for the sinusoidal embedding, got %d", c.ModelChannels)
	}

	if len(c.ChannelMult) == 0 {
		return fmt.Errorf("channel mult must name at least one level")
	}

	for _, mult := range c.ChannelMult {
		ch := c.ModelChannels * mult
		if ch%c.GroupNormGroups != 0 {
			return fmt.Errorf("channels %d are not a multiple of %d groups", ch, c.GroupNormGroups)
		}
		if ch%c.AttnHeads != 0 {
			return fmt.Errorf("channels %d are not a multiple of %d heads", ch, c.AttnHeads)
		}
	}

	return nil
}

// UNet predicts the noise in a latent batch, conditioned on timesteps and
// a cross attention context.
type UNet struct {
	ConvIn  *nn.Conv2D    `weight:"conv_in"`
	Time1   *nn.Linear    `weight:"time_embedding.linear_1"`
	Time2   *nn.Linear    `weight:"time_embedding.linear_2"`
	Down    []*DownBlock  `weight:"down_blocks"`
	Mid     *MidBlock     `weight:"mid_block"`
	Up      []*UpBlock    `weight:"up_blocks"`
	NormOut *nn.GroupNorm `weight:"conv_norm_out"`
	ConvOut *nn.Conv2D    `weight:"conv_out"`

	Config Config `weight:"-"`
}

func New(ctx ml.Context, cfg Config) (*UNet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	model := cfg.ModelChannels
	timeDim := model * 4
	groups := cfg.GroupNormGroups

	u := &UNet{
		ConvIn: nn.NewConv2D(ctx, cfg.InChannels, model, 3, true),
		Time1:  nn.NewLinear(ctx, model, timeDim, true),
		Time2:  nn.NewLinear(ctx, timeDim, timeDim, true),
		Config: cfg,
	}

	// The down path pushes one skip per resnet plus one per downsample;
	// the up path pops one per resnet. Track the channel of each skip so
	// the up resnets size their inputs after concatenation.
	skips := []int{model}
	prev := model

	for i, mult := range cfg.ChannelMult {
		ch := model * mult
		block := &DownBlock{}

		for j := range cfg.NumResBlocks {
			in := ch
			if j == 0 {
				in = prev
			}

			block.Res = append(block.Res, NewResBlock(ctx, in, ch, timeDim, groups))
			block.Attn = append(block.Attn, NewSpatialTransformer(ctx, ch, cfg.AttnHeads, cfg.ContextDim, groups))
			skips = append(skips, ch)
		}

		if i < len(cfg.ChannelMult)-1 {
			block.Downsample = nn.NewConv2D(ctx, ch, ch, 3, true)
			skips = append(skips, ch)
		}

		prev = ch
		u.Down = append(u.Down, block)
	}

	u.Mid = &MidBlock{
		Res1: NewResBlock(ctx, prev, prev, timeDim, groups),
		Attn: NewSpatialTransformer(ctx, prev, cfg.AttnHeads, cfg.ContextDim, groups),
		Res2: NewResBlock(ctx, prev, prev, timeDim, groups),
	}

	for i := len(cfg.ChannelMult) - 1; i >= 0; i-- {
		ch := model * cfg.ChannelMult[i]
		block := &UpBlock{}

		for range cfg.NumResBlocks + 1 {
			skip := skips[len(skips)-1]
			skips = skips[:len(skips)-1]

			block.Res = append(block.Res, NewResBlock(ctx, prev+skip, ch, timeDim, groups))
			block.Attn = append(block.Attn, NewSpatialTransformer(ctx, ch, cfg.AttnHeads, cfg.ContextDim, groups))
			prev = ch
		}

		if i > 0 {
			block.Upsample = nn.NewConv2D(ctx, ch, ch, 3, true)
		}

		u.Up = append(u.Up, block)
	}

	u.NormOut = nn.NewGroupNorm(ctx, prev, groups)
	u.ConvOut = nn.NewConv2D(ctx, prev, cfg.OutChannels, 3, true)

	return u, nil
}

// Forward predicts noise for latents [batch, in, h, w] at the given per
// sample timesteps. context is [batch, seq, contextDim].
func (u *UNet) Forward(ctx ml.Context, latents ml.Tensor, timesteps []int, context ml.Tensor) ml.Tensor {
	if len(timesteps) != latents.Dim(0) {
		panic(fmt.Errorf("got %d timesteps for a batch of %d", len(timesteps), latents.Dim(0)))
	}

	temb := u.timeEmbedding(ctx, timesteps)

	x := u.ConvIn.Forward(ctx, latents, 1, 1)
	skips := []ml.Tensor{x}

	for _, block := range u.Down {
		for i := range block.Res {
			x = block.Res[i].Forward(ctx, x, temb)
			x = block.Attn[i].Forward(ctx, x, context)
			skips = append(skips, x)
		}

		if block.Downsample != nil {
			x = block.Downsample.Forward(ctx, x, 2, 1)
			skips = append(skips, x)
		}
	}

	x = u.Mid.Res1.Forward(ctx, x, temb)
	x = u.Mid.Attn.Forward(ctx, x, context)
	x = u.Mid.Res2.Forward(ctx, x, temb)

	for _, block := range u.Up {
		for i := range block.Res {
			skip := skips[len(skips)-1]
			skips = skips[:len(skips)-1]

			x = x.Concat(ctx, skip, 1)
			x = block.Res[i].Forward(ctx, x, temb)
			x = block.Attn[i].Forward(ctx, x, context)
		}

		if block.Upsample != nil {
			x = x.UpsampleNearest2x(ctx)
			x = block.Upsample.Forward(ctx, x, 1, 1)
		}
	}

	x = u.NormOut.Forward(ctx, x, normEps).SILU(ctx)
	return u.ConvOut.Forward(ctx, x, 1, 1)
}

// timeEmbedding builds the sinusoidal embedding for a batch of timesteps
// and projects it through the two layer MLP. The first half of each
// embedding holds cosines, the second half sines.
func (u *UNet) timeEmbedding(ctx ml.Context, timesteps []int) ml.Tensor {
	dim := u.Config.ModelChannels
	half := dim / 2
	logMax := math.Log(10000)

	data := make([]float32, len(timesteps)*dim)
	for b, t := range timesteps {
		for i := range half {
			freq := math.Exp(-logMax * float64(i) / float64(half))
			angle := float64(t) * freq
			data[b*dim+i] = float32(math.Cos(angle))
			data[b*dim+half+i] = float32(math.Sin(angle))
		}
	}

	emb := ctx.FromFloats(data, len(timesteps), dim)
	emb = u.Time1.Forward(ctx, emb).SILU(ctx)
	return u.Time2.Forward(ctx, emb)
}

// eachTransformer visits every spatial transformer in a fixed traversal
// order: down path, mid, up path.
func (u *UNet) eachTransformer(f func(*SpatialTransformer)) {
	for _, block := range u.Down {
		for _, attn := range block.Attn {
			f(attn)
		}
	}

	f(u.Mid.Attn)

	for _, block := range u.Up {
		for _, attn := range block.Attn {
			f(attn)
		}
	}
}

// CrossAttentions returns the cross attention layers in traversal order.
// These are the layers adapters attach to.
func (u *UNet) CrossAttentions() []*CrossAttention {
	var out []*CrossAttention
	u.eachTransformer(func(t *SpatialTransformer) {
		out = append(out, t.Attn2)
	})

	return out
}

// SelfAttentions returns the self attention layers in traversal order.
func (u *UNet) SelfAttentions() []*CrossAttention {
	var out []*CrossAttention
	u.eachTransformer(func(t *SpatialTransformer) {
		out = append(out, t.Attn1)
	})

	return out
}

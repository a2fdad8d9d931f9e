package cpu

import (
	"fmt"
	"math"
	"slices"

	"github.com/chromagen/chromagen/ml"
)

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(float64(-x))))
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return ctx.(*Context).unaryOp(t,
		func(x float32) float32 { return x * sigmoid(x) },
		func(x float32) float32 {
			s := sigmoid(x)
			return s * (1 + x*(1-s))
		},
	)
}

// geluCoeff is sqrt(2/pi) for the tanh approximation of GELU.
const geluCoeff = 0.7978845608028654

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return ctx.(*Context).unaryOp(t,
		func(x float32) float32 {
			u := float64(x)
			return float32(0.5 * u * (1 + math.Tanh(geluCoeff*(u+0.044715*u*u*u))))
		},
		func(x float32) float32 {
			u := float64(x)
			th := math.Tanh(geluCoeff * (u + 0.044715*u*u*u))
			return float32(0.5*(1+th) + 0.5*u*(1-th*th)*geluCoeff*(1+3*0.044715*u*u))
		},
	)
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	c := ctx.(*Context)
	out := c.newTensor(ml.DTypeF32, t.shape)

	last := t.shape[len(t.shape)-1]
	rows := len(t.data) / last

	c.backend.parallel(rows, func(start, end int) {
		for r := start; r < end; r++ {
			in := t.data[r*last : (r+1)*last]
			o := out.data[r*last : (r+1)*last]

			maxv := in[0]
			for _, v := range in[1:] {
				if v > maxv {
					maxv = v
				}
			}

			var sum float32
			for i, v := range in {
				e := float32(math.Exp(float64(v - maxv)))
				o[i] = e
				sum += e
			}

			inv := 1 / sum
			for i := range o {
				o[i] *= inv
			}
		}
	})

	c.record(out, []*Tensor{t}, func() {
		g := out.grad
		if g == nil {
			return
		}

		ag := t.ensureGrad()
		for r := range rows {
			y := out.data[r*last : (r+1)*last]
			gr := g[r*last : (r+1)*last]

			var dot float32
			for i := range y {
				dot += gr[i] * y[i]
			}
			for i := range y {
				ag[r*last+i] += y[i] * (gr[i] - dot)
			}
		}
	})

	return out
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	c := ctx.(*Context)
	w := weight.(*Tensor)

	var b *Tensor
	if bias != nil {
		b = bias.(*Tensor)
	}

	last := t.shape[len(t.shape)-1]
	if len(w.data) != last || (b != nil && len(b.data) != last) {
		panic(fmt.Errorf("ml: layernorm weight does not match last dimension of %v", t.shape))
	}

	rows := len(t.data) / last
	out := c.newTensor(ml.DTypeF32, t.shape)

	c.backend.parallel(rows, func(start, end int) {
		for r := start; r < end; r++ {
			in := t.data[r*last : (r+1)*last]
			o := out.data[r*last : (r+1)*last]

			mean, rstd := rowStats(in, eps)
			for i, v := range in {
				xhat := (v - mean) * rstd
				o[i] = xhat * w.data[i]
				if b != nil {
					o[i] += b.data[i]
				}
			}
		}
	})

	inputs := []*Tensor{t, w}
	if b != nil {
		inputs = append(inputs, b)
	}
	c.record(out, inputs, func() {
		g := out.grad
		if g == nil {
			return
		}

		var ag, wg, bg []float32
		if t.requiresGrad {
			ag = t.ensureGrad()
		}
		if w.requiresGrad {
			wg = w.ensureGrad()
		}
		if b != nil && b.requiresGrad {
			bg = b.ensureGrad()
		}

		n := float32(last)
		for r := range rows {
			in := t.data[r*last : (r+1)*last]
			gr := g[r*last : (r+1)*last]

			mean, rstd := rowStats(in, eps)

			var sumDx, sumDxXhat float32
			for i, v := range in {
				xhat := (v - mean) * rstd
				dxhat := gr[i] * w.data[i]
				sumDx += dxhat
				sumDxXhat += dxhat * xhat

				if wg != nil {
					wg[i] += gr[i] * xhat
				}
				if bg != nil {
					bg[i] += gr[i]
				}
			}

			if ag != nil {
				for i, v := range in {
					xhat := (v - mean) * rstd
					dxhat := gr[i] * w.data[i]
					ag[r*last+i] += rstd * (dxhat - sumDx/n - xhat*sumDxXhat/n)
				}
			}
		}
	})

	return out
}

func rowStats(in []float32, eps float32) (mean, rstd float32) {
	var sum float32
	for _, v := range in {
		sum += v
	}
	mean = sum / float32(len(in))

	var sq float32
	for _, v := range in {
		d := v - mean
		sq += d * d
	}

	rstd = float32(1 / math.Sqrt(float64(sq/float32(len(in))+eps)))
	return mean, rstd
}

func (t *Tensor) GroupNorm(ctx ml.Context, weight, bias ml.Tensor, groups int, eps float32) ml.Tensor {
	if len(t.shape) < 2 {
		panic(fmt.Errorf("ml: groupnorm requires a batched channel tensor, got shape %v", t.shape))
	}

	channels := t.shape[1]
	if channels%groups != 0 {
		panic(fmt.Errorf("ml: %d channels not divisible by %d groups", channels, groups))
	}

	c := ctx.(*Context)
	w := weight.(*Tensor)
	b := bias.(*Tensor)
	if len(w.data) != channels || len(b.data) != channels {
		panic(fmt.Errorf("ml: groupnorm weight does not match %d channels", channels))
	}

	batch := t.shape[0]
	spatial := ml.Numel(t.shape[2:])
	groupSize := channels / groups * spatial

	out := c.newTensor(ml.DTypeF32, t.shape)

	c.backend.parallel(batch*groups, func(start, end int) {
		for bg := start; bg < end; bg++ {
			base := bg * groupSize
			in := t.data[base : base+groupSize]
			o := out.data[base : base+groupSize]

			mean, rstd := rowStats(in, eps)

			firstCh := (bg % groups) * (channels / groups)
			for i, v := range in {
				ch := firstCh + i/spatial
				o[i] = (v-mean)*rstd*w.data[ch] + b.data[ch]
			}
		}
	})

	c.record(out, []*Tensor{t, w, b}, func() {
		g := out.grad
		if g == nil {
			return
		}

		var ag, wg, bgr []float32
		if t.requiresGrad {
			ag = t.ensureGrad()
		}
		if w.requiresGrad {
			wg = w.ensureGrad()
		}
		if b.requiresGrad {
			bgr = b.ensureGrad()
		}

		n := float32(groupSize)
		for bg := range batch * groups {
			base := bg * groupSize
			in := t.data[base : base+groupSize]
			gr := g[base : base+groupSize]

			mean, rstd := rowStats(in, eps)
			firstCh := (bg % groups) * (channels / groups)

			var sumDx, sumDxXhat float32
			for i, v := range in {
				ch := firstCh + i/spatial
				xhat := (v - mean) * rstd
				dxhat := gr[i] * w.data[ch]
				sumDx += dxhat
				sumDxXhat += dxhat * xhat

				if wg != nil {
					wg[ch] += gr[i] * xhat
				}
				if bgr != nil {
					bgr[ch] += gr[i]
				}
			}

			if ag != nil {
				for i, v := range in {
					ch := firstCh + i/spatial
					xhat := (v - mean) * rstd
					dxhat := gr[i] * w.data[ch]
					ag[base+i] += rstd * (dxhat - sumDx/n - xhat*sumDxXhat/n)
				}
			}
		}
	})

	return out
}

func (t *Tensor) reduce(ctx ml.Context, dims []int, mean bool) ml.Tensor {
	c := ctx.(*Context)

	if len(dims) == 0 {
		dims = make([]int, len(t.shape))
		for i := range dims {
			dims[i] = i
		}
	}

	reduced := make([]bool, len(t.shape))
	for _, d := range dims {
		if d < 0 || d >= len(t.shape) || reduced[d] {
			panic(fmt.Errorf("ml: invalid reduction dims %v for shape %v", dims, t.shape))
		}
		reduced[d] = true
	}

	var outShape []int
	for i, d := range t.shape {
		if !reduced[i] {
			outShape = append(outShape, d)
		}
	}
	if len(outShape) == 0 {
		outShape = []int{1}
	}

	out := c.newTensor(ml.DTypeF32, outShape)

	// stride into the output for every input dimension, zero when reduced
	outStrides := make([]int, len(t.shape))
	acc := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if !reduced[i] {
			outStrides[i] = acc
			acc *= t.shape[i]
		}
	}

	count := float32(len(t.data) / len(out.data))

	idx := make([]int, len(t.shape))
	oi := 0
	for i := range t.data {
		out.data[oi] += t.data[i]

		for d := len(t.shape) - 1; d >= 0; d-- {
			idx[d]++
			oi += outStrides[d]
			if idx[d] < t.shape[d] {
				break
			}
			idx[d] = 0
			oi -= outStrides[d] * t.shape[d]
		}
	}

	if mean {
		for i := range out.data {
			out.data[i] /= count
		}
	}

	c.record(out, []*Tensor{t}, func() {
		g := out.grad
		if g == nil {
			return
		}

		ag := t.ensureGrad()
		idx := make([]int, len(t.shape))
		oi := 0
		for i := range t.data {
			gv := g[oi]
			if mean {
				gv /= count
			}
			ag[i] += gv

			for d := len(t.shape) - 1; d >= 0; d-- {
				idx[d]++
				oi += outStrides[d]
				if idx[d] < t.shape[d] {
					break
				}
				idx[d] = 0
				oi -= outStrides[d] * t.shape[d]
			}
		}
	})

	return out
}

func (t *Tensor) Mean(ctx ml.Context, dims ...int) ml.Tensor {
	return t.reduce(ctx, slices.Clone(dims), true)
}

func (t *Tensor) Sum(ctx ml.Context, dims ...int) ml.Tensor {
	return t.reduce(ctx, slices.Clone(dims), false)
}

func (t *Tensor) MSE(ctx ml.Context, target ml.Tensor) ml.Tensor {
	o := target.(*Tensor)
	if !shapeEq(t.shape, o.shape) {
		panic(fmt.Errorf("ml: mse shape mismatch %v vs %v", t.shape, o.shape))
	}

	c := ctx.(*Context)
	out := c.newTensor(ml.DTypeF32, []int{1})

	var sum float64
	for i, v := range t.data {
		d := float64(v - o.data[i])
		sum += d * d
	}

	n := float32(len(t.data))
	out.data[0] = float32(sum) / n

	c.record(out, []*Tensor{t, o}, func() {
		g := out.grad
		if g == nil {
			return
		}

		var ag, bg []float32
		if t.requiresGrad {
			ag = t.ensureGrad()
		}
		if o.requiresGrad {
			bg = o.ensureGrad()
		}

		scale := 2 * g[0] / n
		for i, v := range t.data {
			d := (v - o.data[i]) * scale
			if ag != nil {
				ag[i] += d
			}
			if bg != nil {
				bg[i] -= d
			}
		}
	})

	return out
}

func (t *Tensor) UpsampleNearest2x(ctx ml.Context) ml.Tensor {
	if len(t.shape) != 4 {
		panic(fmt.Errorf("ml: upsample requires [batch, channel, height, width], got %v", t.shape))
	}

	c := ctx.(*Context)
	batch, channels, h, w := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	out := c.newTensor(ml.DTypeF32, []int{batch, channels, 2 * h, 2 * w})

	c.backend.parallel(batch*channels, func(start, end int) {
		for bc := start; bc < end; bc++ {
			in := t.data[bc*h*w:]
			o := out.data[bc*4*h*w:]
			for y := range 2 * h {
				for x := range 2 * w {
					o[y*2*w+x] = in[(y/2)*w+x/2]
				}
			}
		}
	})

	c.record(out, []*Tensor{t}, func() {
		g := out.grad
		if g == nil {
			return
		}

		ag := t.ensureGrad()
		for bc := range batch * channels {
			gr := g[bc*4*h*w:]
			for y := range 2 * h {
				for x := range 2 * w {
					ag[bc*h*w+(y/2)*w+x/2] += gr[y*2*w+x]
				}
			}
		}
	})

	return out
}

package cpu

import (
	"fmt"
	"slices"

	"github.com/chromagen/chromagen/ml"
)

type Tensor struct {
	data  []float32
	grad  []float32
	shape []int
	dtype ml.DType

	requiresGrad bool
}

func (t *Tensor) Dim(n int) int { return t.shape[n] }

func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

func (t *Tensor) DType() ml.DType { return t.dtype }

func (t *Tensor) Floats() []float32 {
	return append([]float32(nil), t.data...)
}

func (t *Tensor) Item() float32 {
	if len(t.data) != 1 {
		panic(fmt.Errorf("ml: item on tensor with shape %v", t.shape))
	}
	return t.data[0]
}

func (t *Tensor) SetFloats(s []float32) {
	if len(s) != len(t.data) {
		panic(fmt.Errorf("ml: %d values do not fit shape %v", len(s), t.shape))
	}
	copy(t.data, s)
}

// Data, Grad and ZeroGrad implement ml.Parameter.

func (t *Tensor) Data() []float32 { return t.data }

func (t *Tensor) Grad() []float32 { return t.ensureGrad() }

func (t *Tensor) ZeroGrad() {
	if t.grad == nil {
		return
	}
	clear(t.grad)
}

func (t *Tensor) ensureGrad() []float32 {
	if t.grad == nil {
		t.grad = make([]float32, len(t.data))
	}
	return t.grad
}

func shapeEq(a, b []int) bool { return slices.Equal(a, b) }

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// broadcastShapes combines two shapes aligned from the trailing
// dimension. A dimension broadcasts when it is 1 or absent.
func broadcastShapes(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := range n {
		da, db := 1, 1
		if j := i - (n - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (n - len(b)); j >= 0 {
			db = b[j]
		}

		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			panic(fmt.Errorf("ml: cannot broadcast %v with %v", a, b))
		}
	}
	return out
}

// broadcastStrides returns the strides of shape viewed in the coordinate
// system of out, with zero stride on broadcast dimensions.
func broadcastStrides(shape, out []int) []int {
	bs := make([]int, len(out))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		j := i + len(out) - len(shape)
		if shape[i] != 1 {
			bs[j] = acc
		}
		acc *= shape[i]
	}
	return bs
}

// eachBroadcast walks the iteration space of outShape yielding linear
// offsets into the output and the two broadcast operands.
func eachBroadcast(outShape, aShape, bShape []int, f func(oi, ai, bi int)) {
	n := ml.Numel(outShape)
	as := broadcastStrides(aShape, outShape)
	bs := broadcastStrides(bShape, outShape)

	idx := make([]int, len(outShape))
	ai, bi := 0, 0
	for oi := range n {
		f(oi, ai, bi)

		for d := len(outShape) - 1; d >= 0; d-- {
			idx[d]++
			ai += as[d]
			bi += bs[d]
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
			ai -= as[d] * outShape[d]
			bi -= bs[d] * outShape[d]
		}
	}
}

func (c *Context) binaryOp(a, b *Tensor, f, dfx, dfy func(x, y float32) float32) *Tensor {
	outShape := broadcastShapes(a.shape, b.shape)
	out := c.newTensor(ml.DTypeF32, outShape)

	if shapeEq(a.shape, b.shape) {
		ad, bd, od := a.data, b.data, out.data
		c.backend.parallel(len(od), func(start, end int) {
			for i := start; i < end; i++ {
				od[i] = f(ad[i], bd[i])
			}
		})
	} else {
		eachBroadcast(outShape, a.shape, b.shape, func(oi, ai, bi int) {
			out.data[oi] = f(a.data[ai], b.data[bi])
		})
	}

	c.record(out, []*Tensor{a, b}, func() {
		g := out.grad
		if g == nil {
			return
		}

		var ag, bg []float32
		if a.requiresGrad {
			ag = a.ensureGrad()
		}
		if b.requiresGrad {
			bg = b.ensureGrad()
		}

		eachBroadcast(outShape, a.shape, b.shape, func(oi, ai, bi int) {
			if ag != nil {
				ag[ai] += g[oi] * dfx(a.data[ai], b.data[bi])
			}
			if bg != nil {
				bg[bi] += g[oi] * dfy(a.data[ai], b.data[bi])
			}
		})
	})

	return out
}

func (c *Context) unaryOp(a *Tensor, f func(x float32) float32, df func(x float32) float32) *Tensor {
	out := c.newTensor(ml.DTypeF32, a.shape)
	ad, od := a.data, out.data
	c.backend.parallel(len(od), func(start, end int) {
		for i := start; i < end; i++ {
			od[i] = f(ad[i])
		}
	})

	c.record(out, []*Tensor{a}, func() {
		g := out.grad
		if g == nil {
			return
		}

		ag := a.ensureGrad()
		for i := range g {
			ag[i] += g[i] * df(ad[i])
		}
	})

	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return ctx.(*Context).binaryOp(t, t2.(*Tensor),
		func(x, y float32) float32 { return x + y },
		func(x, y float32) float32 { return 1 },
		func(x, y float32) float32 { return 1 },
	)
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return ctx.(*Context).binaryOp(t, t2.(*Tensor),
		func(x, y float32) float32 { return x - y },
		func(x, y float32) float32 { return 1 },
		func(x, y float32) float32 { return -1 },
	)
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return ctx.(*Context).binaryOp(t, t2.(*Tensor),
		func(x, y float32) float32 { return x * y },
		func(x, y float32) float32 { return y },
		func(x, y float32) float32 { return x },
	)
}

func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return ctx.(*Context).binaryOp(t, t2.(*Tensor),
		func(x, y float32) float32 { return x / y },
		func(x, y float32) float32 { return 1 / y },
		func(x, y float32) float32 { return -x / (y * y) },
	)
}

func (t *Tensor) AddScalar(ctx ml.Context, s float64) ml.Tensor {
	v := float32(s)
	return ctx.(*Context).unaryOp(t,
		func(x float32) float32 { return x + v },
		func(x float32) float32 { return 1 },
	)
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	v := float32(s)
	return ctx.(*Context).unaryOp(t,
		func(x float32) float32 { return x * v },
		func(x float32) float32 { return v },
	)
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if ml.Numel(shape) != len(t.data) {
		panic(fmt.Errorf("ml: cannot reshape %v to %v", t.shape, shape))
	}

	c := ctx.(*Context)
	out := &Tensor{
		data:  t.data,
		shape: append([]int(nil), shape...),
		dtype: t.dtype,
	}

	c.record(out, []*Tensor{t}, func() {
		g := out.grad
		if g == nil {
			return
		}

		ag := t.ensureGrad()
		for i := range g {
			ag[i] += g[i]
		}
	})

	return out
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic(fmt.Errorf("ml: permute order %v does not match shape %v", order, t.shape))
	}

	seen := make([]bool, len(order))
	outShape := make([]int, len(order))
	for i, o := range order {
		if o < 0 || o >= len(order) || seen[o] {
			panic(fmt.Errorf("ml: invalid permute order %v", order))
		}
		seen[o] = true
		outShape[i] = t.shape[o]
	}

	c := ctx.(*Context)
	out := c.newTensor(t.dtype, outShape)

	inStrides := strides(t.shape)
	mapped := make([]int, len(order))
	for i, o := range order {
		mapped[i] = inStrides[o]
	}

	idx := make([]int, len(outShape))
	ii := 0
	for oi := range out.data {
		out.data[oi] = t.data[ii]

		for d := len(outShape) - 1; d >= 0; d-- {
			idx[d]++
			ii += mapped[d]
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
			ii -= mapped[d] * outShape[d]
		}
	}

	c.record(out, []*Tensor{t}, func() {
		g := out.grad
		if g == nil {
			return
		}

		ag := t.ensureGrad()
		idx := make([]int, len(outShape))
		ii := 0
		for oi := range g {
			ag[ii] += g[oi]

			for d := len(outShape) - 1; d >= 0; d-- {
				idx[d]++
				ii += mapped[d]
				if idx[d] < outShape[d] {
					break
				}
				idx[d] = 0
				ii -= mapped[d] * outShape[d]
			}
		}
	})

	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	o := t2.(*Tensor)
	if len(t.shape) != len(o.shape) {
		panic(fmt.Errorf("ml: concat rank mismatch %v vs %v", t.shape, o.shape))
	}
	for i := range t.shape {
		if i != dim && t.shape[i] != o.shape[i] {
			panic(fmt.Errorf("ml: concat shape mismatch %v vs %v on dim %d", t.shape, o.shape, dim))
		}
	}

	outShape := t.Shape()
	outShape[dim] += o.shape[dim]

	c := ctx.(*Context)
	out := c.newTensor(t.dtype, outShape)

	outer := ml.Numel(t.shape[:dim])
	aBlock := ml.Numel(t.shape[dim:])
	bBlock := ml.Numel(o.shape[dim:])

	for i := range outer {
		copy(out.data[i*(aBlock+bBlock):], t.data[i*aBlock:(i+1)*aBlock])
		copy(out.data[i*(aBlock+bBlock)+aBlock:], o.data[i*bBlock:(i+1)*bBlock])
	}

	c.record(out, []*Tensor{t, o}, func() {
		g := out.grad
		if g == nil {
			return
		}

		if t.requiresGrad {
			ag := t.ensureGrad()
			for i := range outer {
				src := g[i*(aBlock+bBlock):]
				for j := range aBlock {
					ag[i*aBlock+j] += src[j]
				}
			}
		}
		if o.requiresGrad {
			bg := o.ensureGrad()
			for i := range outer {
				src := g[i*(aBlock+bBlock)+aBlock:]
				for j := range bBlock {
					bg[i*bBlock+j] += src[j]
				}
			}
		}
	})

	return out
}

func (t *Tensor) Slice(ctx ml.Context, dim, start, end int) ml.Tensor {
	if dim < 0 || dim >= len(t.shape) || start < 0 || end > t.shape[dim] || start >= end {
		panic(fmt.Errorf("ml: invalid slice [%d:%d] of %v on dim %d", start, end, t.shape, dim))
	}

	outShape := t.Shape()
	outShape[dim] = end - start

	c := ctx.(*Context)
	out := c.newTensor(t.dtype, outShape)

	outer := ml.Numel(t.shape[:dim])
	inner := ml.Numel(t.shape[dim+1:])
	inBlock := t.shape[dim] * inner
	outBlock := (end - start) * inner

	for i := range outer {
		copy(out.data[i*outBlock:(i+1)*outBlock], t.data[i*inBlock+start*inner:])
	}

	c.record(out, []*Tensor{t}, func() {
		g := out.grad
		if g == nil {
			return
		}

		ag := t.ensureGrad()
		for i := range outer {
			for j := range outBlock {
				ag[i*inBlock+start*inner+j] += g[i*outBlock+j]
			}
		}
	})

	return out
}

func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	if n <= 0 {
		panic(fmt.Errorf("ml: repeat count must be positive, got %d", n))
	}

	outShape := t.Shape()
	outShape[dim] *= n

	c := ctx.(*Context)
	out := c.newTensor(t.dtype, outShape)

	outer := ml.Numel(t.shape[:dim])
	block := ml.Numel(t.shape[dim:])

	for i := range outer {
		src := t.data[i*block : (i+1)*block]
		for rep := range n {
			copy(out.data[(i*n+rep)*block:], src)
		}
	}

	c.record(out, []*Tensor{t}, func() {
		g := out.grad
		if g == nil {
			return
		}

		ag := t.ensureGrad()
		for i := range outer {
			for rep := range n {
				src := g[(i*n+rep)*block:]
				for j := range block {
					ag[i*block+j] += src[j]
				}
			}
		}
	})

	return out
}

func (t *Tensor) Rows(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	if len(t.shape) != 2 {
		panic(fmt.Errorf("ml: rows requires a matrix, got shape %v", t.shape))
	}

	idt := ids.(*Tensor)
	rows, width := t.shape[0], t.shape[1]

	outShape := append(idt.Shape(), width)
	c := ctx.(*Context)
	out := c.newTensor(ml.DTypeF32, outShape)

	indices := make([]int, len(idt.data))
	for i, v := range idt.data {
		id := int(v)
		if id < 0 || id >= rows {
			panic(fmt.Errorf("ml: row index %d out of range [0, %d)", id, rows))
		}
		indices[i] = id
	}

	for r, id := range indices {
		copy(out.data[r*width:(r+1)*width], t.data[id*width:(id+1)*width])
	}

	c.record(out, []*Tensor{t}, func() {
		g := out.grad
		if g == nil {
			return
		}

		ag := t.ensureGrad()
		for r, id := range indices {
			for j := range width {
				ag[id*width+j] += g[r*width+j]
			}
		}
	})

	return out
}

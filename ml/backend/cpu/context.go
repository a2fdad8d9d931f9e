package cpu

import (
	"fmt"

	"github.com/chromagen/chromagen/ml"
)

// Context holds the tape of backward closures for one computation.
// It is not safe for concurrent use.
type Context struct {
	backend  *Backend
	training bool
	tape     []func()
}

func (c *Context) newTensor(dtype ml.DType, shape []int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Errorf("ml: invalid tensor dimension %d in %v", d, shape))
		}
	}

	return &Tensor{
		data:  make([]float32, ml.Numel(shape)),
		shape: append([]int(nil), shape...),
		dtype: dtype,
	}
}

// record appends a backward closure when the context is training and any
// input carries gradient. Closures guard against outputs that never
// received gradient, which happens on branches the loss does not reach.
func (c *Context) record(out *Tensor, inputs []*Tensor, backward func()) {
	if !c.training {
		return
	}

	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			c.tape = append(c.tape, backward)
			return
		}
	}
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeF32, shape)
	if len(s) != len(t.data) {
		panic(fmt.Errorf("ml: %d values do not fit shape %v", len(s), shape))
	}

	copy(t.data, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeI32, shape)
	if len(s) != len(t.data) {
		panic(fmt.Errorf("ml: %d values do not fit shape %v", len(s), shape))
	}

	for i, v := range s {
		t.data[i] = float32(v)
	}
	return t
}

func (c *Context) Randn(shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeF32, shape)
	for i := range t.data {
		t.data[i] = float32(c.backend.normFloat64())
	}
	return t
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	if step <= 0 {
		panic(fmt.Errorf("ml: arange step must be positive, got %v", step))
	}

	var values []float32
	for v := start; v < stop; v += step {
		values = append(values, v)
	}

	t := c.newTensor(dtype, []int{len(values)})
	copy(t.data, values)
	return t
}

func (c *Context) Parameter(t ml.Tensor) ml.Tensor {
	tt := t.(*Tensor)
	tt.requiresGrad = true
	tt.ensureGrad()
	return tt
}

func (c *Context) Backward(loss ml.Tensor) {
	if !c.training {
		return
	}

	l := loss.(*Tensor)
	if len(l.data) != 1 {
		panic(fmt.Errorf("ml: backward target must be a single element, got shape %v", l.shape))
	}

	l.ensureGrad()[0] = 1
	for i := len(c.tape) - 1; i >= 0; i-- {
		c.tape[i]()
	}

	c.tape = c.tape[:0]
}

func (c *Context) Training() bool { return c.training }

func (c *Context) Close() {
	c.tape = nil
}

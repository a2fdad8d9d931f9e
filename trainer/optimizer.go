package trainer

import (
	"fmt"
	"math"
	"slices"

	"github.com/chromagen/chromagen/ml"
)

// AdamW implements Adam with decoupled weight decay. Bias correction is
// folded into the step size, and parameters update in sorted name order
// so runs with the same seed reproduce exactly.
type AdamW struct {
	lr, beta1, beta2, eps, decay float64

	step   int
	names  []string
	params map[string]ml.Parameter
	m, v   map[string][]float64
}

// NewAdamW builds an optimizer over named tensors. Every tensor must
// have been marked trainable on its context.
func NewAdamW(cfg Config, params map[string]ml.Tensor) (*AdamW, error) {
	o := &AdamW{
		lr:     cfg.LR,
		beta1:  cfg.Beta1,
		beta2:  cfg.Beta2,
		eps:    cfg.Eps,
		decay:  cfg.WeightDecay,
		params: make(map[string]ml.Parameter, len(params)),
		m:      make(map[string][]float64, len(params)),
		v:      make(map[string][]float64, len(params)),
	}

	for name, t := range params {
		p, ok := t.(ml.Parameter)
		if !ok {
			return nil, fmt.Errorf("weight %q does not expose gradients", name)
		}

		o.params[name] = p
		o.m[name] = make([]float64, len(p.Data()))
		o.v[name] = make([]float64, len(p.Data()))
		o.names = append(o.names, name)
	}
	slices.Sort(o.names)

	return o, nil
}

// Steps returns how many updates have been applied.
func (o *AdamW) Steps() int { return o.step }

// Step applies one update from the accumulated gradients and zeroes
// them. Non-finite gradients count as zero so a single bad batch cannot
// poison the moments.
func (o *AdamW) Step() {
	o.step++
	t := float64(o.step)
	lrT := o.lr * math.Sqrt(1-math.Pow(o.beta2, t)) / (1 - math.Pow(o.beta1, t))

	for _, name := range o.names {
		p := o.params[name]
		data, grad := p.Data(), p.Grad()
		m, v := o.m[name], o.v[name]

		for i := range data {
			g := float64(grad[i])
			if math.IsNaN(g) || math.IsInf(g, 0) {
				g = 0
			}

			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g

			update := lrT * m[i] / (math.Sqrt(v[i]) + o.eps)
			if math.IsNaN(update) || math.IsInf(update, 0) {
				continue
			}

			w := float64(data[i]) - update
			w -= o.lr * o.decay * w
			data[i] = float32(w)
		}

		p.ZeroGrad()
	}
}

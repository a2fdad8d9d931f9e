package cpu

import (
	"fmt"

	"github.com/chromagen/chromagen/ml"
)

// binWeights computes the soft assignment of a channel value in [0, 1]
// to two adjacent bins. The scaled value is clamped to [0.5, bins-0.5]
// so exact 0 and exact 1 land wholly in the first and last bin. clamped
// reports when the value sits outside the differentiable range.
func binWeights(v float32, bins int) (lo int, wlo, whi float32, clamped bool) {
	s := v * float32(bins)
	switch {
	case s < 0.5:
		s, clamped = 0.5, true
	case s > float32(bins)-0.5:
		s, clamped = float32(bins)-0.5, true
	}

	u := s - 0.5
	lo = int(u)
	if lo > bins-2 {
		lo = bins - 2
	}

	f := u - float32(lo)
	return lo, 1 - f, f, clamped
}

func (t *Tensor) Histogram3D(ctx ml.Context, bins int) ml.Tensor {
	if len(t.shape) != 4 || t.shape[1] != 3 {
		panic(fmt.Errorf("ml: histogram requires [batch, 3, height, width], got %v", t.shape))
	}
	if bins < 2 {
		panic(fmt.Errorf("ml: histogram requires at least 2 bins per channel, got %d", bins))
	}

	c := ctx.(*Context)
	batch, h, w := t.shape[0], t.shape[2], t.shape[3]
	pixels := h * w

	out := c.newTensor(ml.DTypeF32, []int{batch, bins, bins, bins})
	norm := 1 / float32(pixels)

	c.backend.parallel(batch, func(start, end int) {
		for b := start; b < end; b++ {
			in := t.data[b*3*pixels:]
			hist := out.data[b*bins*bins*bins:]

			for p := range pixels {
				r0, rw0, rw1, _ := binWeights(in[p], bins)
				g0, gw0, gw1, _ := binWeights(in[pixels+p], bins)
				b0, bw0, bw1, _ := binWeights(in[2*pixels+p], bins)

				for _, rc := range [2]struct {
					i int
					w float32
				}{{r0, rw0}, {r0 + 1, rw1}} {
					for _, gc := range [2]struct {
						i int
						w float32
					}{{g0, gw0}, {g0 + 1, gw1}} {
						base := (rc.i*bins + gc.i) * bins
						wrg := rc.w * gc.w * norm
						hist[base+b0] += wrg * bw0
						hist[base+b0+1] += wrg * bw1
					}
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
		scale := float32(bins) * norm

		for b := range batch {
			in := t.data[b*3*pixels:]
			gb := g[b*bins*bins*bins:]
			gin := ag[b*3*pixels:]

			for p := range pixels {
				r0, rw0, rw1, rcl := binWeights(in[p], bins)
				g0, gw0, gw1, gcl := binWeights(in[pixels+p], bins)
				b0, bw0, bw1, bcl := binWeights(in[2*pixels+p], bins)

				rw := [2]float32{rw0, rw1}
				gw := [2]float32{gw0, gw1}
				bw := [2]float32{bw0, bw1}
				// moving mass between adjacent bins: -1 for the lower
				// bin, +1 for the upper
				sign := [2]float32{-1, 1}

				var dr, dg, db float32
				for ri := range 2 {
					for gi := range 2 {
						for bi := range 2 {
							gv := gb[((r0+ri)*bins+g0+gi)*bins+b0+bi]
							if gv == 0 {
								continue
							}
							dr += gv * sign[ri] * gw[gi] * bw[bi]
							dg += gv * rw[ri] * sign[gi] * bw[bi]
							db += gv * rw[ri] * gw[gi] * sign[bi]
						}
					}
				}

				if !rcl {
					gin[p] += dr * scale
				}
				if !gcl {
					gin[pixels+p] += dg * scale
				}
				if !bcl {
					gin[2*pixels+p] += db * scale
				}
			}
		}
	})

	return out
}

package cpu

import (
	"fmt"

	"github.com/chromagen/chromagen/ml"
)

func convSize(in, kernel, stride, padding int) int {
	out := (in+2*padding-kernel)/stride + 1
	if out <= 0 {
		panic(fmt.Errorf("ml: convolution output collapses: input %d, kernel %d, stride %d, padding %d", in, kernel, stride, padding))
	}
	return out
}

func (t *Tensor) Conv2D(ctx ml.Context, weight ml.Tensor, stride, padding int) ml.Tensor {
	w := weight.(*Tensor)
	if len(t.shape) != 4 || len(w.shape) != 4 {
		panic(fmt.Errorf("ml: conv2d requires 4d input and weight, got %v and %v", t.shape, w.shape))
	}
	if t.shape[1] != w.shape[1] {
		panic(fmt.Errorf("ml: conv2d channel mismatch: input %v, weight %v", t.shape, w.shape))
	}

	batch, inCh, h, width := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	outCh, kh, kw := w.shape[0], w.shape[2], w.shape[3]

	oh := convSize(h, kh, stride, padding)
	ow := convSize(width, kw, stride, padding)

	c := ctx.(*Context)
	out := c.newTensor(ml.DTypeF32, []int{batch, outCh, oh, ow})

	c.backend.parallel(batch*outCh, func(start, end int) {
		for bo := start; bo < end; bo++ {
			b, oc := bo/outCh, bo%outCh
			obase := bo * oh * ow

			for y := range oh {
				for x := range ow {
					var sum float32
					for ic := range inCh {
						ibase := (b*inCh + ic) * h * width
						wbase := ((oc*inCh + ic) * kh) * kw
						for ky := range kh {
							iy := y*stride - padding + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := range kw {
								ix := x*stride - padding + kx
								if ix < 0 || ix >= width {
									continue
								}
								sum += t.data[ibase+iy*width+ix] * w.data[wbase+ky*kw+kx]
							}
						}
					}
					out.data[obase+y*ow+x] = sum
				}
			}
		}
	})

	c.record(out, []*Tensor{t, w}, func() {
		g := out.grad
		if g == nil {
			return
		}

		var ag, wg []float32
		if t.requiresGrad {
			ag = t.ensureGrad()
		}
		if w.requiresGrad {
			wg = w.ensureGrad()
		}

		for b := range batch {
			for oc := range outCh {
				obase := (b*outCh + oc) * oh * ow
				for y := range oh {
					for x := range ow {
						gv := g[obase+y*ow+x]
						if gv == 0 {
							continue
						}
						for ic := range inCh {
							ibase := (b*inCh + ic) * h * width
							wbase := ((oc*inCh + ic) * kh) * kw
							for ky := range kh {
								iy := y*stride - padding + ky
								if iy < 0 || iy >= h {
									continue
								}
								for kx := range kw {
									ix := x*stride - padding + kx
									if ix < 0 || ix >= width {
										continue
									}
									if ag != nil {
										ag[ibase+iy*width+ix] += gv * w.data[wbase+ky*kw+kx]
									}
									if wg != nil {
										wg[wbase+ky*kw+kx] += gv * t.data[ibase+iy*width+ix]
									}
								}
							}
						}
					}
				}
			}
		}
	})

	return out
}

func (t *Tensor) Conv3D(ctx ml.Context, weight ml.Tensor, stride, padding int) ml.Tensor {
	w := weight.(*Tensor)
	if len(t.shape) != 5 || len(w.shape) != 5 {
		panic(fmt.Errorf("ml: conv3d requires 5d input and weight, got %v and %v", t.shape, w.shape))
	}
	if t.shape[1] != w.shape[1] {
		panic(fmt.Errorf("ml: conv3d channel mismatch: input %v, weight %v", t.shape, w.shape))
	}

	batch, inCh, d, h, width := t.shape[0], t.shape[1], t.shape[2], t.shape[3], t.shape[4]
	outCh, kd, kh, kw := w.shape[0], w.shape[2], w.shape[3], w.shape[4]

	od := convSize(d, kd, stride, padding)
	oh := convSize(h, kh, stride, padding)
	ow := convSize(width, kw, stride, padding)

	c := ctx.(*Context)
	out := c.newTensor(ml.DTypeF32, []int{batch, outCh, od, oh, ow})

	c.backend.parallel(batch*outCh, func(start, end int) {
		for bo := start; bo < end; bo++ {
			b, oc := bo/outCh, bo%outCh
			obase := bo * od * oh * ow

			for z := range od {
				for y := range oh {
					for x := range ow {
						var sum float32
						for ic := range inCh {
							ibase := (b*inCh + ic) * d * h * width
							wbase := ((oc*inCh + ic) * kd) * kh * kw
							for kz := range kd {
								iz := z*stride - padding + kz
								if iz < 0 || iz >= d {
									continue
								}
								for ky := range kh {
									iy := y*stride - padding + ky
									if iy < 0 || iy >= h {
										continue
									}
									for kx := range kw {
										ix := x*stride - padding + kx
										if ix < 0 || ix >= width {
											continue
										}
										sum += t.data[ibase+(iz*h+iy)*width+ix] * w.data[wbase+(kz*kh+ky)*kw+kx]
									}
								}
							}
						}
						out.data[obase+(z*oh+y)*ow+x] = sum
					}
				}
			}
		}
	})

	c.record(out, []*Tensor{t, w}, func() {
		g := out.grad
		if g == nil {
			return
		}

		var ag, wg []float32
		if t.requiresGrad {
			ag = t.ensureGrad()
		}
		if w.requiresGrad {
			wg = w.ensureGrad()
		}

		for b := range batch {
			for oc := range outCh {
				obase := (b*outCh + oc) * od * oh * ow
				for z := range od {
					for y := range oh {
						for x := range ow {
							gv := g[obase+(z*oh+y)*ow+x]
							if gv == 0 {
								continue
							}
							for ic := range inCh {
								ibase := (b*inCh + ic) * d * h * width
								wbase := ((oc*inCh + ic) * kd) * kh * kw
								for kz := range kd {
									iz := z*stride - padding + kz
									if iz < 0 || iz >= d {
										continue
									}
									for ky := range kh {
										iy := y*stride - padding + ky
										if iy < 0 || iy >= h {
											continue
										}
										for kx := range kw {
											ix := x*stride - padding + kx
											if ix < 0 || ix >= width {
												continue
											}
											if ag != nil {
												ag[ibase+(iz*h+iy)*width+ix] += gv * w.data[wbase+(kz*kh+ky)*kw+kx]
											}
											if wg != nil {
												wg[wbase+(kz*kh+ky)*kw+kx] += gv * t.data[ibase+(iz*h+iy)*width+ix]
											}
										}
									}
								}
							}
						}
					}
				}
			}
		}
	})

	return out
}

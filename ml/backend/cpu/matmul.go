package cpu

import (
	"fmt"

	"github.com/chromagen/chromagen/ml"
)

// batchOffsets maps every output batch coordinate to the element offset
// of the corresponding input matrix, repeating matrices on broadcast
// dimensions.
func batchOffsets(batchShape, inBatch []int, matSize int) []int {
	n := ml.Numel(batchShape)
	offs := make([]int, n)
	if len(batchShape) == 0 {
		return offs
	}

	bs := broadcastStrides(inBatch, batchShape)
	idx := make([]int, len(batchShape))
	off := 0
	for i := range n {
		offs[i] = off * matSize

		for d := len(batchShape) - 1; d >= 0; d-- {
			idx[d]++
			off += bs[d]
			if idx[d] < batchShape[d] {
				break
			}
			idx[d] = 0
			off -= bs[d] * batchShape[d]
		}
	}
	return offs
}

func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	a, b := t, t2.(*Tensor)
	if len(a.shape) < 2 || len(b.shape) < 2 {
		panic(fmt.Errorf("ml: matmul requires matrices, got %v and %v", a.shape, b.shape))
	}

	la, lb := len(a.shape), len(b.shape)
	m, k := a.shape[la-2], a.shape[la-1]
	kb, n := b.shape[lb-2], b.shape[lb-1]
	if k != kb {
		panic(fmt.Errorf("ml: matmul inner dimensions do not match: %v x %v", a.shape, b.shape))
	}

	batchShape := broadcastShapes(a.shape[:la-2], b.shape[:lb-2])
	outShape := append(append([]int(nil), batchShape...), m, n)

	c := ctx.(*Context)
	out := c.newTensor(ml.DTypeF32, outShape)

	aOffs := batchOffsets(batchShape, a.shape[:la-2], m*k)
	bOffs := batchOffsets(batchShape, b.shape[:lb-2], k*n)
	batchN := len(aOffs)

	c.backend.parallel(batchN*m, func(start, end int) {
		for row := start; row < end; row++ {
			bi, i := row/m, row%m
			arow := a.data[aOffs[bi]+i*k : aOffs[bi]+(i+1)*k]
			bmat := b.data[bOffs[bi] : bOffs[bi]+k*n]
			orow := out.data[bi*m*n+i*n : bi*m*n+(i+1)*n]

			for kk, av := range arow {
				if av == 0 {
					continue
				}
				brow := bmat[kk*n : (kk+1)*n]
				for j, bv := range brow {
					orow[j] += av * bv
				}
			}
		}
	})

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

		for bi := range batchN {
			gmat := g[bi*m*n : (bi+1)*m*n]
			amat := a.data[aOffs[bi] : aOffs[bi]+m*k]
			bmat := b.data[bOffs[bi] : bOffs[bi]+k*n]

			if ag != nil {
				dst := ag[aOffs[bi] : aOffs[bi]+m*k]
				for i := range m {
					for kk := range k {
						var sum float32
						brow := bmat[kk*n : (kk+1)*n]
						grow := gmat[i*n : (i+1)*n]
						for j := range n {
							sum += grow[j] * brow[j]
						}
						dst[i*k+kk] += sum
					}
				}
			}

			if bg != nil {
				dst := bg[bOffs[bi] : bOffs[bi]+k*n]
				for i := range m {
					grow := gmat[i*n : (i+1)*n]
					arow := amat[i*k : (i+1)*k]
					for kk, av := range arow {
						if av == 0 {
							continue
						}
						for j := range n {
							dst[kk*n+j] += av * grow[j]
						}
					}
				}
			}
		}
	})

	return out
}

func (t *Tensor) ScaledDotProductAttention(ctx ml.Context, key, value ml.Tensor, scale float64) ml.Tensor {
	if len(t.shape) != 4 {
		panic(fmt.Errorf("ml: attention requires [batch, heads, seq, headDim] query, got %v", t.shape))
	}

	kt := key.Permute(ctx, 0, 1, 3, 2)
	scores := t.Matmul(ctx, kt).Scale(ctx, scale).Softmax(ctx)
	return scores.Matmul(ctx, value)
}

package cpu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chromagen/chromagen/ml"
)

func testContext(t *testing.T, training bool) ml.Context {
	t.Helper()

	backend, err := New(ml.BackendParams{Seed: 42, NumThreads: 2, Training: training})
	if err != nil {
		t.Fatal(err)
	}

	ctx := backend.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

func TestFromFloats(t *testing.T) {
	ctx := testContext(t, false)

	x := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	if diff := cmp.Diff([]int{2, 3}, x.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	if got := x.Floats(); got[4] != 5 {
		t.Errorf("expected 5 at index 4, got %v", got[4])
	}
}

func TestAddBroadcast(t *testing.T) {
	ctx := testContext(t, false)

	x := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	bias := ctx.FromFloats([]float32{10, 20, 30}, 3)

	got := x.Add(ctx, bias).Floats()
	want := []float32{11, 22, 33, 14, 25, 36}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("broadcast add mismatch (-want +got):\n%s", diff)
	}
}

func TestMatmul(t *testing.T) {
	ctx := testContext(t, false)

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := ctx.FromFloats([]float32{7, 8, 9, 10, 11, 12}, 3, 2)

	got := a.Matmul(ctx, b).Floats()
	want := []float32{58, 64, 139, 154}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("matmul mismatch (-want +got):\n%s", diff)
	}
}

func TestMatmulBatchBroadcast(t *testing.T) {
	ctx := testContext(t, false)

	// a batch of two 1x2 matrices against a shared 2x2 weight
	a := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 1, 2)
	w := ctx.FromFloats([]float32{1, 0, 0, 1}, 2, 2)

	got := a.Matmul(ctx, w)
	if diff := cmp.Diff([]int{2, 1, 2}, got.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, got.Floats()); diff != "" {
		t.Errorf("identity matmul mismatch (-want +got):\n%s", diff)
	}
}

func TestSoftmax(t *testing.T) {
	ctx := testContext(t, false)

	x := ctx.FromFloats([]float32{1, 2, 3, 1, 1, 1}, 2, 3)
	y := x.Softmax(ctx).Floats()

	for r := range 2 {
		var sum float32
		for i := range 3 {
			sum += y[r*3+i]
		}
		if math.Abs(float64(sum-1)) > 1e-5 {
			t.Errorf("row %d does not sum to 1: %v", r, sum)
		}
	}

	// uniform input gives uniform output
	for i := 3; i < 6; i++ {
		if math.Abs(float64(y[i]-1.0/3)) > 1e-5 {
			t.Errorf("expected uniform softmax, got %v", y[3:])
			break
		}
	}
}

func TestPermute(t *testing.T) {
	ctx := testContext(t, false)

	x := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := x.Permute(ctx, 1, 0)

	if diff := cmp.Diff([]int{3, 2}, y.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 4, 2, 5, 3, 6}, y.Floats()); diff != "" {
		t.Errorf("transpose mismatch (-want +got):\n%s", diff)
	}
}

func TestReduce(t *testing.T) {
	ctx := testContext(t, false)

	x := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	if got := x.Sum(ctx).Item(); got != 21 {
		t.Errorf("expected total 21, got %v", got)
	}

	mean := x.Mean(ctx, 1)
	if diff := cmp.Diff([]float32{2, 5}, mean.Floats()); diff != "" {
		t.Errorf("row mean mismatch (-want +got):\n%s", diff)
	}

	sum := x.Sum(ctx, 0)
	if diff := cmp.Diff([]float32{5, 7, 9}, sum.Floats()); diff != "" {
		t.Errorf("column sum mismatch (-want +got):\n%s", diff)
	}
}

func TestHistogram3D(t *testing.T) {
	ctx := testContext(t, false)

	t.Run("sums to one", func(t *testing.T) {
		values := make([]float32, 3*4*4)
		for i := range values {
			values[i] = float32(i) / float32(len(values))
		}
		x := ctx.FromFloats(values, 1, 3, 4, 4)

		h := x.Histogram3D(ctx, 4)
		var sum float64
		for _, v := range h.Floats() {
			sum += float64(v)
		}
		if math.Abs(sum-1) > 1e-4 {
			t.Errorf("histogram sums to %v, want 1", sum)
		}
	})

	t.Run("extremes are one hot", func(t *testing.T) {
		bins := 4
		for name, tt := range map[string]struct {
			value float32
			bin   int
		}{
			"black": {0, 0},
			"white": {1, bins - 1},
		} {
			t.Run(name, func(t *testing.T) {
				values := make([]float32, 3*2*2)
				for i := range values {
					values[i] = tt.value
				}
				x := ctx.FromFloats(values, 1, 3, 2, 2)

				h := x.Histogram3D(ctx, bins).Floats()
				idx := (tt.bin*bins+tt.bin)*bins + tt.bin
				if math.Abs(float64(h[idx]-1)) > 1e-6 {
					t.Errorf("expected all mass at bin (%d,%d,%d), got %v", tt.bin, tt.bin, tt.bin, h[idx])
				}
			})
		}
	})
}

// gradCheck compares autograd gradients of a scalar loss against central
// differences at a handful of input positions.
func gradCheck(t *testing.T, x []float32, shape []int, loss func(ctx ml.Context, x ml.Tensor) ml.Tensor) {
	t.Helper()

	backend, err := New(ml.BackendParams{Seed: 7, NumThreads: 1, Training: true})
	if err != nil {
		t.Fatal(err)
	}

	ctx := backend.NewContext()
	defer ctx.Close()

	xt := ctx.Parameter(ctx.FromFloats(x, shape...))
	out := loss(ctx, xt)
	ctx.Backward(out)

	grad := xt.(ml.Parameter).Grad()

	eval := func(values []float32) float64 {
		ectx := backend.NewContext()
		defer ectx.Close()
		return float64(loss(ectx, ectx.FromFloats(values, shape...)).Item())
	}

	const h = 1e-2
	step := max(len(x)/7, 1)
	for i := 0; i < len(x); i += step {
		perturbed := append([]float32(nil), x...)

		perturbed[i] = x[i] + h
		up := eval(perturbed)

		perturbed[i] = x[i] - h
		down := eval(perturbed)

		numeric := (up - down) / (2 * h)
		got := float64(grad[i])

		tol := 5e-2*math.Max(math.Abs(numeric), math.Abs(got)) + 2e-3
		if math.Abs(numeric-got) > tol {
			t.Errorf("grad[%d]: autograd %v, numeric %v", i, got, numeric)
		}
	}
}

func TestGradients(t *testing.T) {
	seq := func(n int, scale float32) []float32 {
		s := make([]float32, n)
		for i := range s {
			s[i] = scale * float32(i%7-3)
		}
		return s
	}

	t.Run("mul mean", func(t *testing.T) {
		gradCheck(t, seq(12, 0.3), []int{3, 4}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			return x.Mul(ctx, x).Mean(ctx)
		})
	})

	t.Run("div sum", func(t *testing.T) {
		gradCheck(t, seq(6, 0.2), []int{2, 3}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			denom := x.AddScalar(ctx, 5)
			return x.Div(ctx, denom).Sum(ctx)
		})
	})

	t.Run("matmul mse", func(t *testing.T) {
		gradCheck(t, seq(8, 0.5), []int{2, 4}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			w := ctx.FromFloats([]float32{0.1, 0.2, -0.3, 0.4, 0.5, -0.6, 0.7, 0.8}, 4, 2)
			target := ctx.Zeros(ml.DTypeF32, 2, 2)
			return x.Matmul(ctx, w).MSE(ctx, target)
		})
	})

	t.Run("softmax", func(t *testing.T) {
		gradCheck(t, seq(6, 0.7), []int{2, 3}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			weights := ctx.FromFloats([]float32{1, -2, 3}, 3)
			return x.Softmax(ctx).Mul(ctx, weights).Sum(ctx)
		})
	})

	t.Run("silu", func(t *testing.T) {
		gradCheck(t, seq(8, 0.9), []int{8}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			return x.SILU(ctx).Sum(ctx)
		})
	})

	t.Run("gelu", func(t *testing.T) {
		gradCheck(t, seq(8, 0.9), []int{8}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			return x.GELU(ctx).Sum(ctx)
		})
	})

	t.Run("layernorm", func(t *testing.T) {
		gradCheck(t, seq(12, 0.4), []int{3, 4}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			w := ctx.FromFloats([]float32{1, 2, 0.5, -1}, 4)
			b := ctx.FromFloats([]float32{0.1, -0.1, 0.2, 0}, 4)
			weights := ctx.FromFloats([]float32{1, -1, 2, 0.5}, 4)
			return x.LayerNorm(ctx, w, b, 1e-5).Mul(ctx, weights).Sum(ctx)
		})
	})

	t.Run("groupnorm", func(t *testing.T) {
		gradCheck(t, seq(16, 0.4), []int{1, 4, 2, 2}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			w := ctx.FromFloats([]float32{1, 2, 0.5, -1}, 4)
			b := ctx.FromFloats([]float32{0, 0.1, -0.1, 0.2}, 4)
			weights := ctx.FromFloats([]float32{0.3, -0.7, 1.1, 0.2}, 1, 4, 1, 1)
			return x.GroupNorm(ctx, w, b, 2, 1e-5).Mul(ctx, weights).Sum(ctx)
		})
	})

	t.Run("conv2d", func(t *testing.T) {
		gradCheck(t, seq(18, 0.3), []int{1, 2, 3, 3}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			w := ctx.FromFloats(seq(16, 0.2), 2, 2, 2, 2)
			return x.Conv2D(ctx, w, 1, 1).Sum(ctx)
		})
	})

	t.Run("conv3d", func(t *testing.T) {
		gradCheck(t, seq(16, 0.3), []int{1, 1, 2, 2, 4}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			w := ctx.FromFloats(seq(8, 0.4), 1, 1, 2, 2, 2)
			return x.Conv3D(ctx, w, 2, 0).Sum(ctx)
		})
	})

	t.Run("attention", func(t *testing.T) {
		gradCheck(t, seq(16, 0.4), []int{1, 1, 4, 4}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			k := ctx.FromFloats(seq(16, 0.2), 1, 1, 4, 4)
			v := ctx.FromFloats(seq(16, 0.6), 1, 1, 4, 4)
			return x.ScaledDotProductAttention(ctx, k, v, 0.5).Sum(ctx)
		})
	})

	t.Run("upsample", func(t *testing.T) {
		gradCheck(t, seq(8, 0.5), []int{1, 2, 2, 2}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			weights := ctx.FromFloats(seq(32, 0.1), 1, 2, 4, 4)
			return x.UpsampleNearest2x(ctx).Mul(ctx, weights).Sum(ctx)
		})
	})

	t.Run("slice concat", func(t *testing.T) {
		gradCheck(t, seq(12, 0.5), []int{2, 6}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			left := x.Slice(ctx, 1, 0, 3)
			right := x.Slice(ctx, 1, 3, 6)
			return right.Concat(ctx, left, 1).Mul(ctx, x).Sum(ctx)
		})
	})

	t.Run("histogram", func(t *testing.T) {
		// values sit away from bin boundaries so central differences do
		// not cross a kink of the piecewise linear kernel
		x := []float32{0.3, 0.55, 0.7, 0.4, 0.6, 0.33, 0.45, 0.58, 0.71, 0.36, 0.52, 0.68}
		gradCheck(t, x, []int{1, 3, 2, 2}, func(ctx ml.Context, x ml.Tensor) ml.Tensor {
			target := ctx.Zeros(ml.DTypeF32, 1, 4, 4, 4)
			return x.Histogram3D(ctx, 4).MSE(ctx, target)
		})
	})
}

func TestBackwardAccumulatesParameterGrads(t *testing.T) {
	backend, err := New(ml.BackendParams{Seed: 1, Training: true})
	if err != nil {
		t.Fatal(err)
	}

	ctx := backend.NewContext()
	defer ctx.Close()

	w := ctx.Parameter(ctx.FromFloats([]float32{2}, 1))

	for range 2 {
		loss := w.Mul(ctx, w).Sum(ctx)
		ctx.Backward(loss)
	}

	// dw of w^2 is 2w = 4, accumulated twice
	if got := w.(ml.Parameter).Grad()[0]; got != 8 {
		t.Errorf("expected accumulated grad 8, got %v", got)
	}

	w.(ml.Parameter).ZeroGrad()
	if got := w.(ml.Parameter).Grad()[0]; got != 0 {
		t.Errorf("expected zeroed grad, got %v", got)
	}
}

func TestRegisterBackend(t *testing.T) {
	if _, err := ml.NewBackend("cpu", ml.BackendParams{}); err != nil {
		t.Fatalf("cpu backend not registered: %v", err)
	}

	if _, err := ml.NewBackend("tpu", ml.BackendParams{}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

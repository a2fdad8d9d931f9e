package encoder

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chromagen/chromagen/ml"
	_ "github.com/chromagen/chromagen/ml/backend/cpu"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()

	backend, err := ml.NewBackend("cpu", ml.BackendParams{Seed: 7})
	if err != nil {
		t.Fatal(err)
	}

	ctx := backend.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

// tinyConfig keeps encoder tests fast: a 4^3 cube in 2^3 patches.
func tinyConfig() Config {
	return Config{
		ColorBits:      2,
		EmbeddingDim:   6,
		PatchSize:      2,
		NumLayers:      1,
		NumHeads:       2,
		FeedForwardDim: 8,
		LayerNormEps:   1e-5,
	}
}

func uniformBatch(ctx ml.Context, batch, bins int) ml.Tensor {
	return ctx.Zeros(ml.DTypeF32, batch, bins, bins, bins).AddScalar(ctx, 1/float64(bins*bins*bins))
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
		ok   bool
	}{
		{"default", func(*Config) {}, true},
		{"bits too small", func(c *Config) { c.ColorBits = 0 }, false},
		{"bits too large", func(c *Config) { c.ColorBits = 12 }, false},
		{"patch does not divide", func(c *Config) { c.PatchSize = 3 }, false},
		{"heads do not divide dim", func(c *Config) { c.NumHeads = 4 }, false},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tinyConfig()
			tt.mod(&cfg)

			_, err := New(testContext(t), cfg)
			if tt.ok != (err == nil) {
				t.Errorf("unexpected error state: %v", err)
			}
		})
	}
}

func TestForwardShape(t *testing.T) {
	ctx := testContext(t)

	// the production layout: 64^3 cube in 16^3 patches, 768 wide
	cfg := DefaultConfig()
	cfg.ColorBits = 6
	cfg.PatchSize = 16
	cfg.NumLayers = 1

	e, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	bins := 1 << cfg.ColorBits
	out := e.Forward(ctx, uniformBatch(ctx, 1, bins))

	if diff := cmp.Diff([]int{1, cfg.Tokens(), cfg.EmbeddingDim}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if want := 4*4*4 + 1; cfg.Tokens() != want {
		t.Errorf("expected %d tokens, got %d", want, cfg.Tokens())
	}
}

func TestComputeEmbedding(t *testing.T) {
	ctx := testContext(t)

	cfg := tinyConfig()
	e, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	bins := 1 << cfg.ColorBits
	batch := 2

	// an arbitrary normalized batch: all mass in one bin per sample
	cond := ctx.Zeros(ml.DTypeF32, batch, bins, bins, bins)
	data := cond.Floats()
	data[0] = 1
	data[bins*bins*bins+5] = 1
	cond.SetFloats(data)

	got, err := e.ComputeEmbedding(ctx, cond)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{2 * batch, cfg.Tokens(), cfg.EmbeddingDim}, got.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	t.Run("unconditional first", func(t *testing.T) {
		uncond := e.Forward(ctx, uniformBatch(ctx, batch, bins))
		half := batch * cfg.Tokens() * cfg.EmbeddingDim

		if diff := cmp.Diff(uncond.Floats(), got.Floats()[:half]); diff != "" {
			t.Errorf("first half is not the uniform embedding (-want +got):\n%s", diff)
		}
	})

	t.Run("matches explicit negative", func(t *testing.T) {
		want, err := e.ComputeEmbeddingWithNegative(ctx, cond, uniformBatch(ctx, batch, bins))
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff(want.Floats(), got.Floats()); diff != "" {
			t.Errorf("uniform fallback mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestComputeEmbeddingEmpty(t *testing.T) {
	ctx := testContext(t)

	cfg := tinyConfig()
	e, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	bins := 1 << cfg.ColorBits
	empty := ctx.Zeros(ml.DTypeF32, 0, bins, bins, bins)

	if _, err := e.ComputeEmbedding(ctx, empty); !errors.Is(err, ErrEmptyHistogram) {
		t.Errorf("expected ErrEmptyHistogram, got %v", err)
	}
	if _, err := e.ComputeEmbeddingWithNegative(ctx, empty, empty); !errors.Is(err, ErrEmptyHistogram) {
		t.Errorf("expected ErrEmptyHistogram, got %v", err)
	}
}

package sd1

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chromagen/chromagen/ml"
	_ "github.com/chromagen/chromagen/ml/backend/cpu"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()

	backend, err := ml.NewBackend("cpu", ml.BackendParams{Seed: 3, NumThreads: 2})
	if err != nil {
		t.Fatal(err)
	}

	ctx := backend.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
		ok   bool
	}{
		{"tiny", func(*Config) {}, true},
		{"odd model channels", func(c *Config) { c.ModelChannels = 7 }, false},
		{"no levels", func(c *Config) { c.ChannelMult = nil }, false},
		{"channels not grouped", func(c *Config) { c.GroupNormGroups = 3 }, false},
		{"heads do not divide", func(c *Config) { c.AttnHeads = 3 }, false},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := TinyConfig()
			tt.mod(&cfg)

			_, err := New(testContext(t), cfg)
			if tt.ok != (err == nil) {
				t.Errorf("unexpected error state: %v", err)
			}
		})
	}
}

func TestUNetForward(t *testing.T) {
	ctx := testContext(t)

	u, err := New(ctx, TinyConfig())
	if err != nil {
		t.Fatal(err)
	}

	latents := ctx.Randn(2, 4, 8, 8)
	context := ctx.Randn(2, 5, u.Config.ContextDim)

	out := u.Forward(ctx, latents, []int{10, 500}, context)
	if diff := cmp.Diff([]int{2, 4, 8, 8}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestUNetTimestepMismatch(t *testing.T) {
	ctx := testContext(t)

	u, err := New(ctx, TinyConfig())
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for timestep count mismatch")
		}
	}()

	u.Forward(ctx, ctx.Randn(2, 4, 8, 8), []int{1}, ctx.Randn(2, 5, u.Config.ContextDim))
}

func TestAttentionTraversal(t *testing.T) {
	ctx := testContext(t)

	u, err := New(ctx, TinyConfig())
	if err != nil {
		t.Fatal(err)
	}

	// two down levels with one transformer each, one mid, two up levels
	// with two transformers each
	const want = 2 + 1 + 4

	cross := u.CrossAttentions()
	if len(cross) != want {
		t.Errorf("expected %d cross attention layers, got %d", want, len(cross))
	}

	self := u.SelfAttentions()
	if len(self) != want {
		t.Errorf("expected %d self attention layers, got %d", want, len(self))
	}

	for i, attn := range cross {
		for j, other := range self {
			if attn == other {
				t.Errorf("cross[%d] and self[%d] are the same layer", i, j)
			}
		}
	}
}

func TestSchedulerRoundTrip(t *testing.T) {
	ctx := testContext(t)
	s := DefaultScheduler()

	x0 := ctx.Randn(2, 4, 4, 4)
	noise := ctx.Randn(2, 4, 4, 4)
	timesteps := []int{0, 999}

	xt := s.AddNoise(ctx, x0, noise, timesteps)
	got := s.RemoveNoise(ctx, xt, noise, timesteps)

	want := x0.Floats()
	for i, v := range got.Floats() {
		if math.Abs(float64(v-want[i])) > 1e-4 {
			t.Fatalf("index %d: round trip %v, want %v", i, v, want[i])
		}
	}
}

func TestSchedulerBounds(t *testing.T) {
	ctx := testContext(t)
	s := DefaultScheduler()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for out of range timestep")
		}
	}()

	s.AddNoise(ctx, ctx.Randn(1, 4, 2, 2), ctx.Randn(1, 4, 2, 2), []int{1000})
}

func TestSchedulerTimesteps(t *testing.T) {
	s := DefaultScheduler()

	got := s.Timesteps(10)
	if len(got) != 10 {
		t.Fatalf("expected 10 timesteps, got %d", len(got))
	}
	if got[0] != s.TrainSteps-1 || got[len(got)-1] != 0 {
		t.Errorf("expected descent from %d to 0, got %d to %d", s.TrainSteps-1, got[0], got[len(got)-1])
	}

	for i := 1; i < len(got); i++ {
		if got[i] >= got[i-1] {
			t.Errorf("timesteps not descending at %d: %v", i, got)
		}
	}
}

func TestVAEShapes(t *testing.T) {
	ctx := testContext(t)
	cfg := TinyVAEConfig()

	d, err := NewVAEDecoder(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	e, err := NewVAEEncoder(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Scale() != 8 {
		t.Fatalf("expected scale 8, got %d", cfg.Scale())
	}

	images := ctx.Randn(2, 3, 16, 16)
	latents := e.Encode(ctx, images)
	if diff := cmp.Diff([]int{2, 4, 2, 2}, latents.Shape()); diff != "" {
		t.Fatalf("latent shape mismatch (-want +got):\n%s", diff)
	}

	decoded := d.Decode(ctx, latents)
	if diff := cmp.Diff([]int{2, 3, 16, 16}, decoded.Shape()); diff != "" {
		t.Errorf("image shape mismatch (-want +got):\n%s", diff)
	}
}

func TestResBlockShortcut(t *testing.T) {
	ctx := testContext(t)

	same := NewResBlock(ctx, 8, 8, 32, 4)
	if same.Shortcut != nil {
		t.Error("expected no shortcut for matching channels")
	}

	changed := NewResBlock(ctx, 8, 16, 32, 4)
	if changed.Shortcut == nil {
		t.Error("expected shortcut for channel change")
	}

	x := ctx.Randn(1, 8, 4, 4)
	temb := ctx.Randn(1, 32)
	out := changed.Forward(ctx, x, temb)
	if diff := cmp.Diff([]int{1, 16, 4, 4}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
}

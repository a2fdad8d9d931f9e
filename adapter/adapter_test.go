package adapter_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chromagen/chromagen/adapter"
	"github.com/chromagen/chromagen/ml"
	_ "github.com/chromagen/chromagen/ml/backend/cpu"
	"github.com/chromagen/chromagen/models/sd1"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()

	backend, err := ml.NewBackend("cpu", ml.BackendParams{Seed: 42, NumThreads: 2})
	if err != nil {
		t.Fatal(err)
	}

	ctx := backend.NewContext()
	t.Cleanup(ctx.Close)
	return ctx
}

func testUNet(t *testing.T, ctx ml.Context) *sd1.UNet {
	t.Helper()

	unet, err := sd1.New(ctx, sd1.TinyConfig())
	if err != nil {
		t.Fatal(err)
	}
	return unet
}

func TestInjectEjectRestoresForward(t *testing.T) {
	ctx := testContext(t)
	unet := testUNet(t, ctx)

	latents := ctx.Randn(1, 4, 8, 8)
	textCtx := ctx.Randn(1, 5, 16)
	timesteps := []int{500}

	before := unet.Forward(ctx, latents, timesteps, textCtx).Floats()

	a := adapter.NewSD1Adapter(ctx, unet, adapter.WithEmbeddingDim(16))
	a.Inject()
	a.SetHistogramEmbedding(ctx.Randn(1, 9, 16))

	injected := unet.Forward(ctx, latents, timesteps, textCtx).Floats()
	if cmp.Diff(before, injected) == "" {
		t.Fatal("injected forward should differ from the original")
	}

	a.Eject()

	after := unet.Forward(ctx, latents, timesteps, textCtx).Floats()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("ejected forward differs from the original (-want +got):\n%s", diff)
	}
}

func TestInjectEjectIdempotent(t *testing.T) {
	ctx := testContext(t)
	unet := testUNet(t, ctx)

	latents := ctx.Randn(1, 4, 8, 8)
	textCtx := ctx.Randn(1, 5, 16)

	before := unet.Forward(ctx, latents, []int{10}, textCtx).Floats()

	a := adapter.NewSD1Adapter(ctx, unet, adapter.WithEmbeddingDim(16))
	a.Inject()
	a.Inject()
	a.Eject()
	a.Eject()

	after := unet.Forward(ctx, latents, []int{10}, textCtx).Floats()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("forward differs after repeated inject/eject (-want +got):\n%s", diff)
	}
}

func TestZeroInitIsNoOp(t *testing.T) {
	ctx := testContext(t)
	unet := testUNet(t, ctx)

	latents := ctx.Randn(1, 4, 8, 8)
	textCtx := ctx.Randn(1, 5, 16)
	timesteps := []int{250}

	before := unet.Forward(ctx, latents, timesteps, textCtx).Floats()

	a := adapter.NewSD1Adapter(ctx, unet, adapter.WithEmbeddingDim(16), adapter.WithZeroInit())
	a.Inject()
	a.SetHistogramEmbedding(ctx.Randn(1, 9, 16))

	got := unet.Forward(ctx, latents, timesteps, textCtx).Floats()
	if diff := cmp.Diff(before, got); diff != "" {
		t.Errorf("zero initialized adapter changed the forward (-want +got):\n%s", diff)
	}
}

func TestScaleZeroMatchesOriginal(t *testing.T) {
	ctx := testContext(t)
	unet := testUNet(t, ctx)

	latents := ctx.Randn(1, 4, 8, 8)
	textCtx := ctx.Randn(1, 5, 16)
	timesteps := []int{250}

	before := unet.Forward(ctx, latents, timesteps, textCtx).Floats()

	a := adapter.NewSD1Adapter(ctx, unet, adapter.WithEmbeddingDim(16))
	a.Inject()
	a.SetHistogramEmbedding(ctx.Randn(1, 9, 16))

	a.SetScale(0)
	got := unet.Forward(ctx, latents, timesteps, textCtx).Floats()
	if diff := cmp.Diff(before, got); diff != "" {
		t.Errorf("scale zero changed the forward (-want +got):\n%s", diff)
	}

	a.SetScale(1)
	got = unet.Forward(ctx, latents, timesteps, textCtx).Floats()
	if cmp.Diff(before, got) == "" {
		t.Error("scale one should differ from the original")
	}
}

func TestNamedWeights(t *testing.T) {
	ctx := testContext(t)
	unet := testUNet(t, ctx)

	a := adapter.NewSD1Adapter(ctx, unet, adapter.WithEmbeddingDim(16))

	named := a.NamedWeights()
	if got, want := len(named), 2*len(unet.CrossAttentions()); got != want {
		t.Fatalf("len(NamedWeights()) = %d, want %d", got, want)
	}
	for _, name := range []string{"unet.000", "unet.013"} {
		if _, ok := named[name]; !ok {
			t.Errorf("NamedWeights() is missing %q", name)
		}
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	ctx := testContext(t)
	unet := testUNet(t, ctx)
	path := filepath.Join(t.TempDir(), "adapter.safetensors")

	a := adapter.NewSD1Adapter(ctx, unet, adapter.WithEmbeddingDim(16))
	if err := a.SaveWeights(path); err != nil {
		t.Fatal(err)
	}

	b := adapter.NewSD1Adapter(ctx, unet, adapter.WithEmbeddingDim(16), adapter.WithZeroInit())
	if err := b.LoadWeightsFile(path); err != nil {
		t.Fatal(err)
	}

	aw, bw := a.Weights(), b.Weights()
	for i := range aw {
		if diff := cmp.Diff(aw[i].Floats(), bw[i].Floats()); diff != "" {
			t.Errorf("weight %d differs after round trip (-want +got):\n%s", i, diff)
		}
	}
}

func TestLoadNamedWeightsUnknownName(t *testing.T) {
	ctx := testContext(t)
	unet := testUNet(t, ctx)

	a := adapter.NewSD1Adapter(ctx, unet, adapter.WithEmbeddingDim(16))

	err := a.LoadNamedWeights(map[string]ml.Tensor{
		"unet.003x": ctx.Zeros(ml.DTypeF32, 1),
	})
	if err == nil {
		t.Fatal("expected an error for an unknown weight name")
	}
	if !strings.Contains(err.Error(), `did you mean "unet.003"`) {
		t.Errorf("error %q does not suggest the closest name", err)
	}
}

func TestLoadNamedWeightsMissing(t *testing.T) {
	ctx := testContext(t)
	unet := testUNet(t, ctx)

	a := adapter.NewSD1Adapter(ctx, unet, adapter.WithEmbeddingDim(16))

	err := a.LoadNamedWeights(map[string]ml.Tensor{
		"unet.000": a.NamedWeights()["unet.000"],
	})
	if err == nil {
		t.Fatal("expected an error for missing weights")
	}
	if !strings.Contains(err.Error(), "unet.001") {
		t.Errorf("error %q does not name the missing weights", err)
	}
}

func TestCrossAttentionAdapter(t *testing.T) {
	ctx := testContext(t)
	unet := testUNet(t, ctx)

	target := unet.CrossAttentions()[0]
	a := adapter.NewCrossAttentionAdapter(ctx, target, 16)

	if a.KeyProjection().Bias != nil {
		t.Error("branch bias should follow the target's key projection")
	}

	weights := a.Weights()
	if len(weights) != 2 {
		t.Fatalf("len(Weights()) = %d, want 2", len(weights))
	}
	if weights[0] != a.KeyProjection().Weight || weights[1] != a.ValueProjection().Weight {
		t.Error("Weights() should list the key projection first, then the value projection")
	}

	b := adapter.NewCrossAttentionAdapter(ctx, target, 16)
	b.LoadWeights(weights[0], weights[1])
	if diff := cmp.Diff(weights[0].Floats(), b.KeyProjection().Weight.Floats()); diff != "" {
		t.Errorf("key projection mismatch after LoadWeights (-want +got):\n%s", diff)
	}
}

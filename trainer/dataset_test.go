package trainer_test

import (
	"context"
	"image/color"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chromagen/chromagen/trainer"
)

func TestOpenDatasetEmpty(t *testing.T) {
	_, err := trainer.OpenDataset(t.TempDir(), 8, 1)
	if err == nil || !strings.Contains(err.Error(), "no training images") {
		t.Fatalf("err = %v, want a no training images error", err)
	}
}

func TestDatasetOrderDeterministic(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png"} {
		writePNG(t, filepath.Join(dir, name), color.RGBA{100, 100, 100, 255}, 4)
	}

	ds, err := trainer.OpenDataset(dir, 8, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", ds.Len())
	}

	first := ds.Order(7, 0)
	if diff := cmp.Diff(first, ds.Order(7, 0)); diff != "" {
		t.Errorf("same seed and epoch gave different orders:\n%s", diff)
	}

	sorted := slices.Clone(first)
	slices.Sort(sorted)
	if diff := cmp.Diff([]int{0, 1, 2, 3}, sorted); diff != "" {
		t.Errorf("order is not a permutation:\n%s", diff)
	}
}

func TestDatasetLoad(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), color.RGBA{255, 0, 0, 255}, 6)
	writePNG(t, filepath.Join(dir, "b.png"), color.RGBA{0, 0, 255, 255}, 6)

	const size = 4
	ds, err := trainer.OpenDataset(dir, size, 2)
	if err != nil {
		t.Fatal(err)
	}

	ctx := testContext(t, false)
	batch, err := ds.Load(context.Background(), ctx, []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}

	want := []int{2, 3, size, size}
	if diff := cmp.Diff(want, batch.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	// Paths sort, so index 0 is the red image and index 1 the blue one.
	vals := batch.Floats()
	plane := size * size
	checks := []struct {
		name string
		at   int
		want float64
	}{
		{"red image, red plane", 0, 1},
		{"red image, blue plane", 2 * plane, 0},
		{"blue image, red plane", 3 * plane, 0},
		{"blue image, blue plane", 5 * plane, 1},
	}
	for _, c := range checks {
		if got := float64(vals[c.at]); math.Abs(got-c.want) > 0.02 {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestDatasetLoadEmptyBatch(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), color.RGBA{255, 255, 255, 255}, 4)

	ds, err := trainer.OpenDataset(dir, 4, 1)
	if err != nil {
		t.Fatal(err)
	}

	ctx := testContext(t, false)
	if _, err := ds.Load(context.Background(), ctx, nil); err == nil {
		t.Error("expected an error for an empty batch")
	}
}

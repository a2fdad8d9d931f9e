package imageproc

import (
	"image"
	"image/color"
	"testing"

	"github.com/lucasb-eyer/go-colorful"
)

func splitImage(width, height int, left, right color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < width/2 {
				img.SetRGBA(x, y, left)
			} else {
				img.SetRGBA(x, y, right)
			}
		}
	}
	return img
}

func containsColor(palette []colorful.Color, want colorful.Color, tol float64) bool {
	for _, c := range palette {
		if c.DistanceLab(want) < tol {
			return true
		}
	}
	return false
}

func TestPaletteSolidColor(t *testing.T) {
	img := solidImage(8, 8, color.RGBA{255, 0, 0, 255})

	palette, err := Palette(img, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(palette) != 1 {
		t.Fatalf("got %d colors, want 1", len(palette))
	}

	red := colorful.Color{R: 1}
	if d := palette[0].DistanceLab(red); d > 0.05 {
		t.Errorf("palette color %v is %.3f from red in Lab space", palette[0], d)
	}
}

func TestPaletteTwoColors(t *testing.T) {
	img := splitImage(8, 8, color.RGBA{255, 0, 0, 255}, color.RGBA{0, 0, 255, 255})

	palette, err := Palette(img, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(palette) != 2 {
		t.Fatalf("got %d colors, want 2", len(palette))
	}

	if !containsColor(palette, colorful.Color{R: 1}, 0.1) {
		t.Errorf("palette %v is missing red", palette)
	}
	if !containsColor(palette, colorful.Color{B: 1}, 0.1) {
		t.Errorf("palette %v is missing blue", palette)
	}
}

func TestPaletteRejectsBadSize(t *testing.T) {
	img := solidImage(2, 2, color.RGBA{A: 255})
	for _, k := range []int{0, -3} {
		if _, err := Palette(img, k); err == nil {
			t.Errorf("Palette(img, %d) did not fail", k)
		}
	}
}

func TestPaletteSkipsTransparentPixels(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	if _, err := Palette(img, 1); err == nil {
		t.Error("expected an error for a fully transparent image")
	}
}

func TestDominantPaletteSolid(t *testing.T) {
	img := solidImage(16, 16, color.RGBA{200, 60, 40, 255})

	palette, err := DominantPalette(img, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(palette) != 1 {
		t.Fatalf("got %d colors, want 1", len(palette))
	}

	want := colorful.Color{R: 200.0 / 255.0, G: 60.0 / 255.0, B: 40.0 / 255.0}
	if d := palette[0].DistanceLab(want); d > 0.1 {
		t.Errorf("palette color %v is %.3f from the source color in Lab space", palette[0], d)
	}
}

func TestDominantPaletteDiversity(t *testing.T) {
	img := splitImage(16, 16, color.RGBA{0, 0, 0, 255}, color.RGBA{255, 255, 255, 255})

	palette, err := DominantPalette(img, 2)
	if err != nil {
		t.Fatal(err)
	}

	if !containsColor(palette, colorful.Color{}, 0.15) {
		t.Errorf("palette %v is missing black", palette)
	}
	if !containsColor(palette, colorful.Color{R: 1, G: 1, B: 1}, 0.15) {
		t.Errorf("palette %v is missing white", palette)
	}
}

func TestDominantPaletteRejectsBadSize(t *testing.T) {
	img := solidImage(2, 2, color.RGBA{A: 255})
	if _, err := DominantPalette(img, 0); err == nil {
		t.Error("DominantPalette(img, 0) did not fail")
	}
}

func TestSortPaletteByLuminance(t *testing.T) {
	palette := []colorful.Color{
		{R: 1, G: 1, B: 1},
		{},
		{R: 0.5, G: 0.5, B: 0.5},
	}

	SortPaletteByLuminance(palette)

	want := []colorful.Color{
		{},
		{R: 0.5, G: 0.5, B: 0.5},
		{R: 1, G: 1, B: 1},
	}
	for i := range want {
		if palette[i] != want[i] {
			t.Errorf("palette[%d] = %v, want %v", i, palette[i], want[i])
		}
	}
}

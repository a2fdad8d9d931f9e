package imageproc

import (
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/cenkalti/dominantcolor"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
)

// Large images are subsampled before clustering.
const maxClusterSamples = 12000

type weightedColor struct {
	col    colorful.Color
	lab    [3]float64
	weight float64
}

// Palette extracts k representative colors by running kmeans over the
// opaque pixels in Lab space. Colors are ordered by cluster population,
// most common first.
func Palette(img image.Image, k int) ([]colorful.Color, error) {
	if k <= 0 {
		return nil, fmt.Errorf("palette size must be positive, got %d", k)
	}

	bounds := img.Bounds()
	step := 1
	if n := bounds.Dx() * bounds.Dy(); n > maxClusterSamples {
		step = int(math.Sqrt(float64(n)/float64(maxClusterSamples))) + 1
	}

	dataset := make(clusters.Observations, 0, maxClusterSamples)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			r, g, b, a := img.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			l, la, lb := colorful.Color{
				R: float64(r) / 65535.0,
				G: float64(g) / 65535.0,
				B: float64(b) / 65535.0,
			}.Lab()
			dataset = append(dataset, clusters.Coordinates{l, la, lb})
		}
	}
	if len(dataset) == 0 {
		return nil, fmt.Errorf("image has no opaque pixels")
	}
	if k > len(dataset) {
		k = len(dataset)
	}

	cc, err := kmeans.New().Partition(dataset, k)
	if err != nil {
		return nil, fmt.Errorf("clustering colors: %w", err)
	}

	slices.SortFunc(cc, func(a, b clusters.Cluster) int {
		return len(b.Observations) - len(a.Observations)
	})

	palette := make([]colorful.Color, 0, len(cc))
	for _, c := range cc {
		if len(c.Center) < 3 {
			continue
		}
		palette = append(palette, colorful.Lab(c.Center[0], c.Center[1], c.Center[2]).Clamped())
	}
	if len(palette) == 0 {
		return nil, fmt.Errorf("clustering produced no colors")
	}
	return palette, nil
}

// DominantPalette extracts k colors using dominant color detection,
// then picks a perceptually diverse subset. The strongest color always
// comes first; the rest trade frequency against Lab distance from the
// colors already picked.
func DominantPalette(img image.Image, k int) ([]colorful.Color, error) {
	if k <= 0 {
		return nil, fmt.Errorf("palette size must be positive, got %d", k)
	}

	candidates := dominantcolor.FindWeight(img, max(24, k*8))
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no dominant colors found")
	}

	weighted := make([]weightedColor, 0, len(candidates))
	for _, c := range candidates {
		col, _ := colorful.MakeColor(c.RGBA)
		col = col.Clamped()
		l, la, lb := col.Lab()
		weighted = append(weighted, weightedColor{
			col:    col,
			lab:    [3]float64{l, la, lb},
			weight: math.Max(c.Weight, 1e-6),
		})
	}
	return pickDiverse(weighted, k), nil
}

// pickDiverse greedily selects k colors, seeding with the heaviest
// candidate and then maximizing minimum Lab distance to the selection,
// boosted by candidate weight.
func pickDiverse(cands []weightedColor, k int) []colorful.Color {
	if k > len(cands) {
		k = len(cands)
	}

	maxWeight := 0.0
	for _, c := range cands {
		maxWeight = math.Max(maxWeight, c.weight)
	}

	seed := 0
	for i, c := range cands {
		if c.weight > cands[seed].weight {
			seed = i
		}
	}

	picked := []int{seed}
	taken := make([]bool, len(cands))
	taken[seed] = true

	for len(picked) < k {
		best, bestScore := -1, -1.0
		for i, c := range cands {
			if taken[i] {
				continue
			}
			minD2 := math.MaxFloat64
			for _, p := range picked {
				var d2 float64
				for j := range c.lab {
					d := c.lab[j] - cands[p].lab[j]
					d2 += d * d
				}
				minD2 = math.Min(minD2, d2)
			}
			score := math.Sqrt(minD2) * (0.55 + 0.45*math.Sqrt(c.weight/maxWeight))
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		taken[best] = true
		picked = append(picked, best)
	}

	palette := make([]colorful.Color, len(picked))
	for i, idx := range picked {
		palette[i] = cands[idx].col
	}
	return palette
}

// SortPaletteByLuminance orders colors in place from darkest to
// brightest using linear RGB luminance.
func SortPaletteByLuminance(palette []colorful.Color) {
	luminance := func(c colorful.Color) float64 {
		r, g, b := c.LinearRgb()
		return 0.2126*r + 0.7152*g + 0.0722*b
	}
	slices.SortFunc(palette, func(a, b colorful.Color) int {
		ya, yb := luminance(a), luminance(b)
		if ya < yb {
			return -1
		}
		if ya > yb {
			return 1
		}
		return 0
	})
}

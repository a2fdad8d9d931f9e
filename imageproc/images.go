// Package imageproc converts images to and from the float tensors the
// histogram and training pipelines work on, and extracts color palettes.
package imageproc

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

// RegisterFormats registers the webp decoder so webp files decode
// through the standard image.Decode path. PNG and JPEG are always
// available. Safe to call more than once.
func RegisterFormats() {
	image.RegisterFormat("webp", "RIFF????WEBP", webp.Decode, webp.DecodeConfig)
}

// Decode reads one image in any registered format.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

// DecodeFile reads one image from disk.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Decode(f)
}

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

// Resize scales an image to a new size.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))

	kernels := map[int]draw.Interpolator{
		ResizeBilinear:        draw.BiLinear,
		ResizeNearestNeighbor: draw.NearestNeighbor,
		ResizeApproxBilinear:  draw.ApproxBiLinear,
		ResizeCatmullrom:      draw.CatmullRom,
	}

	kernel, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	return dst
}

// Composite removes the alpha channel by drawing over a white background.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// ToFloats converts an image to channel first float32 values in [0, 1]:
// all red values, then green, then blue. It returns the values and the
// image width and height.
func ToFloats(img image.Image) ([]float32, int, int) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	rVals := make([]float32, 0, width*height)
	gVals := make([]float32, 0, width*height)
	bVals := make([]float32, 0, width*height)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			rVals = append(rVals, float32(r>>8)/255.0)
			gVals = append(gVals, float32(g>>8)/255.0)
			bVals = append(bVals, float32(b>>8)/255.0)
		}
	}

	pixelVals := make([]float32, 0, 3*width*height)
	pixelVals = append(pixelVals, rVals...)
	pixelVals = append(pixelVals, gVals...)
	pixelVals = append(pixelVals, bVals...)
	return pixelVals, width, height
}

// FromFloats converts channel first float32 values back to an image.
// Values outside [0, 1] are clamped.
func FromFloats(data []float32, width, height int) (*image.RGBA, error) {
	if len(data) != 3*width*height {
		return nil, fmt.Errorf("%d values cannot fill a %dx%d image", len(data), width, height)
	}

	clamp := func(v float32) uint8 {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return uint8(v*255 + 0.5)
	}

	plane := width * height
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			img.SetRGBA(x, y, color.RGBA{
				R: clamp(data[i]),
				G: clamp(data[plane+i]),
				B: clamp(data[2*plane+i]),
				A: 255,
			})
		}
	}
	return img, nil
}

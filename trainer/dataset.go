package trainer

import (
	"context"
	"fmt"
	"image"
	"io/fs"
	"math/rand"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/chromagen/chromagen/imageproc"
	"github.com/chromagen/chromagen/logutil"
	"github.com/chromagen/chromagen/ml"
)

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// Dataset is a folder of training images loaded on demand. Each image
// is composited over white, resized square and converted to [0, 1]
// channel first floats.
type Dataset struct {
	paths   []string
	size    int
	workers int
}

// OpenDataset walks dir for images. size is the training edge in
// pixels; workers bounds decode parallelism, zero means one per core.
func OpenDataset(dir string, size, workers int) (*Dataset, error) {
	if size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", size)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no training images found in %s", dir)
	}
	slices.Sort(paths)

	return &Dataset{paths: paths, size: size, workers: workers}, nil
}

func (d *Dataset) Len() int { return len(d.paths) }

// Path returns the file behind one dataset index.
func (d *Dataset) Path(i int) string { return d.paths[i] }

// Order returns the permutation of the dataset for one epoch. The same
// seed and epoch always produce the same order.
func (d *Dataset) Order(seed int64, epoch int) []int {
	r := rand.New(rand.NewSource(seed + int64(epoch)))
	return r.Perm(len(d.paths))
}

// Load decodes and prepares a batch in parallel, returning a
// [batch, 3, size, size] tensor in [0, 1].
func (d *Dataset) Load(ctx context.Context, mlctx ml.Context, indices []int) (ml.Tensor, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("batch is empty")
	}

	plane := 3 * d.size * d.size
	data := make([]float32, len(indices)*plane)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, idx := range indices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			img, err := imageproc.DecodeFile(d.paths[idx])
			if err != nil {
				return fmt.Errorf("%s: %w", d.paths[idx], err)
			}
			logutil.Trace("decoded image", "path", d.paths[idx], "bounds", img.Bounds())

			img = imageproc.Composite(img)
			img = imageproc.Resize(img, image.Pt(d.size, d.size), imageproc.ResizeBilinear)

			vals, _, _ := imageproc.ToFloats(img)
			copy(data[i*plane:(i+1)*plane], vals)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mlctx.FromFloats(data, len(indices), 3, d.size, d.size), nil
}

package convert

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

func parseTorch(fsys fs.FS, replacer *strings.Replacer, ps ...string) ([]sourceTensor, map[string]string, error) {
	var ts []sourceTensor
	for _, p := range ps {
		// gopickle reads archives from a path, so stage the file on disk
		staged, err := stageFile(fsys, p)
		if err != nil {
			return nil, nil, err
		}
		defer os.Remove(staged)

		pt, err := pytorch.Load(staged)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: unpickling: %w", p, err)
		}

		dict, ok := pt.(*types.Dict)
		if !ok {
			return nil, nil, fmt.Errorf("%s: expected a pickled dict, got %T", p, pt)
		}

		ts, err = flattenDict(dict, "", replacer, ts)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return ts, nil, nil
}

func stageFile(fsys fs.FS, p string) (string, error) {
	src, err := fsys.Open(p)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp("", "chromagen-convert-*"+filepath.Ext(p))
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

// flattenDict walks a pickled checkpoint dict, descending into nested
// dicts with a dotted prefix. Non-tensor leaves, step counters and the
// like, are skipped.
func flattenDict(dict *types.Dict, prefix string, replacer *strings.Replacer, ts []sourceTensor) ([]sourceTensor, error) {
	for _, k := range dict.Keys() {
		key, ok := k.(string)
		if !ok {
			continue
		}

		switch v := dict.MustGet(k).(type) {
		case *pytorch.Tensor:
			t, err := torchTensor(replacer.Replace(prefix+key), v)
			if err != nil {
				return nil, err
			}
			ts = append(ts, t)
		case *types.Dict:
			var err error
			ts, err = flattenDict(v, prefix+key+".", replacer, ts)
			if err != nil {
				return nil, err
			}
		}
	}

	return ts, nil
}

func torchTensor(name string, t *pytorch.Tensor) (sourceTensor, error) {
	var storage []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		storage = s.Data
	case *pytorch.HalfStorage:
		storage = s.Data
	case *pytorch.BFloat16Storage:
		storage = s.Data
	default:
		return sourceTensor{}, fmt.Errorf("tensor %q has unsupported storage %T", name, s)
	}

	if t.StorageOffset > len(storage) {
		return sourceTensor{}, fmt.Errorf("tensor %q offset %d overruns its storage", name, t.StorageOffset)
	}

	data, err := contiguous(name, t.Size, t.Stride, storage[t.StorageOffset:])
	if err != nil {
		return sourceTensor{}, err
	}

	return sourceTensor{
		name:  name,
		shape: slices.Clone(t.Size),
		data:  data,
	}, nil
}

// contiguous returns the row major data of a tensor view. Torch saves
// views as their backing storage plus strides, so a tensor stored
// through a transpose arrives with its axes permuted in memory. Only
// dense views are supported: the strides must order the axes as some
// permutation with no gaps or overlap.
func contiguous(name string, size, stride []int, storage []float32) ([]float32, error) {
	if len(stride) != len(size) {
		return nil, fmt.Errorf("tensor %q has %d strides for %d axes", name, len(stride), len(size))
	}

	elements := 1
	for _, d := range size {
		elements *= d
	}
	if len(storage) < elements {
		return nil, fmt.Errorf("tensor %q needs %d values but its storage holds %d", name, elements, len(storage))
	}

	// singleton axes carry arbitrary strides and never affect the
	// memory order
	var axes []int
	for i, d := range size {
		if d > 1 {
			axes = append(axes, i)
		}
	}

	order := slices.Clone(axes)
	slices.SortStableFunc(order, func(a, b int) int { return stride[b] - stride[a] })

	memShape := make([]int, len(order))
	for i, axis := range order {
		memShape[i] = size[axis]
	}

	rowMajor := true
	acc := 1
	for i := len(order) - 1; i >= 0; i-- {
		if stride[order[i]] != acc {
			return nil, fmt.Errorf("tensor %q with shape %v and strides %v is not a dense view", name, size, stride)
		}
		if order[i] != axes[i] {
			rowMajor = false
		}
		acc *= memShape[i]
	}
	if rowMajor {
		return storage[:elements], nil
	}

	inverse := make([]int, len(order))
	for i, axis := range order {
		inverse[slices.Index(axes, axis)] = i
	}

	n := tensor.New(tensor.WithShape(memShape...), tensor.WithBacking(storage[:elements]))
	if err := n.T(inverse...); err != nil {
		return nil, err
	}
	if err := n.Transpose(); err != nil {
		return nil, err
	}

	rows, err := native.SelectF32(n, 0)
	if err != nil {
		return nil, err
	}

	f32s := make([]float32, 0, elements)
	for _, row := range rows {
		f32s = append(f32s, row...)
	}
	return f32s, nil
}

// Package safetensors reads and writes tensor archives in the
// safetensors format: a little-endian uint64 header size, a JSON header
// mapping tensor names to dtype, shape and data offsets, then the raw
// tensor data back to back.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type tensorMetadata struct {
	Dtype   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Tensor is one entry of an archive. The data stays on disk until
// Floats is called.
type Tensor struct {
	Name  string
	Dtype string

	shape  []int
	path   string
	offset int64
	size   int64
}

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Elements returns the number of values in the tensor.
func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// Size returns the on-disk size in bytes.
func (t *Tensor) Size() int64 { return t.size }

// Floats reads the tensor data and decodes it to float32. F32, F16 and
// BF16 storage is supported.
func (t *Tensor) Floats() ([]float32, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}
	r := io.LimitReader(f, t.size)

	var f32s []float32
	switch t.Dtype {
	case "F32":
		f32s = make([]float32, t.size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, t.size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		u8s := make([]uint8, t.size)
		if err := binary.Read(r, binary.LittleEndian, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("tensor %q has unsupported dtype %s", t.Name, t.Dtype)
	}

	if len(f32s) != t.Elements() {
		return nil, fmt.Errorf("tensor %q holds %d values but its shape %v needs %d", t.Name, len(f32s), t.shape, t.Elements())
	}
	return f32s, nil
}

// ModelWeights indexes the tensors of one or more archive files. Only
// the headers are read at construction; tensor data is read on demand.
type ModelWeights struct {
	tensors  map[string]*Tensor
	metadata map[string]string
}

// ReadFile indexes a single archive file.
func ReadFile(path string) (*ModelWeights, error) {
	w := &ModelWeights{
		tensors:  make(map[string]*Tensor),
		metadata: make(map[string]string),
	}
	if err := w.addFile(path); err != nil {
		return nil, err
	}
	return w, nil
}

// ReadDir indexes every *.safetensors file in dir.
func ReadDir(dir string) (*ModelWeights, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	w := &ModelWeights{
		tensors:  make(map[string]*Tensor),
		metadata: make(map[string]string),
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".safetensors") {
			if err := w.addFile(filepath.Join(dir, entry.Name())); err != nil {
				return nil, err
			}
		}
	}

	if len(w.tensors) == 0 {
		return nil, fmt.Errorf("no safetensors files found in %s", dir)
	}
	return w, nil
}

func (w *ModelWeights) addFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		return fmt.Errorf("%s: reading header size: %w", path, err)
	}

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("%s: reading header: %w", path, err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(buf, &header); err != nil {
		return fmt.Errorf("%s: parsing header: %w", path, err)
	}

	dataStart := int64(8 + headerSize)
	for name, raw := range header {
		if name == "__metadata__" {
			var meta map[string]string
			if err := json.Unmarshal(raw, &meta); err != nil {
				return fmt.Errorf("%s: parsing metadata: %w", path, err)
			}
			for k, v := range meta {
				w.metadata[k] = v
			}
			continue
		}

		var v tensorMetadata
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: parsing entry %q: %w", path, name, err)
		}

		begin := dataStart + v.Offsets[0]
		end := dataStart + v.Offsets[1]
		if v.Offsets[0] < 0 || end < begin || end > info.Size() {
			return fmt.Errorf("%s: tensor %q offsets %v fall outside the file", path, name, v.Offsets)
		}
		if _, ok := w.tensors[name]; ok {
			return fmt.Errorf("duplicate tensor name %q", name)
		}

		w.tensors[name] = &Tensor{
			Name:   name,
			Dtype:  v.Dtype,
			shape:  v.Shape,
			path:   path,
			offset: begin,
			size:   end - begin,
		}
	}
	return nil
}

// Get returns the named tensor. Unknown names are reported together
// with the closest name in the archive.
func (w *ModelWeights) Get(name string) (*Tensor, error) {
	t, ok := w.tensors[name]
	if !ok {
		if closest := w.closest(name); closest != "" {
			return nil, fmt.Errorf("tensor %q not found (did you mean %q?)", name, closest)
		}
		return nil, fmt.Errorf("tensor %q not found", name)
	}
	return t, nil
}

func (w *ModelWeights) closest(name string) string {
	var best string
	score := math.MaxInt
	for candidate := range w.tensors {
		if s := levenshtein.ComputeDistance(name, candidate); s < score {
			score = s
			best = candidate
		}
	}

	if score > len(name)/2 {
		return ""
	}
	return best
}

// Has reports whether the archive holds the named tensor.
func (w *ModelWeights) Has(name string) bool {
	_, ok := w.tensors[name]
	return ok
}

func (w *ModelWeights) hasPrefix(prefix string) bool {
	for name := range w.tensors {
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			return true
		}
	}
	return false
}

// ListTensors returns all tensor names in sorted order.
func (w *ModelWeights) ListTensors() []string {
	names := make([]string, 0, len(w.tensors))
	for name := range w.tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Metadata returns the merged __metadata__ entries of the indexed files.
func (w *ModelWeights) Metadata() map[string]string {
	meta := make(map[string]string, len(w.metadata))
	for k, v := range w.metadata {
		meta[k] = v
	}
	return meta
}

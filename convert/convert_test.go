package convert

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chromagen/chromagen/adapter"
	"github.com/chromagen/chromagen/safetensors"
)

func writeArchive(t *testing.T, path string, tensors []safetensors.TensorData, metadata map[string]string) {
	t.Helper()
	if err := safetensors.WriteFile(path, tensors, metadata); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
}

func rangeFloats(n int) []float32 {
	f32s := make([]float32, n)
	for i := range f32s {
		f32s[i] = float32(i)
	}
	return f32s
}

func TestAdapterRenames(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "step100.safetensors"), []safetensors.TensorData{
		{Name: "unet.000", Shape: []int{2, 3}, Data: rangeFloats(6)},
		{Name: "histogram_auto_encoder.pre_norm.weight", Shape: []int{4}, Data: rangeFloats(4)},
		{Name: "histogram_auto_encoder.layers.0.self_attn.q_proj.weight", Shape: []int{2, 2}, Data: rangeFloats(4)},
	}, nil)

	out := filepath.Join(dir, "out", "adapter.safetensors")
	if err := Adapter(os.DirFS(dir), out); err != nil {
		t.Fatalf("Adapter: %v", err)
	}

	archive, err := safetensors.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}

	want := []string{
		"encoder.layers.0.attn.q.weight",
		"encoder.pre_norm.weight",
		"unet.000",
	}
	if diff := cmp.Diff(want, archive.ListTensors()); diff != "" {
		t.Errorf("tensor names mismatch (-want +got):\n%s", diff)
	}

	meta := archive.Metadata()
	if meta["format"] != adapter.WeightsFormat {
		t.Errorf("format = %q, want %q", meta["format"], adapter.WeightsFormat)
	}
	if meta["version"] != adapter.WeightsVersion {
		t.Errorf("version = %q, want %q", meta["version"], adapter.WeightsVersion)
	}

	tensor, err := archive.Get("unet.000")
	if err != nil {
		t.Fatal(err)
	}
	f32s, err := tensor.Floats()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(rangeFloats(6), f32s); diff != "" {
		t.Errorf("tensor data mismatch (-want +got):\n%s", diff)
	}
}

func TestAdapterDecodesHalfPrecision(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "adapter.safetensors"), []safetensors.TensorData{
		{Name: "unet.000", Shape: []int{4}, Data: []float32{0.5, -1.5, 2, 0}, Dtype: "F16"},
	}, nil)

	out := filepath.Join(dir, "out.safetensors")
	if err := Adapter(os.DirFS(dir), out); err != nil {
		t.Fatalf("Adapter: %v", err)
	}

	archive, err := safetensors.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	tensor, err := archive.Get("unet.000")
	if err != nil {
		t.Fatal(err)
	}
	if tensor.Dtype != "F32" {
		t.Errorf("output dtype = %s, want F32", tensor.Dtype)
	}

	f32s, err := tensor.Floats()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0.5, -1.5, 2, 0}, f32s); diff != "" {
		t.Errorf("tensor data mismatch (-want +got):\n%s", diff)
	}
}

func TestAdapterSplitsFusedProjections(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "encoder.safetensors"), []safetensors.TensorData{
		{Name: "encoder.layers.0.attn.in_proj_weight", Shape: []int{6, 2}, Data: rangeFloats(12)},
		{Name: "encoder.layers.0.attn.in_proj_bias", Shape: []int{6}, Data: rangeFloats(6)},
	}, nil)

	out := filepath.Join(dir, "out.safetensors")
	if err := Adapter(os.DirFS(dir), out); err != nil {
		t.Fatalf("Adapter: %v", err)
	}

	archive, err := safetensors.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"encoder.layers.0.attn.k.bias",
		"encoder.layers.0.attn.k.weight",
		"encoder.layers.0.attn.q.bias",
		"encoder.layers.0.attn.q.weight",
		"encoder.layers.0.attn.v.bias",
		"encoder.layers.0.attn.v.weight",
	}
	if diff := cmp.Diff(want, archive.ListTensors()); diff != "" {
		t.Fatalf("tensor names mismatch (-want +got):\n%s", diff)
	}

	cases := []struct {
		name  string
		shape []int
		data  []float32
	}{
		{"encoder.layers.0.attn.q.weight", []int{2, 2}, []float32{0, 1, 2, 3}},
		{"encoder.layers.0.attn.k.weight", []int{2, 2}, []float32{4, 5, 6, 7}},
		{"encoder.layers.0.attn.v.weight", []int{2, 2}, []float32{8, 9, 10, 11}},
		{"encoder.layers.0.attn.q.bias", []int{2}, []float32{0, 1}},
		{"encoder.layers.0.attn.k.bias", []int{2}, []float32{2, 3}},
		{"encoder.layers.0.attn.v.bias", []int{2}, []float32{4, 5}},
	}
	for _, tt := range cases {
		tensor, err := archive.Get(tt.name)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.shape, tensor.Shape()); diff != "" {
			t.Errorf("%s shape mismatch (-want +got):\n%s", tt.name, diff)
		}
		f32s, err := tensor.Floats()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.data, f32s); diff != "" {
			t.Errorf("%s data mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestAdapterVersionGate(t *testing.T) {
	cases := []struct {
		name     string
		metadata map[string]string
		want     string
	}{
		{"incompatible major", map[string]string{"version": "v2.0.0"}, "not compatible"},
		{"invalid version", map[string]string{"version": "latest"}, "not a valid semver"},
		{"foreign format", map[string]string{"format": "gguf"}, "not supported"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeArchive(t, filepath.Join(dir, "adapter.safetensors"), []safetensors.TensorData{
				{Name: "unet.000", Shape: []int{2}, Data: rangeFloats(2)},
			}, tt.metadata)

			err := Adapter(os.DirFS(dir), filepath.Join(dir, "out.safetensors"))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Adapter error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestAdapterAcceptsMissingVersion(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "step5.safetensors"), []safetensors.TensorData{
		{Name: "unet.000", Shape: []int{2}, Data: rangeFloats(2)},
	}, map[string]string{"author": "trainer"})

	if err := Adapter(os.DirFS(dir), filepath.Join(dir, "out.safetensors")); err != nil {
		t.Fatalf("Adapter: %v", err)
	}
}

func TestAdapterDuplicateAfterRename(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "a.safetensors"), []safetensors.TensorData{
		{Name: "histogram_auto_encoder.pre_norm.weight", Shape: []int{2}, Data: rangeFloats(2)},
	}, nil)
	writeArchive(t, filepath.Join(dir, "b.safetensors"), []safetensors.TensorData{
		{Name: "encoder.pre_norm.weight", Shape: []int{2}, Data: rangeFloats(2)},
	}, nil)

	err := Adapter(os.DirFS(dir), filepath.Join(dir, "out.safetensors"))
	if err == nil || !strings.Contains(err.Error(), "duplicate tensor name") {
		t.Fatalf("Adapter error = %v, want duplicate tensor name", err)
	}
}

func TestAdapterUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	err := Adapter(os.DirFS(dir), filepath.Join(dir, "out.safetensors"))
	if err == nil || !strings.Contains(err.Error(), "unknown checkpoint format") {
		t.Fatalf("Adapter error = %v, want unknown checkpoint format", err)
	}
}

func TestContiguousIdentity(t *testing.T) {
	data := rangeFloats(8)
	got, err := contiguous("t", []int{2, 3}, []int{3, 1}, data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(rangeFloats(6), got); diff != "" {
		t.Errorf("contiguous mismatch (-want +got):\n%s", diff)
	}
}

func TestContiguousTransposedView(t *testing.T) {
	// a [2, 3] matrix saved through a transpose: storage holds the
	// column major order
	storage := []float32{1, 4, 2, 5, 3, 6}
	got, err := contiguous("t", []int{2, 3}, []int{1, 2}, storage)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, got); diff != "" {
		t.Errorf("contiguous mismatch (-want +got):\n%s", diff)
	}
}

func TestContiguousPermutedView(t *testing.T) {
	// a [2, 3, 4] block saved through transpose(1, 2): logical shape
	// [2, 4, 3] with strides [12, 1, 4]
	storage := rangeFloats(24)
	got, err := contiguous("t", []int{2, 4, 3}, []int{12, 1, 4}, storage)
	if err != nil {
		t.Fatal(err)
	}

	want := make([]float32, 0, 24)
	for i := range 2 {
		for j := range 4 {
			for k := range 3 {
				want = append(want, float32(i*12+k*4+j))
			}
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("contiguous mismatch (-want +got):\n%s", diff)
	}
}

func TestContiguousSingletonAxes(t *testing.T) {
	got, err := contiguous("t", []int{1, 3}, []int{99, 1}, rangeFloats(3))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(rangeFloats(3), got); diff != "" {
		t.Errorf("contiguous mismatch (-want +got):\n%s", diff)
	}
}

func TestContiguousRejectsGappedView(t *testing.T) {
	if _, err := contiguous("t", []int{2, 3}, []int{4, 1}, rangeFloats(8)); err == nil || !strings.Contains(err.Error(), "dense view") {
		t.Fatalf("contiguous error = %v, want dense view", err)
	}
}

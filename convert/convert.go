// Package convert imports palette adapter checkpoints written by other
// trainers into the native safetensors layout. Sources may be
// safetensors archives or pickled torch checkpoints; tensor names are
// canonicalized, fused attention projections are split, and the result
// is a single archive the adapter and encoder load directly.
package convert

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/emirpasic/gods/v2/maps/treemap"
	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"golang.org/x/mod/semver"

	"github.com/chromagen/chromagen/adapter"
	"github.com/chromagen/chromagen/safetensors"
)

// Replacements returns the tensor name rewrite pairs, source name first.
// The first pair strips the model registry prefix the original trainer
// configs use; the rest map torch module conventions onto ours.
func Replacements() []string {
	return []string{
		"histogram_auto_encoder.", "encoder.",
		"self_attn.", "attn.",
		"out_proj.", "out.",
		"q_proj.", "q.",
		"k_proj.", "k.",
		"v_proj.", "v.",
		"mlp.up_proj.", "ffn.up.",
		"mlp.down_proj.", "ffn.down.",
		"input_layernorm.", "attn_norm.",
		"post_attention_layernorm.", "ffn_norm.",
	}
}

// Adapter converts the checkpoint files in fsys into a single archive at
// outPath. Safetensors sources are preferred when both formats are
// present. Source metadata carrying a version is checked against the
// adapter weights version before any tensor is written.
func Adapter(fsys fs.FS, outPath string) error {
	ts, metadata, err := parseTensors(fsys, strings.NewReplacer(Replacements()...))
	if err != nil {
		return err
	}

	if err := checkCompatibility(metadata); err != nil {
		return err
	}

	ts, err = splitFusedProjections(ts)
	if err != nil {
		return err
	}
	if len(ts) == 0 {
		return errors.New("no tensors found in checkpoint")
	}

	named := treemap.New[string, sourceTensor]()
	for _, t := range ts {
		if _, ok := named.Get(t.name); ok {
			return fmt.Errorf("duplicate tensor name %q after renaming", t.name)
		}
		named.Put(t.name, t)
	}

	tensors := make([]safetensors.TensorData, 0, named.Size())
	for _, name := range named.Keys() {
		t, _ := named.Get(name)
		tensors = append(tensors, safetensors.TensorData{
			Name:  name,
			Shape: t.shape,
			Data:  t.data,
		})
	}

	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return safetensors.WriteFile(outPath, tensors, map[string]string{
		"format":  adapter.WeightsFormat,
		"version": adapter.WeightsVersion,
	})
}

// checkCompatibility gates conversion on the source metadata. Archives
// written by the original trainer carry no metadata and are accepted;
// a version, when present, must share the adapter weights major.
func checkCompatibility(metadata map[string]string) error {
	if format, ok := metadata["format"]; ok && format != adapter.WeightsFormat {
		return fmt.Errorf("checkpoint format %q is not supported", format)
	}

	version, ok := metadata["version"]
	if !ok {
		return nil
	}

	// golang.org/x/mod/semver requires "v" prefix
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if !semver.IsValid(version) {
		return fmt.Errorf("checkpoint version %q is not a valid semver", metadata["version"])
	}
	if semver.Major(version) != semver.Major(adapter.WeightsVersion) {
		return fmt.Errorf("checkpoint version %s is not compatible with %s", version, adapter.WeightsVersion)
	}
	return nil
}

// splitFusedProjections replaces torch style fused attention projections
// with the separate query, key and value tensors the encoder loads. A
// tensor named "...in_proj_weight" of shape [3D, ...] becomes three
// "...q.weight", "...k.weight", "...v.weight" tensors of shape [D, ...];
// fused biases split the same way.
func splitFusedProjections(ts []sourceTensor) ([]sourceTensor, error) {
	out := make([]sourceTensor, 0, len(ts))
	for _, t := range ts {
		var field string
		switch {
		case strings.HasSuffix(t.name, "in_proj_weight"):
			field = "weight"
		case strings.HasSuffix(t.name, "in_proj_bias"):
			field = "bias"
		default:
			out = append(out, t)
			continue
		}

		prefix := strings.TrimSuffix(t.name, "in_proj_"+field)
		parts, err := splitLeading(t.name, t.data, t.shape, 3)
		if err != nil {
			return nil, err
		}

		for i, sub := range []string{"q", "k", "v"} {
			shape := slices.Clone(t.shape)
			shape[0] /= 3
			out = append(out, sourceTensor{
				name:  prefix + sub + "." + field,
				shape: shape,
				data:  parts[i],
			})
		}
	}
	return out, nil
}

// splitLeading slices data into parts along the leading axis.
func splitLeading(name string, data []float32, shape []int, parts int) ([][]float32, error) {
	if len(shape) == 0 || shape[0]%parts != 0 {
		return nil, fmt.Errorf("tensor %q shape %v does not split into %d projections", name, shape, parts)
	}

	n := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
	if err := n.Reshape(parts, len(data)/parts); err != nil {
		return nil, err
	}
	return native.SelectF32(n, 0)
}

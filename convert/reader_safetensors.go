package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

func parseSafetensors(fsys fs.FS, replacer *strings.Replacer, ps ...string) ([]sourceTensor, map[string]string, error) {
	var ts []sourceTensor
	metadata := make(map[string]string)
	for _, p := range ps {
		f, err := fsys.Open(p)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()

		var n int64
		if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
			return nil, nil, fmt.Errorf("%s: reading header size: %w", p, err)
		}

		b := bytes.NewBuffer(make([]byte, 0, n))
		if _, err := io.CopyN(b, f, n); err != nil {
			return nil, nil, fmt.Errorf("%s: reading header: %w", p, err)
		}

		var headers map[string]json.RawMessage
		if err := json.Unmarshal(b.Bytes(), &headers); err != nil {
			return nil, nil, fmt.Errorf("%s: parsing header: %w", p, err)
		}

		// the rest of the file is the tensor data, offsets are relative
		// to its start
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: reading tensor data: %w", p, err)
		}

		for _, key := range slices.Sorted(maps.Keys(headers)) {
			if key == "__metadata__" {
				var meta map[string]string
				if err := json.Unmarshal(headers[key], &meta); err != nil {
					return nil, nil, fmt.Errorf("%s: parsing metadata: %w", p, err)
				}
				for k, v := range meta {
					metadata[k] = v
				}
				continue
			}

			var value safetensorMetadata
			if err := json.Unmarshal(headers[key], &value); err != nil {
				return nil, nil, fmt.Errorf("%s: parsing entry %q: %w", p, key, err)
			}

			begin, end := value.Offsets[0], value.Offsets[1]
			if begin < 0 || end < begin || end > int64(len(data)) {
				return nil, nil, fmt.Errorf("%s: tensor %q offsets %v fall outside the file", p, key, value.Offsets)
			}

			f32s, err := decodeTensor(key, value.Type, data[begin:end])
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", p, err)
			}

			elements := 1
			for _, d := range value.Shape {
				elements *= d
			}
			if len(f32s) != elements {
				return nil, nil, fmt.Errorf("%s: tensor %q holds %d values but its shape %v needs %d", p, key, len(f32s), value.Shape, elements)
			}

			ts = append(ts, sourceTensor{
				name:  replacer.Replace(key),
				shape: value.Shape,
				data:  f32s,
			})
		}
	}

	return ts, metadata, nil
}

func decodeTensor(name, dtype string, raw []byte) ([]float32, error) {
	var f32s []float32
	switch dtype {
	case "F32":
		f32s = make([]float32, len(raw)/4)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case "F16":
		u16s := make([]uint16, len(raw)/2)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case "BF16":
		f32s = bfloat16.DecodeFloat32(raw)
	default:
		return nil, fmt.Errorf("tensor %q has unsupported dtype %s", name, dtype)
	}

	return f32s, nil
}

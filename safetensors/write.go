package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/x448/float16"
)

// TensorData is an in-memory tensor staged for writing.
type TensorData struct {
	Name  string
	Shape []int
	Data  []float32

	// Dtype selects the storage type: F32 (the default) or F16.
	Dtype string
}

// WriteFile writes tensors to path as a single archive. Tensors keep
// their given order: the JSON header is emitted in insertion order and
// data offsets advance in the same order.
func WriteFile(path string, tensors []TensorData, metadata map[string]string) error {
	header := orderedmap.New[string, any]()
	if len(metadata) > 0 {
		header.Set("__metadata__", metadata)
	}

	var offset int64
	widths := make([]int64, len(tensors))
	for i, t := range tensors {
		n := 1
		for _, d := range t.Shape {
			n *= d
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %q holds %d values but its shape %v needs %d", t.Name, len(t.Data), t.Shape, n)
		}
		if _, ok := header.Get(t.Name); ok {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}

		dtype := t.Dtype
		if dtype == "" {
			dtype = "F32"
		}
		switch dtype {
		case "F32":
			widths[i] = 4
		case "F16":
			widths[i] = 2
		default:
			return fmt.Errorf("tensor %q has unsupported dtype %s", t.Name, dtype)
		}

		size := int64(len(t.Data)) * widths[i]
		header.Set(t.Name, tensorMetadata{
			Dtype:   dtype,
			Shape:   t.Shape,
			Offsets: [2]int64{offset, offset + size},
		})
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return err
	}
	if _, err := f.Write(headerJSON); err != nil {
		return err
	}

	for i, t := range tensors {
		switch widths[i] {
		case 4:
			err = binary.Write(f, binary.LittleEndian, t.Data)
		case 2:
			u16s := make([]uint16, len(t.Data))
			for j := range t.Data {
				u16s[j] = float16.Fromfloat32(t.Data[j]).Bits()
			}
			err = binary.Write(f, binary.LittleEndian, u16s)
		}
		if err != nil {
			return fmt.Errorf("writing tensor %q: %w", t.Name, err)
		}
	}

	return f.Close()
}

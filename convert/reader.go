package convert

import (
	"errors"
	"io/fs"
	"strings"
)

// sourceTensor is one checkpoint entry decoded to float32 with its name
// already canonicalized.
type sourceTensor struct {
	name  string
	shape []int
	data  []float32
}

// parseTensors reads every checkpoint file in fsys matching a known
// format. Patterns are tried in order and the first with matches wins,
// so a directory holding both formats converts the safetensors files.
func parseTensors(fsys fs.FS, replacer *strings.Replacer) ([]sourceTensor, map[string]string, error) {
	patterns := []struct {
		glob  string
		parse func(fs.FS, *strings.Replacer, ...string) ([]sourceTensor, map[string]string, error)
	}{
		{"*.safetensors", parseSafetensors},
		{"*.bin", parseTorch},
		{"*.pth", parseTorch},
	}

	for _, pattern := range patterns {
		matches, err := fs.Glob(fsys, pattern.glob)
		if err != nil {
			return nil, nil, err
		}

		if len(matches) > 0 {
			return pattern.parse(fsys, replacer, matches...)
		}
	}

	return nil, nil, errors.New("unknown checkpoint format")
}

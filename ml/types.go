package ml

// DType is the element type of a tensor.
type DType int

const (
	DTypeF32 DType = iota
	DTypeI32
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}

// Numel returns the number of elements implied by shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

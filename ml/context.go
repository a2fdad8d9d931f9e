package ml

// Context creates tensors and carries the operation record used for
// gradient computation. Contexts are not safe for concurrent use; run
// each forward or training step on a single goroutine.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor

	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	// Randn draws from a standard normal distribution using the backend seed.
	Randn(shape ...int) Tensor

	// Arange returns values [start, stop) in increments of step.
	Arange(start, stop, step float32, dtype DType) Tensor

	// Parameter marks t as trainable and returns it. Gradients accumulate
	// on the tensor across steps until Parameter.ZeroGrad.
	Parameter(t Tensor) Tensor

	// Backward computes gradients of a single-element loss with respect to
	// every parameter that contributed to it, then discards the operation
	// record. It is a no-op unless the backend was built for training.
	Backward(loss Tensor)

	// Training reports whether operations are being recorded.
	Training() bool

	Close()
}

package ml

// Tensor is a dense n-dimensional array in row-major order. Shapes follow
// the batch-first convention, e.g. images are [batch, channel, height, width].
//
// Operations take the Context they execute on as their first argument.
// Shape mismatches are programmer errors and panic.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	// Floats returns a copy of the tensor contents as float32.
	Floats() []float32

	// Item returns the value of a single-element tensor.
	Item() float32

	// SetFloats overwrites the tensor contents in place. The length must
	// match the tensor size. This is a raw write used by weight loading
	// and never participates in gradient computation.
	SetFloats(s []float32)

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor

	AddScalar(ctx Context, s float64) Tensor
	Scale(ctx Context, s float64) Tensor

	// Matmul multiplies the last two dimensions, broadcasting any leading
	// batch dimensions.
	Matmul(ctx Context, t2 Tensor) Tensor

	// Softmax normalizes the last dimension.
	Softmax(ctx Context) Tensor

	// ScaledDotProductAttention computes softmax(q k^T * scale) v over
	// [batch, heads, seq, headDim] inputs. The receiver is the query.
	ScaledDotProductAttention(ctx Context, key, value Tensor, scale float64) Tensor

	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	GroupNorm(ctx Context, weight, bias Tensor, groups int, eps float32) Tensor

	// Conv2D convolves [batch, inCh, h, w] with weight [outCh, inCh, kh, kw].
	Conv2D(ctx Context, weight Tensor, stride, padding int) Tensor

	// Conv3D convolves [batch, inCh, d, h, w] with weight [outCh, inCh, kd, kh, kw].
	Conv3D(ctx Context, weight Tensor, stride, padding int) Tensor

	UpsampleNearest2x(ctx Context) Tensor

	SILU(ctx Context) Tensor
	GELU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Slice returns elements [start, end) along dim.
	Slice(ctx Context, dim, start, end int) Tensor

	// Repeat tiles the tensor n times along dim.
	Repeat(ctx Context, dim, n int) Tensor

	// Rows gathers rows of a [rows, dim] matrix by integer index, one
	// output row per index element.
	Rows(ctx Context, ids Tensor) Tensor

	// Mean and Sum reduce over dims, removing them from the shape. With
	// no dims they reduce everything to a single element.
	Mean(ctx Context, dims ...int) Tensor
	Sum(ctx Context, dims ...int) Tensor

	// MSE returns the mean squared error against target as a single element.
	MSE(ctx Context, target Tensor) Tensor

	// Histogram3D bins [batch, 3, h, w] values in [0, 1] into a joint
	// [batch, bins, bins, bins] histogram normalized to sum to one per
	// sample. Binning is soft so the operation is differentiable.
	Histogram3D(ctx Context, bins int) Tensor
}

// Parameter is the capability surface of trainable tensors. Backend
// tensors marked by Context.Parameter implement it; optimizers use it to
// read gradients and apply updates in place.
type Parameter interface {
	Data() []float32
	Grad() []float32
	ZeroGrad()
}

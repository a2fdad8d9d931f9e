package nn

import (
	"fmt"

	"github.com/chromagen/chromagen/ml"
)

// Attention computes scaled dot-product attention over query, key and value
// tensors shaped [batch, heads, seq, headDim]. The key and value sequence
// lengths may differ from the query's, as in cross attention.
func Attention(ctx ml.Context, query, key, value ml.Tensor, scale float64) ml.Tensor {
	if query.Dim(3) != key.Dim(3) {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(3), key.Dim(3)))
	}

	if key.Dim(2) != value.Dim(2) {
		panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
	}

	if key.Dim(1) != value.Dim(1) {
		panic(fmt.Errorf("heads in attention operation do not match between key(%v) and value(%v)", key.Dim(1), value.Dim(1)))
	}

	return query.ScaledDotProductAttention(ctx, key, value, scale)
}

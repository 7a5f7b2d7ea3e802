package autodiff

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// MatMul performs matrix multiplication with gradient tracking.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	data, err := MatMulInto(a.Data, b.Data)
	if err != nil {
		return nil, err
	}

	out := newResult(data, "matmul", a, b)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			if a.Requires {
				// dL/dA = dL/dC * B^T
				dA, _ := MatMulInto(out.Grad, TransposeInto(b.Data))
				dA.AccumulateInto(a.ensureGrad())
			}
			if b.Requires {
				// dL/dB = A^T * dL/dC
				dB, _ := MatMulInto(TransposeInto(a.Data), out.Grad)
				dB.AccumulateInto(b.ensureGrad())
			}
		}
	}
	return out, nil
}

// Add performs element-wise addition with gradient tracking.
func Add(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if a.Rows() != b.Rows() || a.Cols() != b.Cols() {
		return nil, fmt.Errorf("matrix dimensions don't match for addition: a(%dx%d), b(%dx%d)",
			a.Rows(), a.Cols(), b.Rows(), b.Cols())
	}

	data := MustNewMatrix(a.Rows(), a.Cols())
	for i := 0; i < a.Rows(); i++ {
		floats.AddTo(data.Data[i], a.Data.Data[i], b.Data.Data[i])
	}

	out := newResult(data, "add", a, b)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			if a.Requires {
				out.Grad.AccumulateInto(a.ensureGrad())
			}
			if b.Requires {
				out.Grad.AccumulateInto(b.ensureGrad())
			}
		}
	}
	return out, nil
}

// AddBias adds a 1xN bias row to every row of a with gradient tracking.
func AddBias(a, bias *Tensor) (*Tensor, error) {
	if bias.Rows() != 1 || bias.Cols() != a.Cols() {
		return nil, fmt.Errorf("bias must be 1x%d, got %dx%d", a.Cols(), bias.Rows(), bias.Cols())
	}

	data := MustNewMatrix(a.Rows(), a.Cols())
	for i := 0; i < a.Rows(); i++ {
		floats.AddTo(data.Data[i], a.Data.Data[i], bias.Data.Data[0])
	}

	out := newResult(data, "add_bias", a, bias)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			if a.Requires {
				out.Grad.AccumulateInto(a.ensureGrad())
			}
			if bias.Requires {
				g := bias.ensureGrad()
				for i := 0; i < out.Grad.Rows; i++ {
					floats.Add(g.Data[0], out.Grad.Data[i])
				}
			}
		}
	}
	return out, nil
}

// Multiply performs element-wise multiplication with gradient tracking.
func Multiply(a, b *Tensor) (*Tensor, error) {
	if a.Rows() != b.Rows() || a.Cols() != b.Cols() {
		return nil, fmt.Errorf("matrix dimensions don't match for element-wise multiplication: a(%dx%d), b(%dx%d)",
			a.Rows(), a.Cols(), b.Rows(), b.Cols())
	}

	data := MustNewMatrix(a.Rows(), a.Cols())
	for i := 0; i < a.Rows(); i++ {
		floats.MulTo(data.Data[i], a.Data.Data[i], b.Data.Data[i])
	}

	out := newResult(data, "multiply", a, b)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			if a.Requires {
				a.ensureGrad()
			}
			if b.Requires {
				b.ensureGrad()
			}
			for i := 0; i < out.Grad.Rows; i++ {
				for j := 0; j < out.Grad.Cols; j++ {
					g := out.Grad.Data[i][j]
					if a.Requires {
						a.Grad.Data[i][j] += g * b.Data.Data[i][j]
					}
					if b.Requires {
						b.Grad.Data[i][j] += g * a.Data.Data[i][j]
					}
				}
			}
		}
	}
	return out, nil
}

// ScalarMultiply multiplies a tensor by a scalar with gradient tracking.
func ScalarMultiply(a *Tensor, scalar float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	data := a.Data.Clone()
	for i := range data.Data {
		floats.Scale(scalar, data.Data[i])
	}

	out := newResult(data, "scalar_multiply", a)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			g := a.ensureGrad()
			for i := 0; i < out.Grad.Rows; i++ {
				floats.AddScaled(g.Data[i], scalar, out.Grad.Data[i])
			}
		}
	}
	return out, nil
}

// Transpose returns the transpose with gradient tracking.
func Transpose(a *Tensor) (*Tensor, error) {
	out := newResult(TransposeInto(a.Data), "transpose", a)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			TransposeInto(out.Grad).AccumulateInto(a.ensureGrad())
		}
	}
	return out, nil
}

// ConcatRows concatenates tensors along the row axis with gradient tracking.
// All tensors must share the same column count.
func ConcatRows(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	cols := tensors[0].Cols()
	rows := 0
	for i, t := range tensors {
		if t.Cols() != cols {
			return nil, fmt.Errorf("concat column mismatch: tensor 0 has %d cols, tensor %d has %d", cols, i, t.Cols())
		}
		rows += t.Rows()
	}

	data := MustNewMatrix(rows, cols)
	r := 0
	for _, t := range tensors {
		for i := 0; i < t.Rows(); i++ {
			copy(data.Data[r], t.Data.Data[i])
			r++
		}
	}

	out := newResult(data, "concat_rows", tensors...)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			r := 0
			for _, t := range tensors {
				if t.Requires {
					g := t.ensureGrad()
					for i := 0; i < t.Rows(); i++ {
						floats.Add(g.Data[i], out.Grad.Data[r+i])
					}
				}
				r += t.Rows()
			}
		}
	}
	return out, nil
}

// SliceCols returns columns [start, start+n) with gradient tracking.
func SliceCols(a *Tensor, start, n int) (*Tensor, error) {
	if start < 0 || n <= 0 || start+n > a.Cols() {
		return nil, fmt.Errorf("column slice [%d:%d) out of range for %d cols", start, start+n, a.Cols())
	}

	data := MustNewMatrix(a.Rows(), n)
	for i := 0; i < a.Rows(); i++ {
		copy(data.Data[i], a.Data.Data[i][start:start+n])
	}

	out := newResult(data, "slice_cols", a)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			g := a.ensureGrad()
			for i := 0; i < out.Grad.Rows; i++ {
				floats.Add(g.Data[i][start:start+n], out.Grad.Data[i])
			}
		}
	}
	return out, nil
}

// ConcatCols concatenates tensors along the column axis with gradient
// tracking. All tensors must share the same row count.
func ConcatCols(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	rows := tensors[0].Rows()
	cols := 0
	for i, t := range tensors {
		if t.Rows() != rows {
			return nil, fmt.Errorf("concat row mismatch: tensor 0 has %d rows, tensor %d has %d", rows, i, t.Rows())
		}
		cols += t.Cols()
	}

	data := MustNewMatrix(rows, cols)
	c := 0
	for _, t := range tensors {
		for i := 0; i < rows; i++ {
			copy(data.Data[i][c:c+t.Cols()], t.Data.Data[i])
		}
		c += t.Cols()
	}

	out := newResult(data, "concat_cols", tensors...)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			c := 0
			for _, t := range tensors {
				if t.Requires {
					g := t.ensureGrad()
					for i := 0; i < rows; i++ {
						floats.Add(g.Data[i], out.Grad.Data[i][c:c+t.Cols()])
					}
				}
				c += t.Cols()
			}
		}
	}
	return out, nil
}

// Gather selects rows of weights by index with gradient tracking: row i of
// the result is weights[indices[i]]. The backward pass scatter-adds into the
// indexed rows, which is the embedding-lookup gradient.
func Gather(weights *Tensor, indices []int) (*Tensor, error) {
	data := MustNewMatrix(len(indices), weights.Cols())
	for i, idx := range indices {
		if idx < 0 || idx >= weights.Rows() {
			return nil, fmt.Errorf("gather index %d out of range [0, %d)", idx, weights.Rows())
		}
		copy(data.Data[i], weights.Data.Data[idx])
	}

	out := newResult(data, "gather", weights)
	if out.Requires {
		idxCopy := append([]int(nil), indices...)
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			g := weights.ensureGrad()
			for i, idx := range idxCopy {
				floats.Add(g.Data[idx], out.Grad.Data[i])
			}
		}
	}
	return out, nil
}

// ReLU applies the rectified linear activation with gradient tracking.
func ReLU(a *Tensor) (*Tensor, error) {
	data := MustNewMatrix(a.Rows(), a.Cols())
	for i := 0; i < a.Rows(); i++ {
		for j := 0; j < a.Cols(); j++ {
			if v := a.Data.Data[i][j]; v > 0 {
				data.Data[i][j] = v
			}
		}
	}

	out := newResult(data, "relu", a)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			g := a.ensureGrad()
			for i := 0; i < out.Grad.Rows; i++ {
				for j := 0; j < out.Grad.Cols; j++ {
					if a.Data.Data[i][j] > 0 {
						g.Data[i][j] += out.Grad.Data[i][j]
					}
				}
			}
		}
	}
	return out, nil
}

// Dropout zeroes elements with probability rate and rescales survivors by
// 1/(1-rate). With rate 0 or outside training it is the identity.
func Dropout(a *Tensor, rate float64, training bool, rng *rand.Rand) (*Tensor, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %g", rate)
	}
	if !training || rate == 0 {
		return a, nil
	}

	keep := 1.0 - rate
	mask := MustNewMatrix(a.Rows(), a.Cols())
	data := MustNewMatrix(a.Rows(), a.Cols())
	for i := 0; i < a.Rows(); i++ {
		for j := 0; j < a.Cols(); j++ {
			var u float64
			if rng != nil {
				u = rng.Float64()
			} else {
				u = rand.Float64()
			}
			if u >= rate {
				mask.Data[i][j] = 1.0 / keep
				data.Data[i][j] = a.Data.Data[i][j] / keep
			}
		}
	}

	out := newResult(data, "dropout", a)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			g := a.ensureGrad()
			for i := 0; i < out.Grad.Rows; i++ {
				for j := 0; j < out.Grad.Cols; j++ {
					g.Data[i][j] += out.Grad.Data[i][j] * mask.Data[i][j]
				}
			}
		}
	}
	return out, nil
}

// Sum reduces a tensor to a 1x1 scalar with gradient tracking.
func Sum(a *Tensor) (*Tensor, error) {
	total := 0.0
	for i := 0; i < a.Rows(); i++ {
		total += a.Data.RowSum(i)
	}
	data := MustNewMatrix(1, 1)
	data.Data[0][0] = total

	out := newResult(data, "sum", a)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			g := out.Grad.Data[0][0]
			grad := a.ensureGrad()
			for i := 0; i < a.Rows(); i++ {
				for j := 0; j < a.Cols(); j++ {
					grad.Data[i][j] += g
				}
			}
		}
	}
	return out, nil
}

// Mean reduces a tensor to its scalar mean with gradient tracking.
func Mean(a *Tensor) (*Tensor, error) {
	n := float64(a.Rows() * a.Cols())
	if n == 0 {
		return nil, fmt.Errorf("mean of empty tensor")
	}
	s, err := Sum(a)
	if err != nil {
		return nil, err
	}
	return ScalarMultiply(s, 1.0/n)
}

// GELU applies the tanh-approximated Gaussian error linear unit with
// gradient tracking.
func GELU(a *Tensor) (*Tensor, error) {
	const coeff = 0.044715
	sqrt2OverPi := math.Sqrt(2.0 / math.Pi)

	data := MustNewMatrix(a.Rows(), a.Cols())
	for i := 0; i < a.Rows(); i++ {
		for j := 0; j < a.Cols(); j++ {
			x := a.Data.Data[i][j]
			data.Data[i][j] = 0.5 * x * (1.0 + math.Tanh(sqrt2OverPi*(x+coeff*x*x*x)))
		}
	}

	out := newResult(data, "gelu", a)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			g := a.ensureGrad()
			for i := 0; i < out.Grad.Rows; i++ {
				for j := 0; j < out.Grad.Cols; j++ {
					x := a.Data.Data[i][j]
					th := math.Tanh(sqrt2OverPi * (x + coeff*x*x*x))
					inner := sqrt2OverPi * (1.0 + 3.0*coeff*x*x)
					grad := 0.5*(1.0+th) + 0.5*x*(1.0-th*th)*inner
					g.Data[i][j] += out.Grad.Data[i][j] * grad
				}
			}
		}
	}
	return out, nil
}

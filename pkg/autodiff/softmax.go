package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// maskFill is added to masked attention scores before normalization, large
// enough to zero them out after the exponential.
const maskFill = -1e18

// MaskedSoftmax applies a numerically stable row softmax with gradient
// tracking. When mask is non-nil, mask[i][j] == true marks position j as
// disallowed for query row i and its probability is forced to zero.
func MaskedSoftmax(a *Tensor, mask [][]bool) (*Tensor, error) {
	if mask != nil {
		if len(mask) != a.Rows() {
			return nil, fmt.Errorf("mask has %d rows, scores have %d", len(mask), a.Rows())
		}
		for i, row := range mask {
			if len(row) != a.Cols() {
				return nil, fmt.Errorf("mask row %d has %d cols, scores have %d", i, len(row), a.Cols())
			}
		}
	}

	data := MustNewMatrix(a.Rows(), a.Cols())
	for i := 0; i < a.Rows(); i++ {
		row := data.Data[i]
		for j := 0; j < a.Cols(); j++ {
			row[j] = a.Data.Data[i][j]
			if mask != nil && mask[i][j] {
				row[j] = maskFill
			}
		}
		max := floats.Max(row)
		sum := 0.0
		for j := range row {
			row[j] = math.Exp(row[j] - max)
			sum += row[j]
		}
		floats.Scale(1.0/sum, row)
	}

	out := newResult(data, "softmax", a)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			grad := a.ensureGrad()
			for i := 0; i < a.Rows(); i++ {
				s := data.Data[i]
				g := out.Grad.Data[i]
				dot := floats.Dot(g, s)
				for j := 0; j < a.Cols(); j++ {
					grad.Data[i][j] += s[j] * (g[j] - dot)
				}
			}
		}
	}
	return out, nil
}

// Softmax applies a row softmax without masking.
func Softmax(a *Tensor) (*Tensor, error) {
	return MaskedSoftmax(a, nil)
}

// LogSoftmax applies a numerically stable row log-softmax with gradient
// tracking.
func LogSoftmax(a *Tensor) (*Tensor, error) {
	data := MustNewMatrix(a.Rows(), a.Cols())
	for i := 0; i < a.Rows(); i++ {
		row := a.Data.Data[i]
		max := floats.Max(row)
		sum := 0.0
		for j := range row {
			sum += math.Exp(row[j] - max)
		}
		logZ := math.Log(sum) + max
		for j := range row {
			data.Data[i][j] = row[j] - logZ
		}
	}

	out := newResult(data, "log_softmax", a)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			grad := a.ensureGrad()
			for i := 0; i < a.Rows(); i++ {
				g := out.Grad.Data[i]
				gSum := floats.Sum(g)
				for j := 0; j < a.Cols(); j++ {
					grad.Data[i][j] += g[j] - math.Exp(data.Data[i][j])*gSum
				}
			}
		}
	}
	return out, nil
}

// LayerNorm normalizes each row to zero mean and unit variance, then scales
// by gamma and shifts by beta (both 1xN). Fused forward and backward: the
// tape carries no broadcasting ops, so the row statistics are differentiated
// in closed form here.
func LayerNorm(a, gamma, beta *Tensor, eps float64) (*Tensor, error) {
	n := a.Cols()
	if gamma.Rows() != 1 || gamma.Cols() != n {
		return nil, fmt.Errorf("gamma must be 1x%d, got %dx%d", n, gamma.Rows(), gamma.Cols())
	}
	if beta.Rows() != 1 || beta.Cols() != n {
		return nil, fmt.Errorf("beta must be 1x%d, got %dx%d", n, beta.Rows(), beta.Cols())
	}

	data := MustNewMatrix(a.Rows(), n)
	norm := MustNewMatrix(a.Rows(), n)
	invStd := make([]float64, a.Rows())
	for i := 0; i < a.Rows(); i++ {
		row := a.Data.Data[i]
		mean := floats.Sum(row) / float64(n)
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(n)
		invStd[i] = 1.0 / math.Sqrt(variance+eps)
		for j := 0; j < n; j++ {
			norm.Data[i][j] = (row[j] - mean) * invStd[i]
			data.Data[i][j] = norm.Data[i][j]*gamma.Data.Data[0][j] + beta.Data.Data[0][j]
		}
	}

	out := newResult(data, "layer_norm", a, gamma, beta)
	if out.Requires {
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			if gamma.Requires {
				gamma.ensureGrad()
			}
			if beta.Requires {
				beta.ensureGrad()
			}
			if a.Requires {
				a.ensureGrad()
			}
			for i := 0; i < a.Rows(); i++ {
				g := out.Grad.Data[i]
				if gamma.Requires || beta.Requires {
					for j := 0; j < n; j++ {
						if gamma.Requires {
							gamma.Grad.Data[0][j] += g[j] * norm.Data[i][j]
						}
						if beta.Requires {
							beta.Grad.Data[0][j] += g[j]
						}
					}
				}
				if a.Requires {
					// dxhat = g * gamma; dx folds the mean and variance terms.
					var sumDx, sumDxXhat float64
					dxhat := make([]float64, n)
					for j := 0; j < n; j++ {
						dxhat[j] = g[j] * gamma.Data.Data[0][j]
						sumDx += dxhat[j]
						sumDxXhat += dxhat[j] * norm.Data[i][j]
					}
					for j := 0; j < n; j++ {
						a.Grad.Data[i][j] += invStd[i] * (dxhat[j] - sumDx/float64(n) - norm.Data[i][j]*sumDxXhat/float64(n))
					}
				}
			}
		}
	}
	return out, nil
}

package autodiff

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// weightedSum reduces t to a scalar using fixed pseudo-random coefficients so
// gradient checks exercise non-uniform output gradients.
func weightedSum(t *Tensor) (*Tensor, error) {
	w := MustNewMatrix(t.Rows(), t.Cols())
	rng := rand.New(rand.NewSource(7))
	for i := range w.Data {
		for j := range w.Data[i] {
			w.Data[i][j] = rng.Float64()*2 - 1
		}
	}
	wt, err := NewTensor(w, nil)
	if err != nil {
		return nil, err
	}
	prod, err := Multiply(t, wt)
	if err != nil {
		return nil, err
	}
	return Sum(prod)
}

// checkGradient verifies the analytic gradient of input x through forward
// against central finite differences.
func checkGradient(t *testing.T, x *Tensor, forward func(*Tensor) (*Tensor, error)) {
	t.Helper()

	out, err := forward(x)
	require.NoError(t, err)
	loss, err := weightedSum(out)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	const h = 1e-5
	for i := 0; i < x.Rows(); i++ {
		for j := 0; j < x.Cols(); j++ {
			orig := x.Data.Data[i][j]

			eval := func(v float64) float64 {
				xc := x.CloneDetached(false)
				xc.Data.Data[i][j] = v
				o, err := forward(xc)
				require.NoError(t, err)
				l, err := weightedSum(o)
				require.NoError(t, err)
				val, err := l.Item()
				require.NoError(t, err)
				return val
			}

			numeric := (eval(orig+h) - eval(orig-h)) / (2 * h)
			analytic := x.Grad.Data[i][j]
			if math.Abs(numeric-analytic) > 1e-4*(1+math.Abs(numeric)) {
				t.Fatalf("gradient mismatch at (%d,%d): analytic=%g numeric=%g", i, j, analytic, numeric)
			}
		}
	}
}

func randomInput(rows, cols int, seed int64) *Tensor {
	rng := rand.New(rand.NewSource(seed))
	m := MustNewMatrix(rows, cols)
	for i := range m.Data {
		for j := range m.Data[i] {
			m.Data[i][j] = rng.NormFloat64()
		}
	}
	t, _ := NewTensor(m, &TensorConfig{RequiresGrad: true})
	return t
}

func TestMatMulGradient(t *testing.T) {
	other := randomInput(4, 3, 2)
	other.Requires = false
	other.Grad = nil
	checkGradient(t, randomInput(2, 4, 1), func(x *Tensor) (*Tensor, error) {
		return MatMul(x, other)
	})
}

func TestMatMulRightGradient(t *testing.T) {
	other := randomInput(3, 5, 4)
	other.Requires = false
	other.Grad = nil
	checkGradient(t, randomInput(5, 2, 3), func(x *Tensor) (*Tensor, error) {
		return MatMul(other, x)
	})
}

func TestAddBiasGradient(t *testing.T) {
	a := randomInput(3, 4, 5)
	a.Requires = false
	a.Grad = nil
	checkGradient(t, randomInput(1, 4, 6), func(x *Tensor) (*Tensor, error) {
		return AddBias(a, x)
	})
}

func TestConcatRowsGradient(t *testing.T) {
	top := randomInput(2, 3, 8)
	top.Requires = false
	top.Grad = nil
	checkGradient(t, randomInput(3, 3, 7), func(x *Tensor) (*Tensor, error) {
		return ConcatRows(top, x)
	})
}

func TestSliceColsGradient(t *testing.T) {
	checkGradient(t, randomInput(3, 6, 9), func(x *Tensor) (*Tensor, error) {
		return SliceCols(x, 2, 3)
	})
}

func TestGatherGradient(t *testing.T) {
	indices := []int{2, 0, 2, 1}
	checkGradient(t, randomInput(4, 3, 10), func(x *Tensor) (*Tensor, error) {
		return Gather(x, indices)
	})
}

func TestReLUGradient(t *testing.T) {
	checkGradient(t, randomInput(3, 4, 11), func(x *Tensor) (*Tensor, error) {
		return ReLU(x)
	})
}

func TestGELUGradient(t *testing.T) {
	checkGradient(t, randomInput(2, 3, 12), func(x *Tensor) (*Tensor, error) {
		return GELU(x)
	})
}

func TestSoftmaxGradient(t *testing.T) {
	checkGradient(t, randomInput(3, 5, 13), func(x *Tensor) (*Tensor, error) {
		return Softmax(x)
	})
}

func TestLogSoftmaxGradient(t *testing.T) {
	checkGradient(t, randomInput(3, 5, 14), func(x *Tensor) (*Tensor, error) {
		return LogSoftmax(x)
	})
}

func TestLayerNormGradient(t *testing.T) {
	gamma, _ := NewTensor(func() *Matrix {
		m := MustNewMatrix(1, 4)
		m.Fill(1.3)
		return m
	}(), nil)
	beta, _ := NewZerosTensor(1, 4, nil)
	checkGradient(t, randomInput(3, 4, 15), func(x *Tensor) (*Tensor, error) {
		return LayerNorm(x, gamma, beta, 1e-6)
	})
}

func TestMaskedSoftmaxZerosMaskedPositions(t *testing.T) {
	x := randomInput(2, 4, 16)
	mask := [][]bool{
		{false, true, false, true},
		{false, false, false, true},
	}
	out, err := MaskedSoftmax(x, mask)
	require.NoError(t, err)
	for i := range mask {
		rowSum := 0.0
		for j := range mask[i] {
			if mask[i][j] {
				require.InDelta(t, 0, out.Data.Data[i][j], 1e-12)
			}
			rowSum += out.Data.Data[i][j]
		}
		require.InDelta(t, 1.0, rowSum, 1e-9)
	}
}

func TestDropoutIdentityWhenDisabled(t *testing.T) {
	x := randomInput(2, 3, 17)
	out, err := Dropout(x, 0.5, false, nil)
	require.NoError(t, err)
	require.Same(t, x, out)

	out, err = Dropout(x, 0, true, nil)
	require.NoError(t, err)
	require.Same(t, x, out)
}

func TestMatMulShapeError(t *testing.T) {
	a := randomInput(2, 3, 18)
	b := randomInput(4, 2, 19)
	if _, err := MatMul(a, b); err == nil {
		t.Error("expected shape mismatch error")
	}
}

package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/citesum/citesum/pkg/autodiff"
)

func simInput(t *testing.T, rows [][]float64, requires bool) *autodiff.Tensor {
	t.Helper()
	m, err := autodiff.NewMatrixFromRows(rows)
	require.NoError(t, err)
	s, err := autodiff.NewTensor(m, &autodiff.TensorConfig{RequiresGrad: requires})
	require.NoError(t, err)
	return s
}

func TestDocWordContrastiveMeansOverAllRows(t *testing.T) {
	sim := []*autodiff.Tensor{simInput(t, [][]float64{
		{0.2, 0.9, -0.4},
		{1.0, -1.0, 0.5},
	}, true)}
	valid := [][]bool{{true, false}}

	got, err := DocWordContrastive(sim, valid)
	require.NoError(t, err)
	v, err := got.Item()
	require.NoError(t, err)

	// Row 0 contributes -log softmax(row)[1]; masked row 1 contributes 0,
	// but the denominator still counts it.
	z := math.Exp(0.2) + math.Exp(0.9) + math.Exp(-0.4)
	want := -math.Log(math.Exp(0.9)/z) / 2.0
	require.InDelta(t, want, v, 1e-12)

	require.NoError(t, got.Backward())
	for j := 0; j < 3; j++ {
		require.Zero(t, sim[0].Grad.Data[1][j], "masked row must get no gradient")
	}
	require.NotZero(t, sim[0].Grad.Data[0][1])
}

func TestDocWordContrastiveGradient(t *testing.T) {
	rows := [][]float64{{0.3, -0.2, 0.8, 0.1}}
	sim := []*autodiff.Tensor{simInput(t, rows, true)}
	got, err := DocWordContrastive(sim, [][]bool{{true}})
	require.NoError(t, err)
	require.NoError(t, got.Backward())

	// Central finite differences against the analytic gradient.
	const h = 1e-6
	for j := range rows[0] {
		plus := [][]float64{append([]float64(nil), rows[0]...)}
		plus[0][j] += h
		minus := [][]float64{append([]float64(nil), rows[0]...)}
		minus[0][j] -= h

		lp, err := DocWordContrastive([]*autodiff.Tensor{simInput(t, plus, false)}, [][]bool{{true}})
		require.NoError(t, err)
		lm, err := DocWordContrastive([]*autodiff.Tensor{simInput(t, minus, false)}, [][]bool{{true}})
		require.NoError(t, err)
		vp, _ := lp.Item()
		vm, _ := lm.Item()
		require.InDelta(t, (vp-vm)/(2*h), sim[0].Grad.Data[0][j], 1e-5, "dim %d", j)
	}
}

func TestDocWordContrastiveRejectsNarrowRows(t *testing.T) {
	sim := []*autodiff.Tensor{simInput(t, [][]float64{{0.5}}, false)}
	_, err := DocWordContrastive(sim, [][]bool{{true}})
	require.Error(t, err)
}

// A row whose validity mask sums to zero must contribute exactly 0, never
// NaN, whatever the similarity and adjacency values.
func TestNcontrastZeroMaskRowContributesZero(t *testing.T) {
	sim := []*autodiff.Tensor{simInput(t, [][]float64{
		{5.0, -3.0},
		{100.0, 42.0},
	}, true)}
	adj := []*autodiff.Tensor{simInput(t, [][]float64{
		{1, 1},
		{0, 1},
	}, false)}

	got, err := Ncontrast(sim, adj, []int{0}, 1.0)
	require.NoError(t, err)
	v, err := got.Item()
	require.NoError(t, err)
	require.Zero(t, v)
	require.False(t, math.IsNaN(v))

	require.NoError(t, got.Backward())
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			require.Zero(t, sim[0].Grad.Data[i][j])
		}
	}
}

func TestNcontrastMatchesHandComputation(t *testing.T) {
	// Two valid nodes, fully adjacent to themselves only.
	sim := []*autodiff.Tensor{simInput(t, [][]float64{
		{0.5, 0.1},
		{0.2, 0.7},
	}, true)}
	adj := []*autodiff.Tensor{simInput(t, [][]float64{
		{1, 0},
		{0, 1},
	}, false)}

	got, err := Ncontrast(sim, adj, []int{2}, 1.0)
	require.NoError(t, err)
	v, err := got.Item()
	require.NoError(t, err)

	e := func(x float64) float64 { return math.Exp(x) }
	row0 := -math.Log(e(0.5) / (e(0.5) + e(0.1)))
	row1 := -math.Log(e(0.7) / (e(0.2) + e(0.7)))
	require.InDelta(t, (row0+row1)/2, v, 1e-12)
}

func TestNcontrastGradient(t *testing.T) {
	rows := [][]float64{
		{0.4, -0.3, 0.2},
		{0.1, 0.6, -0.5},
		{-0.2, 0.3, 0.9},
	}
	adjRows := [][]float64{
		{1, 1, 0},
		{1, 1, 0},
		{0, 0, 1},
	}
	sim := []*autodiff.Tensor{simInput(t, rows, true)}
	adj := []*autodiff.Tensor{simInput(t, adjRows, false)}
	nodeNum := []int{3}

	got, err := Ncontrast(sim, adj, nodeNum, 1.0)
	require.NoError(t, err)
	require.NoError(t, got.Backward())

	const h = 1e-6
	eval := func(r [][]float64) float64 {
		l, err := Ncontrast([]*autodiff.Tensor{simInput(t, r, false)},
			[]*autodiff.Tensor{simInput(t, adjRows, false)}, nodeNum, 1.0)
		require.NoError(t, err)
		v, err := l.Item()
		require.NoError(t, err)
		return v
	}
	for i := range rows {
		for j := range rows[i] {
			plus := make([][]float64, len(rows))
			minus := make([][]float64, len(rows))
			for k := range rows {
				plus[k] = append([]float64(nil), rows[k]...)
				minus[k] = append([]float64(nil), rows[k]...)
			}
			plus[i][j] += h
			minus[i][j] -= h
			want := (eval(plus) - eval(minus)) / (2 * h)
			require.InDelta(t, want, sim[0].Grad.Data[i][j], 1e-5, "(%d,%d)", i, j)
		}
	}
}

func TestNcontrastRejectsNonSquare(t *testing.T) {
	sim := []*autodiff.Tensor{simInput(t, [][]float64{{1, 2, 3}}, false)}
	adj := []*autodiff.Tensor{simInput(t, [][]float64{{1, 1, 1}}, false)}
	_, err := Ncontrast(sim, adj, []int{1}, 1.0)
	require.Error(t, err)
}

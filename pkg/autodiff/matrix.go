package autodiff

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Matrix represents a dense 2D matrix of float64 values.
type Matrix struct {
	Rows int
	Cols int
	Data [][]float64
}

// NewMatrix creates a zero matrix with the specified dimensions.
func NewMatrix(rows, cols int) (*Matrix, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("invalid matrix dimensions: rows=%d, cols=%d", rows, cols)
	}

	data := make([][]float64, rows)
	for i := range data {
		data[i] = make([]float64, cols)
	}

	return &Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

// MustNewMatrix creates a zero matrix and panics on invalid dimensions.
func MustNewMatrix(rows, cols int) *Matrix {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMatrixFromRows creates a matrix backed by the given row data. All rows
// must have the same length.
func NewMatrixFromRows(rows [][]float64) (*Matrix, error) {
	if len(rows) == 0 {
		return &Matrix{Rows: 0, Cols: 0, Data: nil}, nil
	}
	cols := len(rows[0])
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("ragged row data: row 0 has %d cols, row %d has %d", cols, i, len(r))
		}
	}
	return &Matrix{Rows: len(rows), Cols: cols, Data: rows}, nil
}

// NewRandomMatrix creates a matrix with small uniform random values drawn
// from rng, or from the package source when rng is nil.
func NewRandomMatrix(rows, cols int, rng *rand.Rand) (*Matrix, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}

	// Small values keep early training numerically stable.
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if rng != nil {
				m.Data[i][j] = rng.Float64()*0.2 - 0.1
			} else {
				m.Data[i][j] = rand.Float64()*0.2 - 0.1
			}
		}
	}

	return m, nil
}

// Clone creates a deep copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	clone := MustNewMatrix(m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		copy(clone.Data[i], m.Data[i])
	}
	return clone
}

// Zero sets every element to zero.
func (m *Matrix) Zero() {
	for i := range m.Data {
		for j := range m.Data[i] {
			m.Data[i][j] = 0
		}
	}
}

// Fill sets every element to v.
func (m *Matrix) Fill(v float64) {
	for i := range m.Data {
		for j := range m.Data[i] {
			m.Data[i][j] = v
		}
	}
}

// AccumulateInto adds m element-wise into dst.
func (m *Matrix) AccumulateInto(dst *Matrix) error {
	if dst.Rows != m.Rows || dst.Cols != m.Cols {
		return fmt.Errorf("accumulate shape mismatch: dst(%dx%d), src(%dx%d)",
			dst.Rows, dst.Cols, m.Rows, m.Cols)
	}
	for i := 0; i < m.Rows; i++ {
		floats.Add(dst.Data[i], m.Data[i])
	}
	return nil
}

// MatMulInto computes a*b into a freshly allocated matrix.
func MatMulInto(a, b *Matrix) (*Matrix, error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("matrix dimensions don't match for multiplication: a(%dx%d), b(%dx%d)",
			a.Rows, a.Cols, b.Rows, b.Cols)
	}

	out := MustNewMatrix(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		row := out.Data[i]
		for k := 0; k < a.Cols; k++ {
			if v := a.Data[i][k]; v != 0 {
				floats.AddScaled(row, v, b.Data[k])
			}
		}
	}
	return out, nil
}

// TransposeInto returns the transpose of m as a new matrix.
func TransposeInto(m *Matrix) *Matrix {
	out := MustNewMatrix(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			out.Data[j][i] = m.Data[i][j]
		}
	}
	return out
}

// RowSum returns the sum of row i.
func (m *Matrix) RowSum(i int) float64 {
	return floats.Sum(m.Data[i])
}

// RowMax returns the maximum of row i.
func (m *Matrix) RowMax(i int) float64 {
	return floats.Max(m.Data[i])
}

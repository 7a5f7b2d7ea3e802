package loss

import (
	"fmt"
	"math"

	"github.com/citesum/citesum/pkg/autodiff"
)

// DocWordContrastive scores document/word cosine-similarity rows against the
// fixed positive label index 1: each valid row contributes -log softmax(row)[1],
// rows masked out by validRows contribute zero, and the result is the mean
// over every row including the masked ones.
func DocWordContrastive(sim []*autodiff.Tensor, validRows [][]bool) (*autodiff.Tensor, error) {
	if len(sim) != len(validRows) {
		return nil, fmt.Errorf("similarity batch has %d examples, mask has %d", len(sim), len(validRows))
	}

	totalRows := 0
	requires := false
	for b, s := range sim {
		if s.Cols() < 2 {
			return nil, fmt.Errorf("example %d: similarity rows need at least 2 columns, got %d", b, s.Cols())
		}
		if len(validRows[b]) != s.Rows() {
			return nil, fmt.Errorf("example %d: mask covers %d rows, similarity has %d", b, len(validRows[b]), s.Rows())
		}
		totalRows += s.Rows()
		requires = requires || s.Requires
	}
	if totalRows == 0 {
		return nil, fmt.Errorf("empty similarity batch")
	}

	// Forward: softmax rows are kept for the backward closure.
	softRows := make([][][]float64, len(sim))
	total := 0.0
	for b, s := range sim {
		softRows[b] = make([][]float64, s.Rows())
		for i := 0; i < s.Rows(); i++ {
			row := s.Data.Data[i]
			max := row[0]
			for _, v := range row[1:] {
				if v > max {
					max = v
				}
			}
			soft := make([]float64, len(row))
			sum := 0.0
			for j, v := range row {
				soft[j] = math.Exp(v - max)
				sum += soft[j]
			}
			for j := range soft {
				soft[j] /= sum
			}
			softRows[b][i] = soft
			if validRows[b][i] {
				total -= math.Log(soft[1])
			}
		}
	}

	data := autodiff.MustNewMatrix(1, 1)
	data.Data[0][0] = total / float64(totalRows)
	out := &autodiff.Tensor{Data: data, Requires: requires, Name: "doc_word_contrastive"}
	if out.Requires {
		out.Children = append([]*autodiff.Tensor(nil), sim...)
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			g := out.Grad.Data[0][0] / float64(totalRows)
			for b, s := range sim {
				if !s.Requires {
					continue
				}
				if s.Grad == nil {
					s.Grad = autodiff.MustNewMatrix(s.Rows(), s.Cols())
				}
				for i := 0; i < s.Rows(); i++ {
					if !validRows[b][i] {
						continue
					}
					soft := softRows[b][i]
					for j := range soft {
						d := soft[j]
						if j == 1 {
							d -= 1
						}
						s.Grad.Data[i][j] += g * d
					}
				}
			}
		}
	}
	return out, nil
}

// Ncontrast computes the graph-consistency contrastive loss: for each node
// row, exponentiate the temperature-scaled similarities, divide the
// adjacency-masked sum by the validity-masked sum, and take the negative
// log, averaged over every row of every example. A row whose masked
// normalizer sums to zero contributes exactly zero instead of dividing by
// zero. nodeNum gives the count of valid nodes per example; positions at or
// beyond it are masked out of the normalizer.
func Ncontrast(sim, adj []*autodiff.Tensor, nodeNum []int, tau float64) (*autodiff.Tensor, error) {
	if len(sim) != len(adj) || len(sim) != len(nodeNum) {
		return nil, fmt.Errorf("mismatched batch: sim=%d, adj=%d, node counts=%d", len(sim), len(adj), len(nodeNum))
	}

	totalRows := 0
	requires := false
	for b, s := range sim {
		n := s.Rows()
		if s.Cols() != n {
			return nil, fmt.Errorf("example %d: similarity must be square, got %dx%d", b, n, s.Cols())
		}
		if adj[b].Rows() != n || adj[b].Cols() != n {
			return nil, fmt.Errorf("example %d: adjacency %dx%d does not match similarity %dx%d",
				b, adj[b].Rows(), adj[b].Cols(), n, n)
		}
		if nodeNum[b] < 0 || nodeNum[b] > n {
			return nil, fmt.Errorf("example %d: node count %d outside [0, %d]", b, nodeNum[b], n)
		}
		totalRows += n
		requires = requires || s.Requires
	}
	if totalRows == 0 {
		return nil, fmt.Errorf("empty similarity batch")
	}

	type rowState struct {
		exp    []float64
		rowSum float64
		posSum float64
		valid  bool // row index within the valid node range
	}
	states := make([][]rowState, len(sim))
	total := 0.0
	for b, s := range sim {
		n := s.Rows()
		states[b] = make([]rowState, n)
		for i := 0; i < n; i++ {
			st := rowState{exp: make([]float64, n), valid: i < nodeNum[b]}
			for j := 0; j < n; j++ {
				e := math.Exp(tau * s.Data.Data[i][j])
				st.exp[j] = e
				if st.valid && j < nodeNum[b] {
					st.rowSum += e
				}
				st.posSum += e * adj[b].Data.Data[i][j]
			}
			ratio := 1.0
			if st.rowSum != 0 {
				ratio = st.posSum / st.rowSum
			}
			total -= math.Log(ratio)
			states[b][i] = st
		}
	}

	data := autodiff.MustNewMatrix(1, 1)
	data.Data[0][0] = total / float64(totalRows)
	out := &autodiff.Tensor{Data: data, Requires: requires, Name: "ncontrast"}
	if out.Requires {
		out.Children = append([]*autodiff.Tensor(nil), sim...)
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			g := out.Grad.Data[0][0] / float64(totalRows)
			for b, s := range sim {
				if !s.Requires {
					continue
				}
				if s.Grad == nil {
					s.Grad = autodiff.MustNewMatrix(s.Rows(), s.Cols())
				}
				n := s.Rows()
				for i := 0; i < n; i++ {
					st := states[b][i]
					if st.rowSum == 0 {
						continue
					}
					for j := 0; j < n; j++ {
						var m float64
						if st.valid && j < nodeNum[b] {
							m = 1
						}
						a := adj[b].Data.Data[i][j]
						s.Grad.Data[i][j] += g * tau * st.exp[j] * (m/st.rowSum - a/st.posSum)
					}
				}
			}
		}
	}
	return out, nil
}

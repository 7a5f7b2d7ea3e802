package loss

import (
	"fmt"
	"math"

	"github.com/citesum/citesum/pkg/autodiff"
)

// Criterion scores one example's [len x vocab] log-probabilities against its
// target tokens, summed over non-pad positions.
type Criterion interface {
	Compute(logProbs *autodiff.Tensor, target []int) (*autodiff.Tensor, error)
}

// NLLCriterion is negative log-likelihood with sum reduction, ignoring pad
// positions.
type NLLCriterion struct {
	PadID int
}

// Compute returns sum over non-pad positions of -logProbs[i][target[i]].
func (c *NLLCriterion) Compute(logProbs *autodiff.Tensor, target []int) (*autodiff.Tensor, error) {
	if len(target) != logProbs.Rows() {
		return nil, fmt.Errorf("target has %d tokens, log-probs have %d rows", len(target), logProbs.Rows())
	}
	total := 0.0
	for i, tgt := range target {
		if tgt < 0 || tgt >= logProbs.Cols() {
			return nil, fmt.Errorf("target token %d outside vocabulary of size %d", tgt, logProbs.Cols())
		}
		if tgt != c.PadID {
			total -= logProbs.Data.Data[i][tgt]
		}
	}

	data := autodiff.MustNewMatrix(1, 1)
	data.Data[0][0] = total
	out := &autodiff.Tensor{Data: data, Requires: logProbs.Requires, Name: "nll"}
	if out.Requires {
		out.Children = []*autodiff.Tensor{logProbs}
		tgtCopy := append([]int(nil), target...)
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			if logProbs.Grad == nil {
				logProbs.Grad = autodiff.MustNewMatrix(logProbs.Rows(), logProbs.Cols())
			}
			g := out.Grad.Data[0][0]
			for i, tgt := range tgtCopy {
				if tgt != c.PadID {
					logProbs.Grad.Data[i][tgt] -= g
				}
			}
		}
	}
	return out, nil
}

// LabelSmoothingCriterion minimizes the KL divergence between the model
// distribution and a smoothed one-hot target: the target token keeps
// 1-smoothing of the mass and the rest is spread uniformly over the non-pad,
// non-target vocabulary. Rows whose target is pad contribute nothing. With
// smoothing 0 it reduces exactly to NLLCriterion.
type LabelSmoothingCriterion struct {
	Smoothing float64
	VocabSize int
	PadID     int
}

// NewLabelSmoothingCriterion validates and builds the criterion.
func NewLabelSmoothingCriterion(smoothing float64, vocabSize, padID int) (*LabelSmoothingCriterion, error) {
	if smoothing < 0 || smoothing > 1 {
		return nil, fmt.Errorf("label smoothing must be in [0, 1], got %g", smoothing)
	}
	if vocabSize <= 2 {
		return nil, fmt.Errorf("label smoothing needs a vocabulary larger than 2, got %d", vocabSize)
	}
	return &LabelSmoothingCriterion{Smoothing: smoothing, VocabSize: vocabSize, PadID: padID}, nil
}

// smoothedRow builds the target distribution for one position.
func (c *LabelSmoothingCriterion) smoothedRow(tgt int) []float64 {
	row := make([]float64, c.VocabSize)
	if tgt == c.PadID {
		return row
	}
	smoothVal := c.Smoothing / float64(c.VocabSize-2)
	for j := range row {
		row[j] = smoothVal
	}
	row[c.PadID] = 0
	row[tgt] = 1.0 - c.Smoothing
	return row
}

// Compute returns sum over positions and vocabulary of p*(log p - logProbs),
// where p is the smoothed target distribution.
func (c *LabelSmoothingCriterion) Compute(logProbs *autodiff.Tensor, target []int) (*autodiff.Tensor, error) {
	if len(target) != logProbs.Rows() {
		return nil, fmt.Errorf("target has %d tokens, log-probs have %d rows", len(target), logProbs.Rows())
	}
	if logProbs.Cols() != c.VocabSize {
		return nil, fmt.Errorf("log-probs have %d columns, vocabulary has %d", logProbs.Cols(), c.VocabSize)
	}

	total := 0.0
	probs := make([][]float64, len(target))
	for i, tgt := range target {
		if tgt < 0 || tgt >= c.VocabSize {
			return nil, fmt.Errorf("target token %d outside vocabulary of size %d", tgt, c.VocabSize)
		}
		probs[i] = c.smoothedRow(tgt)
		for j, p := range probs[i] {
			if p > 0 {
				total += p * (math.Log(p) - logProbs.Data.Data[i][j])
			}
		}
	}

	data := autodiff.MustNewMatrix(1, 1)
	data.Data[0][0] = total
	out := &autodiff.Tensor{Data: data, Requires: logProbs.Requires, Name: "label_smoothing"}
	if out.Requires {
		out.Children = []*autodiff.Tensor{logProbs}
		out.BackwardFn = func() {
			if out.Grad == nil {
				return
			}
			if logProbs.Grad == nil {
				logProbs.Grad = autodiff.MustNewMatrix(logProbs.Rows(), logProbs.Cols())
			}
			g := out.Grad.Data[0][0]
			for i := range probs {
				for j, p := range probs[i] {
					if p > 0 {
						logProbs.Grad.Data[i][j] -= g * p
					}
				}
			}
		}
	}
	return out, nil
}

// NewCriterion selects label smoothing when smoothing is positive, plain NLL
// otherwise.
func NewCriterion(smoothing float64, vocabSize, padID int) (Criterion, error) {
	if smoothing > 0 {
		return NewLabelSmoothingCriterion(smoothing, vocabSize, padID)
	}
	return &NLLCriterion{PadID: padID}, nil
}

package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/citesum/citesum/pkg/autodiff"
)

// Embeddings maps token ids to dense vectors scaled by sqrt(dim).
type Embeddings struct {
	Weights *autodiff.Tensor
	Dim     int
	PadID   int
}

// NewEmbeddings creates an embedding table for the given vocabulary.
func NewEmbeddings(vocabSize, dim, padID int, rng *rand.Rand) (*Embeddings, error) {
	if vocabSize <= 0 || dim <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive: vocab=%d, dim=%d", vocabSize, dim)
	}
	weights, err := autodiff.NewRandomTensor(vocabSize, dim, rng, &autodiff.TensorConfig{
		RequiresGrad: true,
		Name:         "embeddings.weight",
	})
	if err != nil {
		return nil, err
	}
	return &Embeddings{Weights: weights, Dim: dim, PadID: padID}, nil
}

// Forward looks up the embedding rows for ids and scales them by sqrt(dim).
func (e *Embeddings) Forward(ids []int) (*autodiff.Tensor, error) {
	emb, err := autodiff.Gather(e.Weights, ids)
	if err != nil {
		return nil, fmt.Errorf("embedding lookup: %w", err)
	}
	return autodiff.ScalarMultiply(emb, math.Sqrt(float64(e.Dim)))
}

// PositionalEncoding adds the sinusoidal position table to embedded tokens,
// offset by the current decode step, followed by dropout.
type PositionalEncoding struct {
	table   *autodiff.Matrix
	dropout float64
	rng     *rand.Rand
}

// NewPositionalEncoding precomputes the sinusoidal table up to maxLen.
func NewPositionalEncoding(dim, maxLen int, dropout float64, rng *rand.Rand) (*PositionalEncoding, error) {
	if dim <= 0 || maxLen <= 0 {
		return nil, fmt.Errorf("positional encoding dimensions must be positive: dim=%d, maxLen=%d", dim, maxLen)
	}

	table := autodiff.MustNewMatrix(maxLen, dim)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(dim))
			table.Data[pos][i] = math.Sin(angle)
			if i+1 < dim {
				table.Data[pos][i+1] = math.Cos(angle)
			}
		}
	}

	return &PositionalEncoding{table: table, dropout: dropout, rng: rng}, nil
}

// Forward adds positions [step, step+len) of the table to x.
func (p *PositionalEncoding) Forward(x *autodiff.Tensor, step int, training bool) (*autodiff.Tensor, error) {
	if step < 0 || step+x.Rows() > p.table.Rows {
		return nil, fmt.Errorf("positions [%d, %d) exceed positional table of length %d",
			step, step+x.Rows(), p.table.Rows)
	}

	pos := autodiff.MustNewMatrix(x.Rows(), x.Cols())
	for i := 0; i < x.Rows(); i++ {
		copy(pos.Data[i], p.table.Data[step+i][:x.Cols()])
	}
	posT, err := autodiff.NewTensor(pos, &autodiff.TensorConfig{Name: "pos_enc"})
	if err != nil {
		return nil, err
	}

	out, err := autodiff.Add(x, posT)
	if err != nil {
		return nil, fmt.Errorf("positional encoding: %w", err)
	}
	return autodiff.Dropout(out, p.dropout, training, p.rng)
}

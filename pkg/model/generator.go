package model

import (
	"math/rand"

	"github.com/citesum/citesum/pkg/autodiff"
)

// Generator maps decoder hidden states to vocabulary log-probabilities.
type Generator interface {
	Generate(hidden *autodiff.Tensor) (*autodiff.Tensor, error)
}

// VocabGenerator is a linear projection followed by log-softmax.
type VocabGenerator struct {
	Proj *Linear
}

// NewVocabGenerator creates a generator projecting modelDim to vocabSize.
func NewVocabGenerator(modelDim, vocabSize int, rng *rand.Rand) (*VocabGenerator, error) {
	proj, err := NewLinear(modelDim, vocabSize, rng, "generator")
	if err != nil {
		return nil, err
	}
	return &VocabGenerator{Proj: proj}, nil
}

// Generate returns [len x vocabSize] log-probabilities for each hidden row.
func (g *VocabGenerator) Generate(hidden *autodiff.Tensor) (*autodiff.Tensor, error) {
	logits, err := g.Proj.Forward(hidden)
	if err != nil {
		return nil, err
	}
	return autodiff.LogSoftmax(logits)
}

// Parameters returns the learned tensors of the generator.
func (g *VocabGenerator) Parameters() []*autodiff.Tensor {
	return g.Proj.Parameters()
}

package model

import (
	"math/rand"

	"github.com/citesum/citesum/pkg/autodiff"
)

// FeedForward is the position-wise feed-forward sublayer. It carries its own
// pre-normalization and residual connection, so callers feed it the residual
// sum directly.
type FeedForward struct {
	Norm *LayerNorm
	W1   *Linear
	W2   *Linear

	dropout float64
	rng     *rand.Rand
}

// NewFeedForward creates a feed-forward sublayer with hidden width hiddenDim.
func NewFeedForward(modelDim, hiddenDim int, dropout float64, rng *rand.Rand) (*FeedForward, error) {
	norm, err := NewLayerNorm(modelDim, "ff.norm")
	if err != nil {
		return nil, err
	}
	w1, err := NewLinear(modelDim, hiddenDim, rng, "ff.w1")
	if err != nil {
		return nil, err
	}
	w2, err := NewLinear(hiddenDim, modelDim, rng, "ff.w2")
	if err != nil {
		return nil, err
	}
	return &FeedForward{Norm: norm, W1: w1, W2: w2, dropout: dropout, rng: rng}, nil
}

// Forward computes x + W2(dropout(relu(W1(norm(x))))).
func (ff *FeedForward) Forward(x *autodiff.Tensor, training bool) (*autodiff.Tensor, error) {
	h, err := ff.Norm.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = ff.W1.Forward(h); err != nil {
		return nil, err
	}
	if h, err = autodiff.ReLU(h); err != nil {
		return nil, err
	}
	if h, err = autodiff.Dropout(h, ff.dropout, training, ff.rng); err != nil {
		return nil, err
	}
	if h, err = ff.W2.Forward(h); err != nil {
		return nil, err
	}
	if h, err = autodiff.Dropout(h, ff.dropout, training, ff.rng); err != nil {
		return nil, err
	}
	return autodiff.Add(h, x)
}

// Parameters returns the learned tensors of the sublayer.
func (ff *FeedForward) Parameters() []*autodiff.Tensor {
	var params []*autodiff.Tensor
	params = append(params, ff.Norm.Parameters()...)
	params = append(params, ff.W1.Parameters()...)
	params = append(params, ff.W2.Parameters()...)
	return params
}

package model

import (
	"fmt"
	"math/rand"

	"github.com/citesum/citesum/pkg/autodiff"
)

// Linear is an affine projection y = xW + b with learned parameters.
type Linear struct {
	Weight *autodiff.Tensor
	Bias   *autodiff.Tensor
}

// NewLinear creates a linear layer mapping inDim features to outDim.
func NewLinear(inDim, outDim int, rng *rand.Rand, name string) (*Linear, error) {
	if inDim <= 0 || outDim <= 0 {
		return nil, fmt.Errorf("linear dimensions must be positive: in=%d, out=%d", inDim, outDim)
	}
	weight, err := autodiff.NewRandomTensor(inDim, outDim, rng, &autodiff.TensorConfig{
		RequiresGrad: true,
		Name:         name + ".weight",
	})
	if err != nil {
		return nil, err
	}
	bias, err := autodiff.NewZerosTensor(1, outDim, &autodiff.TensorConfig{
		RequiresGrad: true,
		Name:         name + ".bias",
	})
	if err != nil {
		return nil, err
	}
	return &Linear{Weight: weight, Bias: bias}, nil
}

// Forward applies the projection to every row of x.
func (l *Linear) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	h, err := autodiff.MatMul(x, l.Weight)
	if err != nil {
		return nil, fmt.Errorf("linear projection: %w", err)
	}
	return autodiff.AddBias(h, l.Bias)
}

// Parameters returns the learned tensors of the layer.
func (l *Linear) Parameters() []*autodiff.Tensor {
	return []*autodiff.Tensor{l.Weight, l.Bias}
}

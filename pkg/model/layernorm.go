package model

import (
	"fmt"

	"github.com/citesum/citesum/pkg/autodiff"
)

// LayerNorm normalizes each row with learned scale and shift.
type LayerNorm struct {
	Gamma *autodiff.Tensor
	Beta  *autodiff.Tensor
	Eps   float64
}

// NewLayerNorm creates a layer normalization over dim features.
func NewLayerNorm(dim int, name string) (*LayerNorm, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("layer norm dimension must be positive, got %d", dim)
	}
	gamma, err := autodiff.NewZerosTensor(1, dim, &autodiff.TensorConfig{
		RequiresGrad: true,
		Name:         name + ".gamma",
	})
	if err != nil {
		return nil, err
	}
	gamma.Data.Fill(1.0)
	beta, err := autodiff.NewZerosTensor(1, dim, &autodiff.TensorConfig{
		RequiresGrad: true,
		Name:         name + ".beta",
	})
	if err != nil {
		return nil, err
	}
	return &LayerNorm{Gamma: gamma, Beta: beta, Eps: 1e-6}, nil
}

// Forward normalizes each row of x.
func (ln *LayerNorm) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	return autodiff.LayerNorm(x, ln.Gamma, ln.Beta, ln.Eps)
}

// Parameters returns the learned tensors of the layer.
func (ln *LayerNorm) Parameters() []*autodiff.Tensor {
	return []*autodiff.Tensor{ln.Gamma, ln.Beta}
}

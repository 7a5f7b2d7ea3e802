package model

import "github.com/citesum/citesum/pkg/autodiff"

// LayerCache stores the attention projections accumulated for one decoder
// layer of one example during incremental decoding. Each slot starts nil and,
// once filled, its row count only grows across steps: the self slots gain a
// row per decoded token, the memory slots are computed on the first step and
// reused afterwards.
type LayerCache struct {
	SelfKeys          *autodiff.Tensor
	SelfValues        *autodiff.Tensor
	MemoryKeys        *autodiff.Tensor
	MemoryValues      *autodiff.Tensor
	GraphMemoryKeys   *autodiff.Tensor
	GraphMemoryValues *autodiff.Tensor
}

// TensorVisitor transforms one cache tensor, e.g. to reorder beam hypotheses
// or detach state from the autograd tape.
type TensorVisitor interface {
	Visit(t *autodiff.Tensor) *autodiff.Tensor
}

// TensorVisitorFunc adapts a function to the TensorVisitor interface.
type TensorVisitorFunc func(t *autodiff.Tensor) *autodiff.Tensor

// Visit calls f(t).
func (f TensorVisitorFunc) Visit(t *autodiff.Tensor) *autodiff.Tensor { return f(t) }

// Apply replaces every non-nil slot with the visitor's transform of it.
func (c *LayerCache) Apply(v TensorVisitor) {
	slots := []**autodiff.Tensor{
		&c.SelfKeys, &c.SelfValues,
		&c.MemoryKeys, &c.MemoryValues,
		&c.GraphMemoryKeys, &c.GraphMemoryValues,
	}
	for _, slot := range slots {
		if *slot != nil {
			*slot = v.Visit(*slot)
		}
	}
}

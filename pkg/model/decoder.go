package model

import (
	"math/rand"

	"github.com/citesum/citesum/pkg/autodiff"
)

// DecoderLayer is one Transformer block: causal self-attention over the
// decoded prefix, cross-attention over the graph memory bank, cross-attention
// over the document memory bank, then the feed-forward sublayer. Each
// sublayer uses pre-normalization with a residual connection.
type DecoderLayer struct {
	SelfAttn    *MultiHeadAttention
	GraphAttn   *MultiHeadAttention
	ContextAttn *MultiHeadAttention
	FeedForward *FeedForward
	Norm1       *LayerNorm
	Norm2       *LayerNorm
	Norm3       *LayerNorm

	ModelDim int
	MaxLen   int

	dropout float64
	rng     *rand.Rand
}

// NewDecoderLayer creates a decoder layer from the configuration.
func NewDecoderLayer(cfg *Config, rng *rand.Rand) (*DecoderLayer, error) {
	dl := &DecoderLayer{
		ModelDim: cfg.ModelDim,
		MaxLen:   cfg.MaxLen,
		dropout:  cfg.Dropout,
		rng:      rng,
	}
	var err error
	if dl.SelfAttn, err = NewMultiHeadAttention(cfg.NumHeads, cfg.ModelDim, cfg.Dropout, rng); err != nil {
		return nil, err
	}
	if dl.GraphAttn, err = NewMultiHeadAttention(cfg.NumHeads, cfg.ModelDim, cfg.Dropout, rng); err != nil {
		return nil, err
	}
	if dl.ContextAttn, err = NewMultiHeadAttention(cfg.NumHeads, cfg.ModelDim, cfg.Dropout, rng); err != nil {
		return nil, err
	}
	if dl.FeedForward, err = NewFeedForward(cfg.ModelDim, cfg.FFNHiddenDim, cfg.Dropout, rng); err != nil {
		return nil, err
	}
	if dl.Norm1, err = NewLayerNorm(cfg.ModelDim, "layer.norm1"); err != nil {
		return nil, err
	}
	if dl.Norm2, err = NewLayerNorm(cfg.ModelDim, "layer.norm2"); err != nil {
		return nil, err
	}
	if dl.Norm3, err = NewLayerNorm(cfg.ModelDim, "layer.norm3"); err != nil {
		return nil, err
	}
	return dl, nil
}

// Forward runs one example through the layer. It returns the layer output
// and the accumulated pre-normalization input ("all input"): the normalized
// current step concatenated onto any previous-step history, which the caller
// saves so the next teacher-forced call can resume without recomputing
// earlier positions.
//
// previousInput carries the history in incremental no-cache mode; cache
// carries accumulated projections in incremental cached mode. With either
// present the causal mask is skipped, since only the new step is unmasked.
func (dl *DecoderLayer) Forward(input, memoryBank, graphMemory *autodiff.Tensor,
	srcPadMask, graphPadMask, tgtPadMask [][]bool,
	previousInput *autodiff.Tensor, cache *LayerCache, training bool) (*autodiff.Tensor, *autodiff.Tensor, error) {

	var decMask [][]bool
	if previousInput == nil && cache == nil {
		var err error
		if decMask, err = CausalMask(tgtPadMask, dl.MaxLen); err != nil {
			return nil, nil, err
		}
	}

	// 1) causal self-attention
	inputNorm, err := dl.Norm1.Forward(input)
	if err != nil {
		return nil, nil, err
	}
	allInput := inputNorm
	if previousInput != nil {
		if allInput, err = autodiff.ConcatRows(previousInput, inputNorm); err != nil {
			return nil, nil, err
		}
	}
	query, err := dl.SelfAttn.Forward(allInput, allInput, inputNorm, decMask, cache, AttentionSelf, training)
	if err != nil {
		return nil, nil, err
	}
	if query, err = autodiff.Dropout(query, dl.dropout, training, dl.rng); err != nil {
		return nil, nil, err
	}
	if query, err = autodiff.Add(query, input); err != nil {
		return nil, nil, err
	}

	// 2) cross-attention over the graph memory bank
	queryNorm, err := dl.Norm2.Forward(query)
	if err != nil {
		return nil, nil, err
	}
	queryGraph, err := dl.GraphAttn.Forward(graphMemory, graphMemory, queryNorm, graphPadMask, cache, AttentionGraph, training)
	if err != nil {
		return nil, nil, err
	}
	if queryGraph, err = autodiff.Dropout(queryGraph, dl.dropout, training, dl.rng); err != nil {
		return nil, nil, err
	}
	queryG, err := autodiff.Add(queryGraph, query)
	if err != nil {
		return nil, nil, err
	}

	// 3) cross-attention over the document memory bank
	queryGNorm, err := dl.Norm3.Forward(queryG)
	if err != nil {
		return nil, nil, err
	}
	mid, err := dl.ContextAttn.Forward(memoryBank, memoryBank, queryGNorm, srcPadMask, cache, AttentionContext, training)
	if err != nil {
		return nil, nil, err
	}
	if mid, err = autodiff.Dropout(mid, dl.dropout, training, dl.rng); err != nil {
		return nil, nil, err
	}
	ffIn, err := autodiff.Add(mid, queryG)
	if err != nil {
		return nil, nil, err
	}

	// 4) feed-forward
	output, err := dl.FeedForward.Forward(ffIn, training)
	if err != nil {
		return nil, nil, err
	}
	return output, allInput, nil
}

// Parameters returns the learned tensors of the layer.
func (dl *DecoderLayer) Parameters() []*autodiff.Tensor {
	var params []*autodiff.Tensor
	for _, a := range []*MultiHeadAttention{dl.SelfAttn, dl.GraphAttn, dl.ContextAttn} {
		params = append(params, a.Parameters()...)
	}
	params = append(params, dl.FeedForward.Parameters()...)
	for _, n := range []*LayerNorm{dl.Norm1, dl.Norm2, dl.Norm3} {
		params = append(params, n.Parameters()...)
	}
	return params
}

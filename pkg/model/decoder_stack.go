package model

import (
	"fmt"
	"math/rand"

	"github.com/citesum/citesum/pkg/autodiff"
)

// Decoder stacks N decoder layers over embedded target tokens conditioned on
// a document memory bank and a graph memory bank. Batches are slices of
// per-example tensors; beam hypotheses are additional batch entries, not
// separate threads.
type Decoder struct {
	Config     *Config
	Embeddings *Embeddings
	PosEnc     *PositionalEncoding
	Layers     []*DecoderLayer
	FinalNorm  *LayerNorm

	// Training enables dropout throughout the stack.
	Training bool
}

// NewDecoder creates a decoder stack from the configuration.
func NewDecoder(cfg *Config, rng *rand.Rand) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decoder config: %w", err)
	}

	d := &Decoder{Config: cfg}
	var err error
	if d.Embeddings, err = NewEmbeddings(cfg.VocabSize, cfg.ModelDim, cfg.PadID, rng); err != nil {
		return nil, err
	}
	if d.PosEnc, err = NewPositionalEncoding(cfg.ModelDim, cfg.MaxLen, cfg.Dropout, rng); err != nil {
		return nil, err
	}
	d.Layers = make([]*DecoderLayer, cfg.NumLayers)
	for i := range d.Layers {
		if d.Layers[i], err = NewDecoderLayer(cfg, rng); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	if d.FinalNorm, err = NewLayerNorm(cfg.ModelDim, "decoder.norm"); err != nil {
		return nil, err
	}
	return d, nil
}

// InitState creates a fresh decoding state over the source and graph token
// ids. With withCache true the state starts in cached mode, each layer's
// cache record empty and ready for progressive fill.
func (d *Decoder) InitState(src, graphSrc [][]int, withCache bool) *DecoderState {
	state := NewDecoderState(src, graphSrc)
	if withCache {
		state.initCache(d.Config.NumLayers)
	}
	return state
}

// Forward runs the full stack over a batch of target prefixes. step is the
// positional offset of the first target token (non-zero during incremental
// decoding). memoryMasks and graphMasks optionally override the pad masks
// derived from the state's token ids; each entry is a per-key pad row.
//
// It returns one normalized [tgtLen x modelDim] output per example and the
// state to use for the next call: a successor state carrying each layer's
// input history when not in cached mode, or the same state (its caches grown
// in place) when cached.
func (d *Decoder) Forward(tgt [][]int, memoryBank, graphMemory []*autodiff.Tensor,
	state *DecoderState, step int, memoryMasks, graphMasks [][]bool) ([]*autodiff.Tensor, *DecoderState, error) {

	batch := len(tgt)
	if len(memoryBank) != batch || len(graphMemory) != batch {
		return nil, nil, fmt.Errorf("batch size mismatch: tgt=%d, memory=%d, graph=%d",
			batch, len(memoryBank), len(graphMemory))
	}
	if len(state.Src) != batch || len(state.GraphSrc) != batch {
		return nil, nil, fmt.Errorf("state batch size mismatch: tgt=%d, src=%d, graph_src=%d",
			batch, len(state.Src), len(state.GraphSrc))
	}
	if memoryMasks != nil && len(memoryMasks) != batch {
		return nil, nil, fmt.Errorf("memory masks cover %d examples, batch has %d", len(memoryMasks), batch)
	}
	if graphMasks != nil && len(graphMasks) != batch {
		return nil, nil, fmt.Errorf("graph masks cover %d examples, batch has %d", len(graphMasks), batch)
	}

	padID := d.Config.PadID
	outputs := make([]*autodiff.Tensor, batch)
	var savedInputs [][]*autodiff.Tensor
	if state.Mode != ModeIncrementalCached {
		savedInputs = make([][]*autodiff.Tensor, d.Config.NumLayers)
		for i := range savedInputs {
			savedInputs[i] = make([]*autodiff.Tensor, batch)
		}
	}

	for b := 0; b < batch; b++ {
		emb, err := d.Embeddings.Forward(tgt[b])
		if err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", b, err)
		}
		output, err := d.PosEnc.Forward(emb, step, d.Training)
		if err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", b, err)
		}

		tgtLen := len(tgt[b])
		tgtPadMask := TargetPadMask(tgt[b], padID)

		var srcPadMask [][]bool
		if memoryMasks != nil {
			srcPadMask = expandRows(memoryMasks[b], tgtLen)
		} else {
			srcPadMask = MemoryPadMask(state.Src[b], padID, tgtLen)
		}
		var graphPadMask [][]bool
		if graphMasks != nil {
			graphPadMask = expandRows(graphMasks[b], tgtLen)
		} else {
			graphPadMask = MemoryPadMask(state.GraphSrc[b], padID, tgtLen)
		}

		for i, layer := range d.Layers {
			var prevInput *autodiff.Tensor
			var cache *LayerCache
			switch state.Mode {
			case ModeIncrementalNoCache:
				prevInput = state.PreviousLayerInputs[i][b]
			case ModeIncrementalCached:
				cache = state.Cache[i][b]
			}

			var allInput *autodiff.Tensor
			output, allInput, err = layer.Forward(output, memoryBank[b], graphMemory[b],
				srcPadMask, graphPadMask, tgtPadMask, prevInput, cache, d.Training)
			if err != nil {
				return nil, nil, fmt.Errorf("example %d, layer %d: %w", b, i, err)
			}
			if savedInputs != nil {
				savedInputs[i][b] = allInput
			}
		}

		if outputs[b], err = d.FinalNorm.Forward(output); err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", b, err)
		}
	}

	if state.Mode != ModeIncrementalCached {
		state = state.Update(tgt, savedInputs)
	}
	return outputs, state, nil
}

// Parameters returns every learned tensor of the stack.
func (d *Decoder) Parameters() []*autodiff.Tensor {
	params := []*autodiff.Tensor{d.Embeddings.Weights}
	for _, layer := range d.Layers {
		params = append(params, layer.Parameters()...)
	}
	params = append(params, d.FinalNorm.Parameters()...)
	return params
}

package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/citesum/citesum/pkg/autodiff"
)

// AttentionKind tags an attention call so a shared layer cache can locate
// the slot holding that call's accumulated projections.
type AttentionKind int

const (
	// AttentionSelf attends over the decoded prefix.
	AttentionSelf AttentionKind = iota
	// AttentionGraph attends over the citation-graph memory bank.
	AttentionGraph
	// AttentionContext attends over the document memory bank.
	AttentionContext
)

// String returns the cache-slot name of the attention kind.
func (k AttentionKind) String() string {
	switch k {
	case AttentionSelf:
		return "self"
	case AttentionGraph:
		return "g_context"
	case AttentionContext:
		return "context"
	}
	return fmt.Sprintf("AttentionKind(%d)", int(k))
}

// MultiHeadAttention implements scaled dot-product attention over multiple
// heads with optional incremental caching of key/value projections.
type MultiHeadAttention struct {
	NumHeads int
	ModelDim int
	headDim  int

	Query *Linear
	Key   *Linear
	Value *Linear
	Out   *Linear

	dropout float64
	rng     *rand.Rand
}

// NewMultiHeadAttention creates a multi-head attention block.
func NewMultiHeadAttention(numHeads, modelDim int, dropout float64, rng *rand.Rand) (*MultiHeadAttention, error) {
	if numHeads <= 0 || modelDim <= 0 {
		return nil, fmt.Errorf("attention dimensions must be positive: heads=%d, dim=%d", numHeads, modelDim)
	}
	if modelDim%numHeads != 0 {
		return nil, fmt.Errorf("model dim %d not divisible by %d heads", modelDim, numHeads)
	}

	mha := &MultiHeadAttention{
		NumHeads: numHeads,
		ModelDim: modelDim,
		headDim:  modelDim / numHeads,
		dropout:  dropout,
		rng:      rng,
	}
	var err error
	if mha.Query, err = NewLinear(modelDim, modelDim, rng, "attn.query"); err != nil {
		return nil, err
	}
	if mha.Key, err = NewLinear(modelDim, modelDim, rng, "attn.key"); err != nil {
		return nil, err
	}
	if mha.Value, err = NewLinear(modelDim, modelDim, rng, "attn.value"); err != nil {
		return nil, err
	}
	if mha.Out, err = NewLinear(modelDim, modelDim, rng, "attn.out"); err != nil {
		return nil, err
	}
	return mha, nil
}

// projectKV produces the key/value projections for this call, consulting and
// updating the layer cache slot selected by kind. Self projections are
// appended to the cached prefix; memory projections are computed once and
// reused on later steps.
func (mha *MultiHeadAttention) projectKV(key, value *autodiff.Tensor, cache *LayerCache, kind AttentionKind) (*autodiff.Tensor, *autodiff.Tensor, error) {
	switch kind {
	case AttentionSelf:
		k, err := mha.Key.Forward(key)
		if err != nil {
			return nil, nil, err
		}
		v, err := mha.Value.Forward(value)
		if err != nil {
			return nil, nil, err
		}
		if cache != nil {
			if cache.SelfKeys != nil {
				if k, err = autodiff.ConcatRows(cache.SelfKeys, k); err != nil {
					return nil, nil, err
				}
				if v, err = autodiff.ConcatRows(cache.SelfValues, v); err != nil {
					return nil, nil, err
				}
			}
			cache.SelfKeys = k
			cache.SelfValues = v
		}
		return k, v, nil

	case AttentionGraph:
		if cache != nil && cache.GraphMemoryKeys != nil {
			return cache.GraphMemoryKeys, cache.GraphMemoryValues, nil
		}
		k, err := mha.Key.Forward(key)
		if err != nil {
			return nil, nil, err
		}
		v, err := mha.Value.Forward(value)
		if err != nil {
			return nil, nil, err
		}
		if cache != nil {
			cache.GraphMemoryKeys = k
			cache.GraphMemoryValues = v
		}
		return k, v, nil

	case AttentionContext:
		if cache != nil && cache.MemoryKeys != nil {
			return cache.MemoryKeys, cache.MemoryValues, nil
		}
		k, err := mha.Key.Forward(key)
		if err != nil {
			return nil, nil, err
		}
		v, err := mha.Value.Forward(value)
		if err != nil {
			return nil, nil, err
		}
		if cache != nil {
			cache.MemoryKeys = k
			cache.MemoryValues = v
		}
		return k, v, nil
	}
	return nil, nil, fmt.Errorf("unknown attention kind %v", kind)
}

// Forward computes attention with query rows attending over key/value rows.
// mask[i][j] == true forbids query row i from attending to key row j; a nil
// mask allows everything. The cache, when non-nil, is read and mutated
// according to kind.
func (mha *MultiHeadAttention) Forward(key, value, query *autodiff.Tensor, mask [][]bool,
	cache *LayerCache, kind AttentionKind, training bool) (*autodiff.Tensor, error) {

	if key.Cols() != mha.ModelDim || value.Cols() != mha.ModelDim || query.Cols() != mha.ModelDim {
		return nil, fmt.Errorf("attention expects %d columns, got key=%d, value=%d, query=%d",
			mha.ModelDim, key.Cols(), value.Cols(), query.Cols())
	}

	q, err := mha.Query.Forward(query)
	if err != nil {
		return nil, err
	}
	k, v, err := mha.projectKV(key, value, cache, kind)
	if err != nil {
		return nil, err
	}

	scale := 1.0 / math.Sqrt(float64(mha.headDim))
	heads := make([]*autodiff.Tensor, mha.NumHeads)
	for h := 0; h < mha.NumHeads; h++ {
		qh, err := autodiff.SliceCols(q, h*mha.headDim, mha.headDim)
		if err != nil {
			return nil, err
		}
		kh, err := autodiff.SliceCols(k, h*mha.headDim, mha.headDim)
		if err != nil {
			return nil, err
		}
		vh, err := autodiff.SliceCols(v, h*mha.headDim, mha.headDim)
		if err != nil {
			return nil, err
		}

		khT, err := autodiff.Transpose(kh)
		if err != nil {
			return nil, err
		}
		scores, err := autodiff.MatMul(qh, khT)
		if err != nil {
			return nil, err
		}
		if scores, err = autodiff.ScalarMultiply(scores, scale); err != nil {
			return nil, err
		}

		probs, err := autodiff.MaskedSoftmax(scores, mask)
		if err != nil {
			return nil, fmt.Errorf("%v attention: %w", kind, err)
		}
		if probs, err = autodiff.Dropout(probs, mha.dropout, training, mha.rng); err != nil {
			return nil, err
		}

		if heads[h], err = autodiff.MatMul(probs, vh); err != nil {
			return nil, err
		}
	}

	concat, err := autodiff.ConcatCols(heads)
	if err != nil {
		return nil, err
	}
	return mha.Out.Forward(concat)
}

// Parameters returns the learned tensors of the block.
func (mha *MultiHeadAttention) Parameters() []*autodiff.Tensor {
	var params []*autodiff.Tensor
	for _, l := range []*Linear{mha.Query, mha.Key, mha.Value, mha.Out} {
		params = append(params, l.Parameters()...)
	}
	return params
}

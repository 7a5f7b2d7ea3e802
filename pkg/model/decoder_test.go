package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/citesum/citesum/pkg/autodiff"
)

func testConfig() *Config {
	return &Config{
		VocabSize:    12,
		ModelDim:     8,
		NumLayers:    2,
		NumHeads:     2,
		FFNHiddenDim: 16,
		Dropout:      0,
		MaxLen:       50,
		PadID:        0,
	}
}

func randomBank(t *testing.T, rows, cols int, seed int64) *autodiff.Tensor {
	t.Helper()
	bank, err := autodiff.NewRandomTensor(rows, cols, rand.New(rand.NewSource(seed)), nil)
	require.NoError(t, err)
	return bank
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	cfg.NumHeads = 3
	require.Error(t, cfg.Validate(), "model dim 8 is not divisible by 3 heads")

	cfg = testConfig()
	cfg.PadID = cfg.VocabSize
	require.Error(t, cfg.Validate())
}

func TestForwardShapesAndStateUpdate(t *testing.T) {
	cfg := testConfig()
	dec, err := NewDecoder(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	src := [][]int{{3, 4, 5, 0}, {6, 7, 0, 0}}
	graphSrc := [][]int{{8, 9}, {10, 0}}
	tgt := [][]int{{1, 2, 3}, {4, 5, 0}}
	memory := []*autodiff.Tensor{
		randomBank(t, 4, cfg.ModelDim, 2),
		randomBank(t, 4, cfg.ModelDim, 3),
	}
	graph := []*autodiff.Tensor{
		randomBank(t, 2, cfg.ModelDim, 4),
		randomBank(t, 2, cfg.ModelDim, 5),
	}

	state := dec.InitState(src, graphSrc, false)
	require.Equal(t, ModeFreshBatch, state.Mode)

	outputs, next, err := dec.Forward(tgt, memory, graph, state, 0, nil, nil)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	for b, out := range outputs {
		require.Equal(t, len(tgt[b]), out.Rows())
		require.Equal(t, cfg.ModelDim, out.Cols())
	}

	require.Equal(t, ModeIncrementalNoCache, next.Mode)
	require.Len(t, next.PreviousLayerInputs, cfg.NumLayers)
	for _, layer := range next.PreviousLayerInputs {
		require.Len(t, layer, 2)
		for b, saved := range layer {
			require.Equal(t, len(tgt[b]), saved.Rows())
		}
	}
	require.Equal(t, tgt, next.PreviousInput)
}

// Decoding one token at a time with the layer cache must reproduce the
// single full forward pass over the same prefix.
func TestIncrementalCachedMatchesFullForward(t *testing.T) {
	cfg := testConfig()
	dec, err := NewDecoder(cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	src := [][]int{{3, 4, 5, 6, 0}}
	graphSrc := [][]int{{7, 8, 9}}
	tgt := []int{1, 2, 3, 4}
	memory := []*autodiff.Tensor{randomBank(t, 5, cfg.ModelDim, 8)}
	graph := []*autodiff.Tensor{randomBank(t, 3, cfg.ModelDim, 9)}

	full, _, err := dec.Forward([][]int{tgt}, memory, graph, dec.InitState(src, graphSrc, false), 0, nil, nil)
	require.NoError(t, err)

	state := dec.InitState(src, graphSrc, true)
	require.Equal(t, ModeIncrementalCached, state.Mode)
	for step, tok := range tgt {
		outputs, next, err := dec.Forward([][]int{{tok}}, memory, graph, state, step, nil, nil)
		require.NoError(t, err)
		require.Same(t, state, next, "cached state mutates in place")
		require.Equal(t, 1, outputs[0].Rows())

		for j := 0; j < cfg.ModelDim; j++ {
			require.InDelta(t, full[0].Data.Data[step][j], outputs[0].Data.Data[0][j], 1e-9,
				"step %d, dim %d", step, j)
		}
	}

	// Cache time dimensions grew to the full prefix length.
	for _, layer := range state.Cache {
		require.Equal(t, len(tgt), layer[0].SelfKeys.Rows())
		require.Equal(t, 5, layer[0].MemoryKeys.Rows())
		require.Equal(t, 3, layer[0].GraphMemoryKeys.Rows())
	}
}

// The causal mask must stop gradient flow from output position i to target
// positions j > i. Each position gets a distinct token id, so leakage would
// show up in that token's embedding gradient row.
func TestCausalMaskBlocksFuturePositions(t *testing.T) {
	cfg := testConfig()
	dec, err := NewDecoder(cfg, rand.New(rand.NewSource(11)))
	require.NoError(t, err)

	src := [][]int{{9, 10, 0}}
	graphSrc := [][]int{{11, 0}}
	tgt := []int{1, 2, 3}
	memory := []*autodiff.Tensor{randomBank(t, 3, cfg.ModelDim, 12)}
	graph := []*autodiff.Tensor{randomBank(t, 2, cfg.ModelDim, 13)}

	outputs, _, err := dec.Forward([][]int{tgt}, memory, graph, dec.InitState(src, graphSrc, false), 0, nil, nil)
	require.NoError(t, err)

	// Backpropagate from the first output position only.
	row0, err := autodiff.Gather(outputs[0], []int{0})
	require.NoError(t, err)
	loss, err := autodiff.Sum(row0)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	grads := dec.Embeddings.Weights.Grad
	require.NotNil(t, grads)
	sumAbs := 0.0
	for j := 0; j < cfg.ModelDim; j++ {
		if g := grads.Data[tgt[0]][j]; g < 0 {
			sumAbs -= g
		} else {
			sumAbs += g
		}
	}
	require.NotZero(t, sumAbs, "position 0 must receive gradient")
	for _, future := range tgt[1:] {
		for j := 0; j < cfg.ModelDim; j++ {
			require.Zero(t, grads.Data[future][j],
				"token %d is after position 0 and must receive no gradient", future)
		}
	}
}

func TestForwardRejectsMismatchedBatch(t *testing.T) {
	cfg := testConfig()
	dec, err := NewDecoder(cfg, rand.New(rand.NewSource(17)))
	require.NoError(t, err)

	state := dec.InitState([][]int{{1, 2}}, [][]int{{3}}, false)
	memory := []*autodiff.Tensor{randomBank(t, 2, cfg.ModelDim, 18)}
	_, _, err = dec.Forward([][]int{{1}, {2}}, memory, memory, state, 0, nil, nil)
	require.Error(t, err)
}

func TestCausalMaskRejectsOverlongTarget(t *testing.T) {
	pad := TargetPadMask(make([]int, 6), 0)
	_, err := CausalMask(pad, 5)
	require.Error(t, err)

	mask, err := CausalMask(TargetPadMask([]int{1, 2, 0}, 0), 5)
	require.NoError(t, err)
	require.True(t, mask[0][1], "future position")
	require.False(t, mask[1][0], "past non-pad position")
	require.True(t, mask[1][2], "future pad position")
	require.True(t, mask[2][2], "pad position stays masked even for itself")
}

package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/citesum/citesum/pkg/autodiff"
)

func TestStateModesCarryOnlyTheirFields(t *testing.T) {
	cfg := testConfig()
	dec, err := NewDecoder(cfg, rand.New(rand.NewSource(31)))
	require.NoError(t, err)

	src := [][]int{{1, 2}, {3, 4}}
	graphSrc := [][]int{{5}, {6}}

	fresh := dec.InitState(src, graphSrc, false)
	require.Equal(t, ModeFreshBatch, fresh.Mode)
	require.Nil(t, fresh.PreviousLayerInputs)
	require.Nil(t, fresh.Cache)

	cached := dec.InitState(src, graphSrc, true)
	require.Equal(t, ModeIncrementalCached, cached.Mode)
	require.Nil(t, cached.PreviousLayerInputs)
	require.Len(t, cached.Cache, cfg.NumLayers)
	for _, layer := range cached.Cache {
		require.Len(t, layer, len(src))
		for _, c := range layer {
			require.Nil(t, c.SelfKeys)
			require.Nil(t, c.MemoryKeys)
			require.Nil(t, c.GraphMemoryKeys)
		}
	}
}

func TestUpdateProducesSuccessorState(t *testing.T) {
	state := NewDecoderState([][]int{{1, 2}}, [][]int{{3}})
	saved := [][]*autodiff.Tensor{{randomBank(t, 2, 4, 32)}}

	next := state.Update([][]int{{7, 8}}, saved)
	require.NotSame(t, state, next)
	require.Equal(t, ModeIncrementalNoCache, next.Mode)
	require.Equal(t, [][]int{{7, 8}}, next.PreviousInput)
	require.Equal(t, saved, next.PreviousLayerInputs)
	require.Equal(t, state.Src, next.Src)
	require.Equal(t, state.GraphSrc, next.GraphSrc)

	// The original state is untouched.
	require.Equal(t, ModeFreshBatch, state.Mode)
	require.Nil(t, state.PreviousLayerInputs)
}

func TestDetachAllDisconnectsHistory(t *testing.T) {
	leaf := randomInput(t, 2, 4, 33)
	doubled, err := autodiff.ScalarMultiply(leaf, 2)
	require.NoError(t, err)

	state := NewDecoderState([][]int{{1, 2}}, [][]int{{3}})
	state = state.Update([][]int{{4, 5}}, [][]*autodiff.Tensor{{doubled}})
	state.DetachAll()

	got := state.PreviousLayerInputs[0][0]
	require.False(t, got.Requires)
	require.Nil(t, got.Children)
	require.Equal(t, doubled.Data, got.Data, "detach shares the data")
}

func TestDetachAllVisitsCache(t *testing.T) {
	cfg := testConfig()
	dec, err := NewDecoder(cfg, rand.New(rand.NewSource(34)))
	require.NoError(t, err)

	state := dec.InitState([][]int{{1, 2, 3}}, [][]int{{4}}, true)
	memory := []*autodiff.Tensor{randomBank(t, 3, cfg.ModelDim, 35)}
	graph := []*autodiff.Tensor{randomBank(t, 1, cfg.ModelDim, 36)}
	// The projections flow through learned weights, so cache entries join
	// the tape.
	_, _, err = dec.Forward([][]int{{5}}, memory, graph, state, 0, nil, nil)
	require.NoError(t, err)
	require.True(t, state.Cache[0][0].SelfKeys.Requires)

	state.DetachAll()
	for _, layer := range state.Cache {
		for _, c := range layer {
			require.False(t, c.SelfKeys.Requires)
			require.Nil(t, c.SelfKeys.Children)
		}
	}
}

func TestRepeatBeamSizeTimes(t *testing.T) {
	state := NewDecoderState([][]int{{1, 2}, {3, 4}}, [][]int{{9}, {8}})
	state.RepeatBeamSizeTimes(3)

	require.Len(t, state.Src, 6)
	require.Equal(t, []int{1, 2}, state.Src[0])
	require.Equal(t, []int{3, 4}, state.Src[1])
	require.Equal(t, []int{1, 2}, state.Src[2])

	// Documents the current graph replication: the graph ids are rebuilt by
	// tiling the already-tiled source ids.
	require.Len(t, state.GraphSrc, 18)
	require.Equal(t, []int{1, 2}, state.GraphSrc[0])
}

func TestApplyVisitorTransformsCacheSlots(t *testing.T) {
	state := NewDecoderState([][]int{{1}}, [][]int{{2}})
	state.Mode = ModeIncrementalCached
	state.Cache = [][]*LayerCache{{{
		SelfKeys:   randomInput(t, 2, 4, 37),
		SelfValues: randomInput(t, 2, 4, 38),
	}}}

	visited := 0
	state.Apply(TensorVisitorFunc(func(ts *autodiff.Tensor) *autodiff.Tensor {
		visited++
		return ts.Detach()
	}))
	require.Equal(t, 2, visited, "only the filled slots are visited")
	require.False(t, state.Cache[0][0].SelfKeys.Requires)
	require.Nil(t, state.Cache[0][0].MemoryKeys)
}

func randomInput(t *testing.T, rows, cols int, seed int64) *autodiff.Tensor {
	t.Helper()
	in, err := autodiff.NewRandomTensor(rows, cols, rand.New(rand.NewSource(seed)),
		&autodiff.TensorConfig{RequiresGrad: true})
	require.NoError(t, err)
	return in
}

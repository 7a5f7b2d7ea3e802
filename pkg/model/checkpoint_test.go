package model

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/citesum/citesum/pkg/autodiff"
)

func TestCheckpointRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dec, err := NewDecoder(testConfig(), rng)
	require.NoError(t, err)
	params := dec.Parameters()

	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, SaveParameters(path, params))

	other, err := NewDecoder(testConfig(), rand.New(rand.NewSource(8)))
	require.NoError(t, err)
	restored := other.Parameters()
	require.NoError(t, LoadParameters(path, restored))

	for i := range params {
		require.Equal(t, params[i].Data.Data, restored[i].Data.Data, "parameter %d (%s)", i, params[i].Name)
	}
}

func TestLoadParametersRejectsMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	a, err := autodiff.NewRandomTensor(2, 3, rng, &autodiff.TensorConfig{RequiresGrad: true})
	require.NoError(t, err)
	b, err := autodiff.NewRandomTensor(3, 3, rng, &autodiff.TensorConfig{RequiresGrad: true})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pair.ckpt")
	require.NoError(t, SaveParameters(path, []*autodiff.Tensor{a, b}))

	require.Error(t, LoadParameters(path, []*autodiff.Tensor{a}), "parameter count mismatch")
	require.Error(t, LoadParameters(path, []*autodiff.Tensor{b, a}), "shape mismatch")
}

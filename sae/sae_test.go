package sae

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Run("latents are non-negative", func(t *testing.T) {
		s := New(0, 4, 6, 1)
		x := []float32{0.5, -1.2, 0.3, 2.0, -0.4, 0.1, 0.9, -2.1}

		latents := s.Encode(x, 2)

		require.Len(t, latents, 2*6)
		for _, v := range latents {
			assert.GreaterOrEqual(t, v, float32(0))
		}
	})

	t.Run("accumulates activation counters", func(t *testing.T) {
		s := New(0, 4, 6, 1)
		s.ResetActivatedLatents(0)
		x := []float32{0.5, -1.2, 0.3, 2.0}

		latents := s.Encode(x, 1)

		counts := s.LatentTotalAct()
		for l := 0; l < 6; l++ {
			assert.InDelta(t, latents[l], counts[l], 1e-6)
		}
	})

	t.Run("counting respects the token scope", func(t *testing.T) {
		s := New(0, 2, 3, 2)
		s.ResetActivatedLatents(1)
		x := []float32{1, 2, 3, 4} // two tokens

		latents := s.Encode(x, 2)

		counts := s.LatentTotalAct()
		for l := 0; l < 3; l++ {
			assert.InDelta(t, latents[l], counts[l], 1e-6,
				"only the first token should be counted")
		}
	})

	t.Run("reset zeroes counters", func(t *testing.T) {
		s := New(0, 2, 3, 2)
		s.Encode([]float32{1, 2}, 1)
		s.ResetActivatedLatents(0)

		for _, c := range s.LatentTotalAct() {
			assert.Zero(t, c)
		}
	})
}

func TestDecode(t *testing.T) {
	t.Run("contributions plus bias reproduce the reconstruction", func(t *testing.T) {
		s := New(1, 4, 6, 3)
		x := []float32{0.5, -1.2, 0.3, 2.0, 1.1, 0.2, -0.7, 0.4}

		latents := s.Encode(x, 2)
		recon := s.Decode(latents, 2)
		contrib := s.LatentContributions(latents, 2)

		for tok := 0; tok < 2; tok++ {
			for c := 0; c < 4; c++ {
				sum := s.DecBias[c]
				for l := 0; l < 6; l++ {
					sum += contrib[(tok*6+l)*4+c]
				}
				assert.InDelta(t, recon[tok*4+c], sum, 1e-4)
			}
		}
	})

	t.Run("inactive latents contribute nothing", func(t *testing.T) {
		s := New(0, 2, 3, 1)
		latents := []float32{0, 1.5, 0}

		contrib := s.LatentContributions(latents, 1)

		for c := 0; c < 2; c++ {
			assert.Zero(t, contrib[0*2+c], "latent 0 is inactive")
			assert.Zero(t, contrib[2*2+c], "latent 2 is inactive")
			assert.InDelta(t, 1.5*s.DecWeights[1*2+c], contrib[1*2+c], 1e-6)
		}
	})
}

func TestPruneLatents(t *testing.T) {
	t.Run("keeps the selected latents in order", func(t *testing.T) {
		s := New(0, 4, 6, 5)
		orig := s.Clone()

		require.NoError(t, s.PruneLatents([]int{4, 1}))

		assert.Equal(t, 2, s.NLatents())
		assert.Equal(t, 4, s.NInputs())
		for c := 0; c < 4; c++ {
			assert.Equal(t, orig.EncWeights[c*6+4], s.EncWeights[c*2+0])
			assert.Equal(t, orig.EncWeights[c*6+1], s.EncWeights[c*2+1])
			assert.Equal(t, orig.DecWeights[4*4+c], s.DecWeights[0*4+c])
			assert.Equal(t, orig.DecWeights[1*4+c], s.DecWeights[1*4+c])
		}
		assert.Equal(t, orig.EncBias[4], s.EncBias[0])
		assert.Equal(t, orig.EncBias[1], s.EncBias[1])
	})

	t.Run("pruned encoding matches the original subset", func(t *testing.T) {
		s := New(0, 4, 6, 5)
		pruned := s.Clone()
		require.NoError(t, pruned.PruneLatents([]int{2, 5}))

		x := []float32{0.3, -0.8, 1.4, 0.1}
		full := s.Encode(x, 1)
		sub := pruned.Encode(x, 1)

		assert.InDelta(t, full[2], sub[0], 1e-6)
		assert.InDelta(t, full[5], sub[1], 1e-6)
	})

	t.Run("rejects out-of-range indices", func(t *testing.T) {
		s := New(0, 2, 3, 1)
		assert.Error(t, s.PruneLatents([]int{3}))
		assert.Error(t, s.PruneLatents([]int{-1}))
		assert.Equal(t, 3, s.NLatents(), "failed prune must not modify the dictionary")
	})

	t.Run("pruning to zero latents decodes to the bias", func(t *testing.T) {
		s := New(0, 2, 3, 1)
		require.NoError(t, s.PruneLatents(nil))

		out := s.Decode(nil, 1)
		require.Len(t, out, 2)
		for c := 0; c < 2; c++ {
			assert.Equal(t, s.DecBias[c], out[c])
		}
	})
}

func TestClone(t *testing.T) {
	s := New(2, 4, 6, 9)
	s.Encode([]float32{1, 2, 3, 4}, 1)

	c := s.Clone()
	c.EncWeights[0] += 10
	c.LatentTotalAct()[0] += 10

	assert.NotEqual(t, s.EncWeights[0], c.EncWeights[0])
	assert.NotEqual(t, s.LatentTotalAct()[0], c.LatentTotalAct()[0])
	assert.Equal(t, s.LayerIdx, c.LayerIdx)

	// Clones encode identically until modified
	s2 := New(2, 4, 6, 9)
	a := s2.Encode([]float32{1, 2, 3, 4}, 1)
	b := s2.Clone().Encode([]float32{1, 2, 3, 4}, 1)
	for i := range a {
		assert.False(t, math.IsNaN(float64(a[i])))
		assert.Equal(t, a[i], b[i])
	}
}

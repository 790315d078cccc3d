// Package sae implements sparse autoencoders used to factorize MLP outputs
// into individually addressable latent directions.
package sae

import (
	"fmt"
	"math/rand"
)

// SparseAutoencoder decomposes a dense activation vector into a sparse
// combination of learned latent directions. It tracks cumulative per-latent
// activation mass across forward passes and supports destructive in-place
// pruning to a retained latent subset.
type SparseAutoencoder struct {
	LayerIdx int

	nInputs  int
	nLatents int

	EncWeights []float32 // [nInputs*nLatents]
	EncBias    []float32 // [nLatents]
	DecWeights []float32 // [nLatents*nInputs]
	DecBias    []float32 // [nInputs]

	latentTotalAct []float32 // cumulative activation per latent
	seqLenScope    int       // 0 = count every token, >0 = first N tokens per call
}

// New builds an autoencoder with deterministic random weights.
func New(layerIdx, nInputs, nLatents int, seed int64) *SparseAutoencoder {
	r := rand.New(rand.NewSource(seed))
	initSlice := func(n int) []float32 {
		s := make([]float32, n)
		for i := range s {
			s[i] = (r.Float32()*2 - 1) * 0.2
		}
		return s
	}
	return &SparseAutoencoder{
		LayerIdx:       layerIdx,
		nInputs:        nInputs,
		nLatents:       nLatents,
		EncWeights:     initSlice(nInputs * nLatents),
		EncBias:        make([]float32, nLatents),
		DecWeights:     initSlice(nLatents * nInputs),
		DecBias:        make([]float32, nInputs),
		latentTotalAct: make([]float32, nLatents),
	}
}

// NInputs returns the dense input width.
func (s *SparseAutoencoder) NInputs() int {
	return s.nInputs
}

// NLatents returns the current latent dictionary size.
func (s *SparseAutoencoder) NLatents() int {
	return s.nLatents
}

// ResetActivatedLatents zeroes the cumulative activation counters.
// seqLen > 0 limits subsequent counting to the first seqLen tokens of each
// Encode call.
func (s *SparseAutoencoder) ResetActivatedLatents(seqLen int) {
	s.latentTotalAct = make([]float32, s.nLatents)
	s.seqLenScope = seqLen
}

// LatentTotalAct returns the cumulative per-latent activation counters.
func (s *SparseAutoencoder) LatentTotalAct() []float32 {
	return s.latentTotalAct
}

// Encode maps nTokens dense rows to latent activations with a ReLU, and
// accumulates per-latent activation mass as a side effect.
// x: [nTokens*nInputs] -> [nTokens*nLatents].
func (s *SparseAutoencoder) Encode(x []float32, nTokens int) []float32 {
	latents := make([]float32, nTokens*s.nLatents)

	countLimit := nTokens
	if s.seqLenScope > 0 && s.seqLenScope < countLimit {
		countLimit = s.seqLenScope
	}

	for t := 0; t < nTokens; t++ {
		for l := 0; l < s.nLatents; l++ {
			sum := s.EncBias[l]
			for c := 0; c < s.nInputs; c++ {
				sum += x[t*s.nInputs+c] * s.EncWeights[c*s.nLatents+l]
			}
			if sum < 0 {
				sum = 0
			}
			latents[t*s.nLatents+l] = sum
			if t < countLimit {
				s.latentTotalAct[l] += sum
			}
		}
	}

	return latents
}

// Decode reconstructs dense rows from latent activations.
// latents: [nTokens*nLatents] -> [nTokens*nInputs].
func (s *SparseAutoencoder) Decode(latents []float32, nTokens int) []float32 {
	out := make([]float32, nTokens*s.nInputs)
	for t := 0; t < nTokens; t++ {
		for c := 0; c < s.nInputs; c++ {
			sum := s.DecBias[c]
			for l := 0; l < s.nLatents; l++ {
				sum += latents[t*s.nLatents+l] * s.DecWeights[l*s.nInputs+c]
			}
			out[t*s.nInputs+c] = sum
		}
	}
	return out
}

// LatentContributions returns each latent's individual contribution to the
// reconstruction, excluding the decoder bias:
// [nTokens*nLatents*nInputs], row t latent l = latents[t,l] * DecWeights[l,:].
func (s *SparseAutoencoder) LatentContributions(latents []float32, nTokens int) []float32 {
	out := make([]float32, nTokens*s.nLatents*s.nInputs)
	for t := 0; t < nTokens; t++ {
		for l := 0; l < s.nLatents; l++ {
			a := latents[t*s.nLatents+l]
			if a == 0 {
				continue
			}
			base := (t*s.nLatents + l) * s.nInputs
			for c := 0; c < s.nInputs; c++ {
				out[base+c] = a * s.DecWeights[l*s.nInputs+c]
			}
		}
	}
	return out
}

// PruneLatents shrinks the dictionary in place to the given latent indices,
// in the given order. Irreversible; callers that need the unpruned weights
// must Clone first.
func (s *SparseAutoencoder) PruneLatents(keep []int) error {
	for _, idx := range keep {
		if idx < 0 || idx >= s.nLatents {
			return fmt.Errorf("latent index %d out of range [0,%d)", idx, s.nLatents)
		}
	}

	n := len(keep)
	enc := make([]float32, s.nInputs*n)
	encBias := make([]float32, n)
	dec := make([]float32, n*s.nInputs)
	counts := make([]float32, n)

	for newIdx, oldIdx := range keep {
		for c := 0; c < s.nInputs; c++ {
			enc[c*n+newIdx] = s.EncWeights[c*s.nLatents+oldIdx]
			dec[newIdx*s.nInputs+c] = s.DecWeights[oldIdx*s.nInputs+c]
		}
		encBias[newIdx] = s.EncBias[oldIdx]
		counts[newIdx] = s.latentTotalAct[oldIdx]
	}

	s.EncWeights = enc
	s.EncBias = encBias
	s.DecWeights = dec
	s.latentTotalAct = counts
	s.nLatents = n
	return nil
}

// Clone deep-copies the autoencoder, counters included.
func (s *SparseAutoencoder) Clone() *SparseAutoencoder {
	cp := func(v []float32) []float32 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	return &SparseAutoencoder{
		LayerIdx:       s.LayerIdx,
		nInputs:        s.nInputs,
		nLatents:       s.nLatents,
		EncWeights:     cp(s.EncWeights),
		EncBias:        cp(s.EncBias),
		DecWeights:     cp(s.DecWeights),
		DecBias:        cp(s.DecBias),
		latentTotalAct: cp(s.latentTotalAct),
		seqLenScope:    s.seqLenScope,
	}
}

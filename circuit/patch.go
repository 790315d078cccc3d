package circuit

import (
	"github.com/openfluke/circuit/transformer"
)

// patchMode wires edge interchange into a wrapped model. While active,
// every source activation produced by a forward pass is captured into curr,
// and every destination input is shifted by mask * (patch - curr) summed
// over its in-edges. Sources always run before the destinations that read
// them, so curr is populated by the time it is consumed.
type patchMode struct {
	model *AutoencoderTransformer
	graph *Graph

	// Both are [nSrcs, batch, seq, dModel]. patch holds the baseline
	// activations swapped in along active edges; curr is refilled on
	// every forward pass with the patched run's own source outputs.
	curr  *transformer.Tensor
	patch *transformer.Tensor

	removals []func()
}

// enterPatchMode zeroes all edge masks, installs the capture and patch
// hooks, and returns the active mode. Callers must Release it.
func enterPatchMode(model *AutoencoderTransformer, graph *Graph, patch *transformer.Tensor) *patchMode {
	for _, e := range graph.Edges {
		e.Mask[e.MaskIdx] = 0
	}

	pm := &patchMode{
		model: model,
		graph: graph,
		curr:  patch.ZerosLike(),
		patch: patch,
	}
	pm.installSrcHooks()
	pm.installDestHooks()
	return pm
}

// installSrcHooks registers one capture hook per distinct source module.
// A flat module (the residual start) is copied whole; headed modules
// (attention results, latent contributions) are sliced along the head axis
// into each node's row of curr.
func (pm *patchMode) installSrcHooks() {
	byModule := map[string][]SrcNode{}
	var order []string
	for _, src := range pm.graph.Srcs {
		if _, ok := byModule[src.Module]; !ok {
			order = append(order, src.Module)
		}
		byModule[src.Module] = append(byModule[src.Module], src)
	}

	d := pm.model.Config().DModel
	for _, module := range order {
		nodes := byModule[module]
		pm.removals = append(pm.removals, pm.model.AddHook(module,
			func(name string, act *transformer.Tensor) *transformer.Tensor {
				nTokens := act.Dim(0) * act.Dim(1)
				for _, src := range nodes {
					row := pm.curr.Data[src.Idx*nTokens*d : (src.Idx+1)*nTokens*d]
					if src.HeadDim < 0 {
						copy(row, act.Data)
						continue
					}
					nSlices := act.Dim(src.HeadDim)
					for t := 0; t < nTokens; t++ {
						off := (t*nSlices + src.HeadIdx) * d
						copy(row[t*d:(t+1)*d], act.Data[off:off+d])
					}
				}
				return nil
			}))
	}
}

// installDestHooks registers one patch hook per distinct destination
// module. Each destination's shared mask selects which source rows of
// (patch - curr) are added to its input.
func (pm *patchMode) installDestHooks() {
	maskByDest := map[DestNode][]float32{}
	for _, e := range pm.graph.Edges {
		maskByDest[e.Dest] = e.Mask
	}

	byModule := map[string][]DestNode{}
	var order []string
	for _, dest := range pm.graph.Dests {
		if _, ok := byModule[dest.Module]; !ok {
			order = append(order, dest.Module)
		}
		byModule[dest.Module] = append(byModule[dest.Module], dest)
	}

	d := pm.model.Config().DModel
	for _, module := range order {
		nodes := byModule[module]
		pm.removals = append(pm.removals, pm.model.AddHook(module,
			func(name string, act *transformer.Tensor) *transformer.Tensor {
				nTokens := act.Dim(0) * act.Dim(1)
				for _, dest := range nodes {
					mask := maskByDest[dest]
					for srcIdx, mval := range mask {
						if mval == 0 {
							continue
						}
						row := pm.curr.Data[srcIdx*nTokens*d:]
						patchRow := pm.patch.Data[srcIdx*nTokens*d:]
						if dest.HeadDim < 0 {
							for j := 0; j < nTokens*d; j++ {
								act.Data[j] += mval * (patchRow[j] - row[j])
							}
							continue
						}
						nSlices := act.Dim(dest.HeadDim)
						for t := 0; t < nTokens; t++ {
							off := (t*nSlices + dest.HeadIdx) * d
							for c := 0; c < d; c++ {
								act.Data[off+c] += mval * (patchRow[t*d+c] - row[t*d+c])
							}
						}
					}
				}
				return act
			}))
	}
}

// Release removes all installed hooks and drops the activation buffers.
func (pm *patchMode) Release() {
	for _, remove := range pm.removals {
		remove()
	}
	pm.removals = nil
	pm.curr = nil
	pm.patch = nil
}

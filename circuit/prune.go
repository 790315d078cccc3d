package circuit

import (
	"github.com/dustin/go-humanize"

	"github.com/openfluke/circuit/data"
	"github.com/openfluke/circuit/transformer"
)

// GraphRenderer renders the circuit active at the end of an evaluation.
// baselines carries each edge's mean baseline activation, taken from the
// patch tensor at the edge's source. patchedOnly asks for just the active
// edges rather than the whole graph.
type GraphRenderer interface {
	Render(graph *Graph, activeEdges []*Edge, baselines map[*Edge]float32, patchedOnly bool) error
}

// RunPrunedOptions tunes circuit evaluation.
type RunPrunedOptions struct {
	Reporter Reporter
	// Renderer, when set, draws the final circuit after the last batch.
	// The active set is the largest evaluated circuit, not the full score
	// list: edges past the biggest requested checkpoint stay inactive.
	Renderer          GraphRenderer
	RenderPatchedOnly bool
}

// RunPruned evaluates the model at a series of circuit sizes. Edges are
// activated cumulatively in descending score order; at every requested
// edge count the model runs on the batch inputs and the logits are
// recorded. Count zero is the unpatched model. The result maps each
// requested count to one logit tensor per batch, in batch order; counts
// larger than the scored edge list never record and stay absent.
func RunPruned(
	model *AutoencoderTransformer,
	loader *data.Loader,
	exp ExperimentType,
	testEdgeCounts []int,
	scores PruneScores,
	opts RunPrunedOptions,
) (map[int][]*transformer.Tensor, error) {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NopReporter()
	}

	graph, err := model.Graph()
	if err != nil {
		return nil, err
	}
	sorted := scores.SortedDescending()

	// Counts beyond the scored edges can never trigger; they are reported
	// and their keys stay absent from the results.
	wanted := make(map[int]bool, len(testEdgeCounts))
	maxWanted := 0
	for _, n := range testEdgeCounts {
		if n < 0 || n > len(sorted) {
			statusf(reporter, "checkpoint %d is outside the %d scored edges, skipping", n, len(sorted))
			continue
		}
		wanted[n] = true
		if n > maxWanted {
			maxWanted = n
		}
	}

	statusf(reporter, "evaluating %d circuit sizes over %s edges, %d batches",
		len(wanted), humanize.Comma(int64(len(graph.Edges))), len(loader.Batches))

	results := make(map[int][]*transformer.Tensor, len(wanted))
	for bi, batch := range loader.Batches {
		var input [][]int
		switch exp.InputType {
		case ActClean:
			input = batch.Clean
		case ActCorrupt:
			input = batch.Corrupt
		default:
			return nil, configErrorf("unsupported input type %s", exp.InputType)
		}

		if wanted[0] {
			logits, err := model.Forward(input)
			if err != nil {
				return nil, err
			}
			results[0] = append(results[0], logits)
		}

		patch, err := patchBaseline(model, graph, batch, exp.PatchType)
		if err != nil {
			return nil, err
		}

		err = func() error {
			pm := enterPatchMode(model, graph, patch)
			defer pm.Release()

			for i, es := range sorted {
				n := i + 1
				if n > maxWanted {
					break
				}
				es.Edge.Mask[es.Edge.MaskIdx] = 1
				if !wanted[n] {
					continue
				}
				logits, err := model.Forward(input)
				if err != nil {
					return err
				}
				results[n] = append(results[n], logits)
			}

			if opts.Renderer != nil && bi == len(loader.Batches)-1 {
				var active []*Edge
				for _, e := range graph.Edges {
					if e.Mask[e.MaskIdx] != 0 {
						active = append(active, e)
					}
				}
				return opts.Renderer.Render(graph, active, edgeBaselines(graph, patch), opts.RenderPatchedOnly)
			}
			return nil
		}()
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// edgeBaselines summarizes the patch tensor as one value per edge: the
// mean baseline activation of the edge's source over the batch.
func edgeBaselines(graph *Graph, patch *transformer.Tensor) map[*Edge]float32 {
	rowLen := 1
	for _, dim := range patch.Shape[1:] {
		rowLen *= dim
	}

	srcMean := make([]float32, len(graph.Srcs))
	for _, src := range graph.Srcs {
		row := patch.Data[src.Idx*rowLen : (src.Idx+1)*rowLen]
		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		srcMean[src.Idx] = float32(sum / float64(rowLen))
	}

	baselines := make(map[*Edge]float32, len(graph.Edges))
	for _, e := range graph.Edges {
		baselines[e] = srcMean[e.Src.Idx]
	}
	return baselines
}

// patchBaseline assembles the [nSrcs, batch, seq, dModel] source-output
// tensor swapped in along active edges, per the experiment's patch type.
func patchBaseline(model *AutoencoderTransformer, graph *Graph, batch data.PromptPairBatch, patchType ActType) (*transformer.Tensor, error) {
	switch patchType {
	case ActClean:
		return sourceOutputs(model, graph, batch.Clean)
	case ActCorrupt:
		return sourceOutputs(model, graph, batch.Corrupt)
	case ActZero:
		outs, err := sourceOutputs(model, graph, batch.Clean)
		if err != nil {
			return nil, err
		}
		return outs.ZerosLike(), nil
	default:
		return nil, configErrorf("unsupported patch type %s", patchType)
	}
}

// sourceOutputs runs the model once with caching and gathers every source
// node's activation into one tensor, rows ordered by source ordinal.
func sourceOutputs(model *AutoencoderTransformer, graph *Graph, tokens [][]int) (*transformer.Tensor, error) {
	_, cache, err := model.RunWithCache(tokens)
	if err != nil {
		return nil, err
	}

	d := model.Config().DModel
	b, s := len(tokens), len(tokens[0])
	nTokens := b * s
	out := transformer.NewTensor(len(graph.Srcs), b, s, d)

	for _, src := range graph.Srcs {
		act, ok := cache[src.Module]
		if !ok {
			return nil, configErrorf("no cached activation for %s", src.Module)
		}
		row := out.Data[src.Idx*nTokens*d : (src.Idx+1)*nTokens*d]
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
	return out, nil
}

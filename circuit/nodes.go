// Package circuit prunes and analyzes circuits, sparse subgraphs of a
// transformer's computation, by factorizing the model into addressable
// source and destination nodes and patching edges between them.
package circuit

import (
	"fmt"
	"sort"

	"github.com/openfluke/circuit/transformer"
)

// SrcNode is a potential source of an edge in the factorized graph: the
// embedding stream, one attention head's output, or one autoencoder
// latent's contribution. Nodes are immutable once enumerated.
type SrcNode struct {
	Name   string // display name
	Module string // hook point carrying this node's activation
	Layer  int    // logical layer, non-decreasing in enumeration order
	Idx    int    // global ordinal, unique across all sources

	HeadDim int // activation dim holding the head/latent axis, -1 if none
	HeadIdx int // index along HeadDim, -1 if none

	Weight        string // weight tensor feeding this node, "" if none
	WeightHeadDim int    // head axis of the weight tensor, -1 if none
}

// DestNode is a potential destination of an edge: one attention head's
// combined-QKV input, an MLP input, or the final residual consumed by the
// unembedding. Destination layers are offset by one relative to sources at
// the same depth.
type DestNode struct {
	Name   string
	Module string
	Layer  int
	Idx    int

	HeadDim int
	HeadIdx int

	Weight        string
	WeightHeadDim int
}

// Edge is an ordered (source, destination) pair. It shares its
// destination's patch mask and indexes into it by source ordinal, so
// activating the edge is a single mask write.
type Edge struct {
	Src     SrcNode
	Dest    DestNode
	Mask    []float32 // shared per-destination mask, indexed by source ordinal
	MaskIdx int
}

// Name returns the display form "src->dest".
func (e *Edge) Name() string {
	return e.Src.Name + "->" + e.Dest.Name
}

// ActType selects which activations feed a model input or patch baseline.
type ActType int

const (
	ActClean ActType = iota
	ActCorrupt
	ActZero
)

func (a ActType) String() string {
	switch a {
	case ActClean:
		return "clean"
	case ActCorrupt:
		return "corrupt"
	case ActZero:
		return "zero"
	default:
		return fmt.Sprintf("ActType(%d)", int(a))
	}
}

// ExperimentType fixes which logical input feeds the model and which feeds
// the patch baseline during edge pruning.
type ExperimentType struct {
	InputType ActType
	PatchType ActType
}

// EdgeScore pairs an edge with its externally computed importance.
type EdgeScore struct {
	Edge  *Edge
	Score float32
}

// PruneScores is an ordered score list. Order matters: the evaluator's
// descending sort is stable, so insertion order breaks score ties.
type PruneScores []EdgeScore

// SortedDescending returns a copy sorted by score, highest first, with the
// original order preserved among equal scores.
func (ps PruneScores) SortedDescending() PruneScores {
	out := make(PruneScores, len(ps))
	copy(out, ps)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Graph is the factorized view of a wrapped model: enumerated node sets
// plus the full valid edge set.
type Graph struct {
	Srcs  []SrcNode
	Dests []DestNode
	Edges []*Edge
}

// checkSrcFactorizationCaps verifies the structural prerequisites for the
// factorization to be well-defined.
func checkSrcFactorizationCaps(cfg *transformer.Config) error {
	if !cfg.UseAttnResult {
		return configErrorf("model must expose per-head attention results")
	}
	if !cfg.UseAttnIn {
		return configErrorf("model must expose per-head attention inputs")
	}
	if !cfg.UseSplitQKVInput {
		return configErrorf("model must expose split Q/K/V input per head")
	}
	if !cfg.UseHookMLPIn {
		return configErrorf("model must capture MLP input before normalization")
	}
	return nil
}

func checkDestFactorizationCaps(cfg *transformer.Config) error {
	if !cfg.UseAttnResult {
		return configErrorf("model must expose per-head attention results")
	}
	if !cfg.UseAttnIn {
		return configErrorf("model must expose per-head attention inputs")
	}
	if !cfg.UseHookMLPIn {
		return configErrorf("model must capture MLP input before normalization")
	}
	return nil
}

// FactorizedSrcNodes enumerates the source side of every edge in the
// factorized graph: the residual start, each attention head, and each
// retained autoencoder latent, in deterministic order with strictly
// increasing global ordinals.
func FactorizedSrcNodes(model *AutoencoderTransformer) ([]SrcNode, error) {
	cfg := model.Config()
	if err := checkSrcFactorizationCaps(cfg); err != nil {
		return nil, err
	}
	if model.SAEInput() != SAEInputResidDelta {
		return nil, configErrorf("graph factorization requires %q autoencoders, model uses %q",
			SAEInputResidDelta, model.SAEInput())
	}

	layer, idx := 0, 0
	nodes := []SrcNode{{
		Name:          "Resid Start",
		Module:        transformer.HookResidPre(0),
		Layer:         layer,
		Idx:           idx,
		HeadDim:       -1,
		HeadIdx:       -1,
		Weight:        "embed.W_E",
		WeightHeadDim: -1,
	}}
	idx++

	for block := 0; block < cfg.NLayers; block++ {
		layer++
		for head := 0; head < cfg.NHeads; head++ {
			nodes = append(nodes, SrcNode{
				Name:          fmt.Sprintf("A%d.%d", block, head),
				Module:        transformer.HookAttnResult(block),
				Layer:         layer,
				Idx:           idx,
				HeadDim:       2,
				HeadIdx:       head,
				Weight:        fmt.Sprintf("blocks.%d.attn.W_O", block),
				WeightHeadDim: 0,
			})
			idx++
		}
		if !cfg.ParallelAttnMLP {
			layer++
		}
		for latent := 0; latent < model.SAE(block).NLatents(); latent++ {
			nodes = append(nodes, SrcNode{
				Name:          fmt.Sprintf("MLP %d Latent %d", block, latent),
				Module:        transformer.HookMLPLatents(block),
				Layer:         layer,
				Idx:           idx,
				HeadDim:       2,
				HeadIdx:       latent,
				Weight:        fmt.Sprintf("blocks.%d.hook_mlp_out.decoder.weight", block),
				WeightHeadDim: 0,
			})
			idx++
		}
	}
	return nodes, nil
}

// FactorizedDestNodes enumerates the destination side of every edge:
// per-head attention inputs, MLP inputs, and the terminal residual consumed
// by the unembedding. Destination layers count from one.
func FactorizedDestNodes(model *AutoencoderTransformer) ([]DestNode, error) {
	cfg := model.Config()
	if err := checkDestFactorizationCaps(cfg); err != nil {
		return nil, err
	}

	layer, idx := 0, 0
	var nodes []DestNode

	for block := 0; block < cfg.NLayers; block++ {
		layer++
		for head := 0; head < cfg.NHeads; head++ {
			nodes = append(nodes, DestNode{
				Name:          fmt.Sprintf("A%d.%d", block, head),
				Module:        transformer.HookAttnIn(block),
				Layer:         layer,
				Idx:           idx,
				HeadDim:       2,
				HeadIdx:       head,
				WeightHeadDim: -1,
			})
			idx++
		}
		mlpLayer := layer
		if !cfg.ParallelAttnMLP {
			layer++
			mlpLayer = layer
		}
		nodes = append(nodes, DestNode{
			Name:          fmt.Sprintf("MLP %d", block),
			Module:        transformer.HookMLPIn(block),
			Layer:         mlpLayer,
			Idx:           idx,
			HeadDim:       -1,
			HeadIdx:       -1,
			Weight:        fmt.Sprintf("blocks.%d.mlp.W_in", block),
			WeightHeadDim: -1,
		})
		idx++
	}

	layer++
	nodes = append(nodes, DestNode{
		Name:          "Resid End",
		Module:        transformer.HookResidPost(cfg.NLayers - 1),
		Layer:         layer,
		Idx:           idx,
		HeadDim:       -1,
		HeadIdx:       -1,
		Weight:        "unembed.W_U",
		WeightHeadDim: -1,
	})
	return nodes, nil
}

// BuildEdges forms the valid edge set: every (src, dest) pair where the
// source's layer strictly precedes the destination's. With destination
// layers offset by one this reproduces residual-stream reachability and
// excludes same-block attention-to-MLP edges in parallel blocks.
func BuildEdges(srcs []SrcNode, dests []DestNode) []*Edge {
	var edges []*Edge
	for di := range dests {
		mask := make([]float32, len(srcs))
		for si := range srcs {
			if srcs[si].Layer < dests[di].Layer {
				edges = append(edges, &Edge{
					Src:     srcs[si],
					Dest:    dests[di],
					Mask:    mask,
					MaskIdx: srcs[si].Idx,
				})
			}
		}
	}
	return edges
}

// ScoresFromMap builds a score list over edges from a name-keyed score map.
// Edges absent from the map score zero. Edge enumeration order is kept, so
// ties resolve deterministically.
func ScoresFromMap(edges []*Edge, byName map[string]float32) PruneScores {
	scores := make(PruneScores, 0, len(edges))
	for _, e := range edges {
		scores = append(scores, EdgeScore{Edge: e, Score: byName[e.Name()]})
	}
	return scores
}

package circuit

import (
	"math"

	"github.com/openfluke/circuit/transformer"
)

// KLDivLogits computes the KL divergence of the pruned model's next-token
// distribution from the unpruned one, D(unpruned || pruned), averaged over
// every token position. Both slices are logit tensors whose last dimension
// is the vocabulary; they must cover the same positions in the same order.
func KLDivLogits(pruned, unpruned []*transformer.Tensor) (float64, error) {
	var total float64
	var rows int
	var pi int
	var pOff int

	for _, u := range unpruned {
		vocab := u.Shape[len(u.Shape)-1]
		for r := 0; r < u.Size()/vocab; r++ {
			for pi < len(pruned) && pOff >= pruned[pi].Size() {
				pi++
				pOff = 0
			}
			if pi >= len(pruned) {
				return 0, configErrorf("pruned logits cover fewer positions than unpruned")
			}
			p := pruned[pi]
			if p.Shape[len(p.Shape)-1] != vocab {
				return 0, configErrorf("vocabulary mismatch: %d vs %d",
					p.Shape[len(p.Shape)-1], vocab)
			}

			logP := transformer.LogSoftmaxRow(u.Data[r*vocab : (r+1)*vocab])
			logQ := transformer.LogSoftmaxRow(p.Data[pOff : pOff+vocab])
			var row float64
			for v := 0; v < vocab; v++ {
				row += math.Exp(logP[v]) * (logP[v] - logQ[v])
			}
			total += row
			rows++
			pOff += vocab
		}
	}
	if rows == 0 {
		return 0, nil
	}
	return total / float64(rows), nil
}

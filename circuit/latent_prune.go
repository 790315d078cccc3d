package circuit

import (
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/openfluke/circuit/data"
	"github.com/openfluke/circuit/transformer"
)

// LatentPruneOptions tunes dataset-driven latent pruning.
type LatentPruneOptions struct {
	// MaxLatents caps the retained dictionary per autoencoder. Zero keeps
	// every latent that activated.
	MaxLatents int
	// IncludeCorrupt counts activations on corrupt prompts as well.
	IncludeCorrupt bool
	// SeqLen bounds per-prompt activation counting; zero uses the
	// loader's sequence length.
	SeqLen   int
	Reporter Reporter
}

// LatentPruneReport summarizes a pruning pass, per autoencoder in block
// order, plus the divergence the pruning introduced.
type LatentPruneReport struct {
	ActivatedLatentCounts []int
	RetainedLatentCounts  []int
	KLDiv                 float64
}

// PruneLatentsWithDataset shrinks every autoencoder's dictionary to the
// latents that fire on the dataset, most active first, then measures the
// KL divergence the shrunken dictionaries introduce over the same prompts.
// Prompts are run one at a time during counting so per-prompt activation
// totals are exact; the pruned re-run is batched.
func (a *AutoencoderTransformer) PruneLatentsWithDataset(loader *data.Loader, opts LatentPruneOptions) (*LatentPruneReport, error) {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NopReporter()
	}
	seqLen := opts.SeqLen
	if seqLen <= 0 {
		seqLen = loader.SeqLen
	}

	for _, s := range a.saes {
		s.ResetActivatedLatents(seqLen)
	}

	statusf(reporter, "counting latent activations over %s prompts",
		humanize.Comma(int64(loader.PromptCount())))

	var unpruned []*transformer.Tensor
	forwardOne := func(prompt []int) error {
		logits, err := a.Forward([][]int{prompt})
		if err != nil {
			return err
		}
		unpruned = append(unpruned, logits)
		return nil
	}
	for _, batch := range loader.Batches {
		for _, prompt := range batch.Clean {
			if err := forwardOne(prompt); err != nil {
				return nil, err
			}
		}
		if opts.IncludeCorrupt {
			for _, prompt := range batch.Corrupt {
				if err := forwardOne(prompt); err != nil {
					return nil, err
				}
			}
		}
	}

	report := &LatentPruneReport{}
	for block, s := range a.saes {
		counts := s.LatentTotalAct()
		var activated []int
		for l, c := range counts {
			if c > 0 {
				activated = append(activated, l)
			}
		}
		sort.SliceStable(activated, func(i, j int) bool {
			return counts[activated[i]] > counts[activated[j]]
		})

		retain := len(activated)
		if opts.MaxLatents > 0 && opts.MaxLatents < retain {
			retain = opts.MaxLatents
		}
		keep := activated[:retain]
		if err := s.PruneLatents(keep); err != nil {
			return nil, err
		}

		report.ActivatedLatentCounts = append(report.ActivatedLatentCounts, len(activated))
		report.RetainedLatentCounts = append(report.RetainedLatentCounts, retain)
		statusf(reporter, "block %d: %s of %s latents activated, retaining %s",
			block, humanize.Comma(int64(len(activated))),
			humanize.Comma(int64(len(counts))), humanize.Comma(int64(retain)))
	}

	// The dictionary changed shape, so any cached factorization is stale.
	a.graph = nil

	var pruned []*transformer.Tensor
	for _, batch := range loader.Batches {
		logits, err := a.Forward(batch.Clean)
		if err != nil {
			return nil, err
		}
		pruned = append(pruned, logits)
		if opts.IncludeCorrupt {
			logits, err = a.Forward(batch.Corrupt)
			if err != nil {
				return nil, err
			}
			pruned = append(pruned, logits)
		}
	}

	kl, err := KLDivLogits(pruned, unpruned)
	if err != nil {
		return nil, err
	}
	report.KLDiv = kl
	statusf(reporter, "latent pruning KL divergence: %.6f", kl)
	return report, nil
}

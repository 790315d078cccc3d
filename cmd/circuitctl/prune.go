package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfluke/circuit/circuit"
	"github.com/openfluke/circuit/data"
	"github.com/openfluke/circuit/store"
	"github.com/openfluke/circuit/transformer"
	"github.com/openfluke/circuit/viz"
)

func newPruneCommand(rootOpts *rootOptions) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Run latent and edge pruning from a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runPrune(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to run config (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runPrune(ctx context.Context, cfg *Config) error {
	model := transformer.NewModel(&transformer.Config{
		NLayers:          cfg.Model.NLayers,
		NHeads:           cfg.Model.NHeads,
		DModel:           cfg.Model.DModel,
		DHead:            cfg.Model.DHead,
		DMLP:             cfg.Model.DMLP,
		VocabSize:        cfg.Model.VocabSize,
		MaxSeqLen:        cfg.Model.MaxSeqLen,
		UseAttnResult:    true,
		UseAttnIn:        true,
		UseSplitQKVInput: true,
		UseHookMLPIn:     true,
		ParallelAttnMLP:  cfg.Model.ParallelAttnMLP,
	}, cfg.Model.Seed)

	wrapped, err := circuit.WrapWithAutoencoders(model, circuit.WrapOptions{
		SAEInput: cfg.SAE.Input,
		NLatents: cfg.SAE.NLatents,
		Seed:     cfg.SAE.Seed,
	})
	if err != nil {
		return err
	}

	loader, err := data.LoadFromFile(cfg.Dataset)
	if err != nil {
		return err
	}
	slog.Info("loaded dataset", "path", cfg.Dataset,
		"batches", loader.Len(), "prompts", loader.PromptCount())

	reporter := circuit.NewSlogReporter(slog.Default())

	report, err := wrapped.PruneLatentsWithDataset(loader, circuit.LatentPruneOptions{
		MaxLatents:     cfg.LatentPrune.MaxLatents,
		IncludeCorrupt: cfg.LatentPrune.IncludeCorrupt,
		Reporter:       reporter,
	})
	if err != nil {
		return err
	}

	graph, err := wrapped.Graph()
	if err != nil {
		return err
	}
	slog.Info("factorized graph",
		"srcs", len(graph.Srcs), "dests", len(graph.Dests), "edges", len(graph.Edges))

	byName, err := cfg.LoadScores()
	if err != nil {
		return err
	}
	scores := circuit.ScoresFromMap(graph.Edges, byName)

	inputType, _ := parseActType(cfg.Experiment.Input)
	patchType, _ := parseActType(cfg.Experiment.Patch)

	opts := circuit.RunPrunedOptions{Reporter: reporter}
	if cfg.DotOut != "" {
		opts.Renderer = viz.NewDotRenderer(cfg.DotOut)
		opts.RenderPatchedOnly = cfg.DotPatchedOnly
	}

	results, err := circuit.RunPruned(wrapped, loader,
		circuit.ExperimentType{InputType: inputType, PatchType: patchType},
		cfg.EdgeCounts, scores, opts)
	if err != nil {
		return err
	}

	if cfg.DB == "" {
		return nil
	}
	return saveResults(ctx, cfg, report, results)
}

func saveResults(ctx context.Context, cfg *Config, report *circuit.LatentPruneReport, results map[int][]*transformer.Tensor) error {
	st := store.New(cfg.DB)
	if err := st.Init(ctx); err != nil {
		return err
	}
	defer st.Close()

	blob, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	err = st.SaveRun(ctx, store.RunRecord{
		ID:               runID,
		CreatedAt:        time.Now(),
		InputType:        cfg.Experiment.Input,
		PatchType:        cfg.Experiment.Patch,
		EdgeCounts:       cfg.EdgeCounts,
		Config:           string(blob),
		KLDiv:            report.KLDiv,
		ActivatedLatents: report.ActivatedLatentCounts,
		RetainedLatents:  report.RetainedLatentCounts,
	})
	if err != nil {
		return err
	}

	for edgeCount, logits := range results {
		for bi, t := range logits {
			err := st.SaveCheckpoint(ctx, store.CheckpointRecord{
				RunID:     runID,
				EdgeCount: edgeCount,
				BatchIdx:  bi,
				Shape:     t.Shape,
				Logits:    t.Data,
			})
			if err != nil {
				return err
			}
		}
	}
	slog.Info("saved run", "id", runID, "db", cfg.DB)
	return nil
}

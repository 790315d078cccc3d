package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openfluke/circuit/circuit"
)

// ModelConfig sets the transformer's dimensions. Weights are randomly
// initialized from the seed.
type ModelConfig struct {
	NLayers         int   `yaml:"n_layers"`
	NHeads          int   `yaml:"n_heads"`
	DModel          int   `yaml:"d_model"`
	DHead           int   `yaml:"d_head"`
	DMLP            int   `yaml:"d_mlp"`
	VocabSize       int   `yaml:"vocab_size"`
	MaxSeqLen       int   `yaml:"max_seq_len"`
	ParallelAttnMLP bool  `yaml:"parallel_attn_mlp"`
	Seed            int64 `yaml:"seed"`
}

type SAEConfig struct {
	Input    string `yaml:"input"`
	NLatents int    `yaml:"n_latents"`
	Seed     int64  `yaml:"seed"`
}

type LatentPruneConfig struct {
	MaxLatents     int  `yaml:"max_latents"`
	IncludeCorrupt bool `yaml:"include_corrupt"`
}

type ExperimentConfig struct {
	Input string `yaml:"input"`
	Patch string `yaml:"patch"`
}

// Config drives a full pruning run from one YAML file.
type Config struct {
	Model       ModelConfig       `yaml:"model"`
	SAE         SAEConfig         `yaml:"sae"`
	Dataset     string            `yaml:"dataset"`
	LatentPrune LatentPruneConfig `yaml:"latent_prune"`
	Experiment  ExperimentConfig  `yaml:"experiment"`
	EdgeCounts  []int             `yaml:"edge_counts"`

	// Scores maps edge names to importances; ScoresFile points at a JSON
	// file with the same shape. Unlisted edges score zero.
	Scores     map[string]float32 `yaml:"scores"`
	ScoresFile string             `yaml:"scores_file"`

	DotOut         string `yaml:"dot_out"`
	DotPatchedOnly bool   `yaml:"dot_patched_only"`
	DB             string `yaml:"db"`
}

// LoadConfig reads and validates a run configuration.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Model.NLayers <= 0 || c.Model.NHeads <= 0 {
		return fmt.Errorf("model needs positive n_layers and n_heads")
	}
	if c.Model.DModel <= 0 || c.Model.DHead <= 0 || c.Model.DMLP <= 0 {
		return fmt.Errorf("model needs positive d_model, d_head and d_mlp")
	}
	if c.Model.VocabSize <= 0 || c.Model.MaxSeqLen <= 0 {
		return fmt.Errorf("model needs positive vocab_size and max_seq_len")
	}
	if c.SAE.NLatents <= 0 {
		return fmt.Errorf("sae needs positive n_latents")
	}
	if c.Dataset == "" {
		return fmt.Errorf("dataset path is required")
	}
	if len(c.EdgeCounts) == 0 {
		return fmt.Errorf("at least one edge count is required")
	}
	if _, err := parseActType(c.Experiment.Input); err != nil {
		return fmt.Errorf("experiment input: %w", err)
	}
	if _, err := parseActType(c.Experiment.Patch); err != nil {
		return fmt.Errorf("experiment patch: %w", err)
	}
	return nil
}

// LoadScores merges inline scores with the optional scores file; file
// entries win on conflict.
func (c *Config) LoadScores() (map[string]float32, error) {
	scores := make(map[string]float32, len(c.Scores))
	for name, sc := range c.Scores {
		scores[name] = sc
	}
	if c.ScoresFile != "" {
		raw, err := os.ReadFile(c.ScoresFile)
		if err != nil {
			return nil, err
		}
		var fromFile map[string]float32
		if err := json.Unmarshal(raw, &fromFile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", c.ScoresFile, err)
		}
		for name, sc := range fromFile {
			scores[name] = sc
		}
	}
	return scores, nil
}

func parseActType(s string) (circuit.ActType, error) {
	switch s {
	case "clean":
		return circuit.ActClean, nil
	case "corrupt":
		return circuit.ActCorrupt, nil
	case "zero":
		return circuit.ActZero, nil
	default:
		return 0, fmt.Errorf("unknown activation type %q", s)
	}
}

// Package data provides clean/corrupt prompt-pair batches for circuit
// experiments.
package data

import (
	"encoding/json"
	"fmt"
	"os"
)

// PromptPairBatch holds matched clean and corrupt token-ID prompts.
// Both sides have the same batch size and sequence length.
type PromptPairBatch struct {
	Clean   [][]int
	Corrupt [][]int
}

// Loader yields prompt-pair batches in a fixed order.
type Loader struct {
	Batches []PromptPairBatch
	SeqLen  int
}

// NewLoader validates the batches and wraps them in a Loader.
func NewLoader(batches []PromptPairBatch) (*Loader, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("no batches provided")
	}
	seqLen := 0
	for i, b := range batches {
		if len(b.Clean) == 0 || len(b.Clean) != len(b.Corrupt) {
			return nil, fmt.Errorf("batch %d: clean/corrupt sizes differ (%d vs %d)",
				i, len(b.Clean), len(b.Corrupt))
		}
		for _, prompts := range [][][]int{b.Clean, b.Corrupt} {
			for _, p := range prompts {
				if len(p) == 0 {
					return nil, fmt.Errorf("batch %d: empty prompt", i)
				}
				if seqLen == 0 {
					seqLen = len(p)
				}
				if len(p) != seqLen {
					return nil, fmt.Errorf("batch %d: prompt length %d, want %d", i, len(p), seqLen)
				}
			}
		}
	}
	return &Loader{Batches: batches, SeqLen: seqLen}, nil
}

// Len returns the number of batches.
func (l *Loader) Len() int {
	return len(l.Batches)
}

// PromptCount returns the total number of clean prompts across all batches.
func (l *Loader) PromptCount() int {
	n := 0
	for _, b := range l.Batches {
		n += len(b.Clean)
	}
	return n
}

// datasetJSON is the on-disk format: prompt pairs grouped into batches of
// batch_size.
type datasetJSON struct {
	BatchSize int `json:"batch_size"`
	Pairs     []struct {
		Clean   []int `json:"clean"`
		Corrupt []int `json:"corrupt"`
	} `json:"pairs"`
}

// LoadFromFile reads a prompt-pair dataset from a JSON file and groups it
// into batches.
func LoadFromFile(path string) (*Loader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	var dj datasetJSON
	if err := json.Unmarshal(raw, &dj); err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	if dj.BatchSize <= 0 {
		dj.BatchSize = len(dj.Pairs)
	}
	if len(dj.Pairs) == 0 {
		return nil, fmt.Errorf("dataset %s has no prompt pairs", path)
	}

	var batches []PromptPairBatch
	for start := 0; start < len(dj.Pairs); start += dj.BatchSize {
		end := start + dj.BatchSize
		if end > len(dj.Pairs) {
			end = len(dj.Pairs)
		}
		var b PromptPairBatch
		for _, pair := range dj.Pairs[start:end] {
			b.Clean = append(b.Clean, pair.Clean)
			b.Corrupt = append(b.Corrupt, pair.Corrupt)
		}
		batches = append(batches, b)
	}
	return NewLoader(batches)
}

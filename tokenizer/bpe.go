// Package tokenizer implements a byte-pair-encoding tokenizer compatible
// with the HuggingFace tokenizer.json format.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Tokenizer is a BPE tokenizer.
type Tokenizer struct {
	Vocab        map[string]int // token -> id
	ReverseVocab map[int]string // id -> token
	MergeRanks   map[string]int // "first second" -> rank
}

// tokenizerJSON mirrors the subset of the HuggingFace tokenizer.json format
// this package consumes.
type tokenizerJSON struct {
	Model struct {
		Type   string         `json:"type"`
		Vocab  map[string]int `json:"vocab"`
		Merges []string       `json:"merges"`
	} `json:"model"`
}

// LoadFromFile loads a tokenizer from a tokenizer.json file.
func LoadFromFile(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads a tokenizer from tokenizer.json data.
func LoadFromBytes(data []byte) (*Tokenizer, error) {
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer JSON: %w", err)
	}
	if tj.Model.Type != "" && tj.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model type %q", tj.Model.Type)
	}

	t := &Tokenizer{
		Vocab:        tj.Model.Vocab,
		ReverseVocab: make(map[int]string, len(tj.Model.Vocab)),
		MergeRanks:   make(map[string]int, len(tj.Model.Merges)),
	}
	for tok, id := range tj.Model.Vocab {
		t.ReverseVocab[id] = tok
	}
	for rank, merge := range tj.Model.Merges {
		t.MergeRanks[merge] = rank
	}
	return t, nil
}

// NewFromVocab builds a tokenizer directly from a vocab and merge list.
// Useful for tests and small synthetic corpora.
func NewFromVocab(vocab map[string]int, merges []string) *Tokenizer {
	t := &Tokenizer{
		Vocab:        vocab,
		ReverseVocab: make(map[int]string, len(vocab)),
		MergeRanks:   make(map[string]int, len(merges)),
	}
	for tok, id := range vocab {
		t.ReverseVocab[id] = tok
	}
	for rank, merge := range merges {
		t.MergeRanks[merge] = rank
	}
	return t
}

// Encode tokenizes text into vocabulary IDs. Words are split on whitespace;
// each word is BPE-merged up from characters. Unknown fragments are skipped.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, word := range strings.Fields(text) {
		for _, tok := range t.bpeEncode(word) {
			if id, ok := t.Vocab[tok]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// bpeEncode merges a word's characters using the learned merge ranks until
// no applicable merge remains.
func (t *Tokenizer) bpeEncode(word string) []string {
	tokens := make([]string, 0, len(word))
	for _, r := range word {
		tokens = append(tokens, string(r))
	}

	for len(tokens) > 1 {
		// Find the lowest-rank adjacent pair.
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(tokens)-1; i++ {
			rank, ok := t.MergeRanks[tokens[i]+" "+tokens[i+1]]
			if !ok {
				continue
			}
			if bestRank < 0 || rank < bestRank {
				bestRank = rank
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		merged := tokens[bestIdx] + tokens[bestIdx+1]
		rest := append([]string{merged}, tokens[bestIdx+2:]...)
		tokens = append(tokens[:bestIdx], rest...)
	}

	return tokens
}

// Decode converts IDs back to text. Tokens are joined directly; unknown IDs
// are dropped.
func (t *Tokenizer) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if tok, ok := t.ReverseVocab[id]; ok {
			b.WriteString(tok)
		}
	}
	return b.String()
}

// TokenString returns the string form of a token ID, or "" if unknown.
func (t *Tokenizer) TokenString(id int) string {
	return t.ReverseVocab[id]
}

// VocabSize returns the number of entries in the vocabulary.
func (t *Tokenizer) VocabSize() int {
	return len(t.Vocab)
}

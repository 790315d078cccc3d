package transformer

// Config holds the static configuration of a hooked transformer.
type Config struct {
	NLayers   int // number of transformer blocks
	NHeads    int // attention heads per block
	DModel    int // residual stream width
	DHead     int // per-head dimension
	DMLP      int // MLP hidden width
	VocabSize int // token vocabulary size
	MaxSeqLen int // positional embedding table size

	// Capability flags. These control which intermediate activations the
	// forward pass materializes and exposes at hook points. Graph
	// factorization requires all four observation flags.
	UseAttnResult    bool // per-head attention outputs observable
	UseAttnIn        bool // per-head attention inputs observable (combined QKV)
	UseSplitQKVInput bool // Q/K/V inputs split per head
	UseHookMLPIn     bool // MLP input captured before normalization

	// ParallelAttnMLP runs attention and MLP from the same residual input
	// (GPT-J style) instead of sequentially.
	ParallelAttnMLP bool
}

// DefaultTestConfig returns a small fully-observable configuration useful
// for experiments and tests.
func DefaultTestConfig(nLayers, nHeads int) *Config {
	return &Config{
		NLayers:          nLayers,
		NHeads:           nHeads,
		DModel:           nHeads * 4,
		DHead:            4,
		DMLP:             nHeads * 8,
		VocabSize:        32,
		MaxSeqLen:        16,
		UseAttnResult:    true,
		UseAttnIn:        true,
		UseSplitQKVInput: true,
		UseHookMLPIn:     true,
	}
}

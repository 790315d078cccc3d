package transformer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/openfluke/circuit/tokenizer"
)

// Block holds the weights of one transformer block.
// Attention projections are laid out per head so that individual head
// contributions can be materialized: Q/K/V weights are
// [head][dModel][dHead] flattened, the output projection is
// [head][dHead][dModel] flattened.
type Block struct {
	LN1Gamma []float32 // [dModel]
	LN1Beta  []float32 // [dModel]
	LN2Gamma []float32 // [dModel]
	LN2Beta  []float32 // [dModel]

	QWeights []float32 // [nHeads*dModel*dHead]
	KWeights []float32 // [nHeads*dModel*dHead]
	VWeights []float32 // [nHeads*dModel*dHead]
	QBias    []float32 // [nHeads*dHead]
	KBias    []float32 // [nHeads*dHead]
	VBias    []float32 // [nHeads*dHead]

	OutputWeight []float32 // [nHeads*dHead*dModel]
	OutputBias   []float32 // [dModel]

	InWeight  []float32 // [dModel*dMLP]
	InBias    []float32 // [dMLP]
	OutWeight []float32 // [dMLP*dModel]
	OutBias   []float32 // [dModel]
}

// Model is a decoder-only transformer with named hook points.
// The forward pass runs on CPU; an optional WebGPU device accelerates the
// unembedding projection (see InitGPU).
type Model struct {
	EmbedWeights   []float32 // [vocab*dModel], embed.W_E
	PosWeights     []float32 // [maxSeq*dModel]
	Blocks         []*Block
	FinalGamma     []float32 // [dModel]
	FinalBeta      []float32 // [dModel]
	UnembedWeights []float32 // [dModel*vocab], unembed.W_U

	cfg    *Config
	hooks  *hookRegistry
	tok    *tokenizer.Tokenizer
	device *gpuDevice
}

// NewModel builds a model with deterministic random weights.
func NewModel(cfg *Config, seed int64) *Model {
	r := rand.New(rand.NewSource(seed))
	initSlice := func(n int) []float32 {
		s := make([]float32, n)
		for i := range s {
			s[i] = (r.Float32()*2 - 1) * 0.08
		}
		return s
	}
	ones := func(n int) []float32 {
		s := make([]float32, n)
		for i := range s {
			s[i] = 1
		}
		return s
	}

	d, dh, dm := cfg.DModel, cfg.DHead, cfg.DMLP
	h := cfg.NHeads

	m := &Model{
		EmbedWeights:   initSlice(cfg.VocabSize * d),
		PosWeights:     initSlice(cfg.MaxSeqLen * d),
		FinalGamma:     ones(d),
		FinalBeta:      make([]float32, d),
		UnembedWeights: initSlice(d * cfg.VocabSize),
		cfg:            cfg,
		hooks:          newHookRegistry(),
	}

	for i := 0; i < cfg.NLayers; i++ {
		m.Blocks = append(m.Blocks, &Block{
			LN1Gamma:     ones(d),
			LN1Beta:      make([]float32, d),
			LN2Gamma:     ones(d),
			LN2Beta:      make([]float32, d),
			QWeights:     initSlice(h * d * dh),
			KWeights:     initSlice(h * d * dh),
			VWeights:     initSlice(h * d * dh),
			QBias:        make([]float32, h*dh),
			KBias:        make([]float32, h*dh),
			VBias:        make([]float32, h*dh),
			OutputWeight: initSlice(h * dh * d),
			OutputBias:   make([]float32, d),
			InWeight:     initSlice(d * dm),
			InBias:       make([]float32, dm),
			OutWeight:    initSlice(dm * d),
			OutBias:      make([]float32, d),
		})
	}

	return m
}

// Config returns the model's static configuration.
func (m *Model) Config() *Config {
	return m.cfg
}

// AddHook registers fn at a named hook point and returns a removal func.
func (m *Model) AddHook(name string, fn HookFn) func() {
	return m.hooks.add(name, fn)
}

// ApplyHooks runs the hooks registered at name over act. It is exported so
// collaborators that synthesize activations (such as an autoencoder
// installed at an MLP output) can publish them at their own hook points.
func (m *Model) ApplyHooks(name string, act *Tensor) *Tensor {
	return m.hooks.apply(name, act)
}

// SetTokenizer attaches a tokenizer for the ToTokens helpers.
func (m *Model) SetTokenizer(tok *tokenizer.Tokenizer) {
	m.tok = tok
}

// Tokenizer returns the attached tokenizer, or nil.
func (m *Model) Tokenizer() *tokenizer.Tokenizer {
	return m.tok
}

// ToTokens encodes text to token IDs using the attached tokenizer.
func (m *Model) ToTokens(text string) ([]int, error) {
	if m.tok == nil {
		return nil, fmt.Errorf("model has no tokenizer attached")
	}
	return m.tok.Encode(text), nil
}

// ToStrTokens encodes text and returns the string form of each token.
func (m *Model) ToStrTokens(text string) ([]string, error) {
	if m.tok == nil {
		return nil, fmt.Errorf("model has no tokenizer attached")
	}
	ids := m.tok.Encode(text)
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = m.tok.TokenString(id)
	}
	return strs, nil
}

// ToString decodes token IDs back to text.
func (m *Model) ToString(ids []int) (string, error) {
	if m.tok == nil {
		return "", fmt.Errorf("model has no tokenizer attached")
	}
	return m.tok.Decode(ids), nil
}

func (m *Model) String() string {
	return fmt.Sprintf("Transformer(layers=%d, heads=%d, d_model=%d, vocab=%d)",
		m.cfg.NLayers, m.cfg.NHeads, m.cfg.DModel, m.cfg.VocabSize)
}

// Clone deep-copies the model weights and configuration. Hooks and GPU
// state are not copied; the clone starts with an empty hook registry.
func (m *Model) Clone() *Model {
	cp := func(s []float32) []float32 {
		out := make([]float32, len(s))
		copy(out, s)
		return out
	}
	cfg := *m.cfg
	out := &Model{
		EmbedWeights:   cp(m.EmbedWeights),
		PosWeights:     cp(m.PosWeights),
		FinalGamma:     cp(m.FinalGamma),
		FinalBeta:      cp(m.FinalBeta),
		UnembedWeights: cp(m.UnembedWeights),
		cfg:            &cfg,
		hooks:          newHookRegistry(),
		tok:            m.tok,
	}
	for _, b := range m.Blocks {
		out.Blocks = append(out.Blocks, &Block{
			LN1Gamma: cp(b.LN1Gamma), LN1Beta: cp(b.LN1Beta),
			LN2Gamma: cp(b.LN2Gamma), LN2Beta: cp(b.LN2Beta),
			QWeights: cp(b.QWeights), KWeights: cp(b.KWeights), VWeights: cp(b.VWeights),
			QBias: cp(b.QBias), KBias: cp(b.KBias), VBias: cp(b.VBias),
			OutputWeight: cp(b.OutputWeight), OutputBias: cp(b.OutputBias),
			InWeight: cp(b.InWeight), InBias: cp(b.InBias),
			OutWeight: cp(b.OutWeight), OutBias: cp(b.OutBias),
		})
	}
	return out
}

// Forward runs the model over a batch of token rows and returns logits
// shaped [batch, seq, vocab]. All rows must share one sequence length.
func (m *Model) Forward(tokens [][]int) (*Tensor, error) {
	batch := len(tokens)
	if batch == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	seq := len(tokens[0])
	if seq == 0 {
		return nil, fmt.Errorf("empty prompt in batch")
	}
	if seq > m.cfg.MaxSeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds maximum %d", seq, m.cfg.MaxSeqLen)
	}
	for i, row := range tokens {
		if len(row) != seq {
			return nil, fmt.Errorf("ragged batch: row %d has length %d, want %d", i, len(row), seq)
		}
	}

	d := m.cfg.DModel

	// === STEP 1: Token + positional embedding ===
	resid := NewTensor(batch, seq, d)
	for b, row := range tokens {
		for s, tok := range row {
			if tok < 0 || tok >= m.cfg.VocabSize {
				continue // invalid tokens embed as zero
			}
			base := (b*seq + s) * d
			for j := 0; j < d; j++ {
				resid.Data[base+j] = m.EmbedWeights[tok*d+j] + m.PosWeights[s*d+j]
			}
		}
	}

	// === STEP 2: Transformer blocks ===
	for i := range m.Blocks {
		resid = m.runBlock(i, resid, batch, seq)
	}

	// === STEP 3: Final layernorm + unembedding ===
	normed := layerNormForward(resid.Data, m.FinalGamma, m.FinalBeta, d, batch*seq)
	logits := m.unembed(normed, batch*seq)

	return NewTensorFromSlice(logits, batch, seq, m.cfg.VocabSize), nil
}

// RunWithCache runs Forward while capturing every hook point's activation.
// The cache maps hook names to detached copies.
func (m *Model) RunWithCache(tokens [][]int) (*Tensor, map[string]*Tensor, error) {
	cache := make(map[string]*Tensor)
	var removals []func()
	capture := func(name string, act *Tensor) *Tensor {
		cache[name] = act.Clone()
		return act
	}
	for i := 0; i < m.cfg.NLayers; i++ {
		for _, name := range []string{
			HookResidPre(i), HookAttnIn(i), HookAttnResult(i),
			HookMLPIn(i), HookMLPPost(i), HookMLPOut(i), HookMLPLatents(i),
		} {
			removals = append(removals, m.hooks.add(name, capture))
		}
	}
	removals = append(removals, m.hooks.add(HookResidPost(m.cfg.NLayers-1), capture))
	defer func() {
		for _, rm := range removals {
			rm()
		}
	}()

	logits, err := m.Forward(tokens)
	if err != nil {
		return nil, nil, err
	}
	return logits, cache, nil
}

// runBlock executes one transformer block over the residual stream.
func (m *Model) runBlock(i int, resid *Tensor, batch, seq int) *Tensor {
	blk := m.Blocks[i]
	d, dh := m.cfg.DModel, m.cfg.DHead
	heads := m.cfg.NHeads
	rows := batch * seq

	resid = m.hooks.apply(HookResidPre(i), resid)

	// === STEP 1: Per-head attention input ===
	// The residual stream is broadcast per head so head inputs can be
	// observed and patched independently: [batch, seq, heads, dModel].
	attnIn := NewTensor(batch, seq, heads, d)
	for r := 0; r < rows; r++ {
		for h := 0; h < heads; h++ {
			copy(attnIn.Data[(r*heads+h)*d:(r*heads+h)*d+d], resid.Data[r*d:r*d+d])
		}
	}
	attnIn = m.hooks.apply(HookAttnIn(i), attnIn)

	// === STEP 2: Attention per head ===
	// result holds each head's contribution to the residual stream,
	// [batch, seq, heads, dModel].
	result := NewTensor(batch, seq, heads, d)
	scale := float32(1.0 / math.Sqrt(float64(dh)))

	xh := make([]float32, rows*d)
	for h := 0; h < heads; h++ {
		// Gather this head's input rows and normalize.
		for r := 0; r < rows; r++ {
			copy(xh[r*d:r*d+d], attnIn.Data[(r*heads+h)*d:(r*heads+h)*d+d])
		}
		nh := layerNormForward(xh, blk.LN1Gamma, blk.LN1Beta, d, rows)

		// Q, K, V projections for head h: [rows, dHead].
		q := make([]float32, rows*dh)
		k := make([]float32, rows*dh)
		v := make([]float32, rows*dh)
		for r := 0; r < rows; r++ {
			for j := 0; j < dh; j++ {
				qs := blk.QBias[h*dh+j]
				ks := blk.KBias[h*dh+j]
				vs := blk.VBias[h*dh+j]
				for c := 0; c < d; c++ {
					x := nh[r*d+c]
					wIdx := (h*d+c)*dh + j
					qs += x * blk.QWeights[wIdx]
					ks += x * blk.KWeights[wIdx]
					vs += x * blk.VWeights[wIdx]
				}
				q[r*dh+j] = qs
				k[r*dh+j] = ks
				v[r*dh+j] = vs
			}
		}

		// Causal attention per batch row.
		for b := 0; b < batch; b++ {
			for qPos := 0; qPos < seq; qPos++ {
				qRow := b*seq + qPos

				// Scores against positions <= qPos, stable softmax.
				scores := make([]float32, qPos+1)
				for kPos := 0; kPos <= qPos; kPos++ {
					kRow := b*seq + kPos
					sum := float32(0)
					for j := 0; j < dh; j++ {
						sum += q[qRow*dh+j] * k[kRow*dh+j]
					}
					scores[kPos] = sum * scale
				}
				probs := SoftmaxRow(scores)

				// Weighted value sum: z [dHead].
				z := make([]float32, dh)
				for kPos := 0; kPos <= qPos; kPos++ {
					kRow := b*seq + kPos
					p := probs[kPos]
					for j := 0; j < dh; j++ {
						z[j] += p * v[kRow*dh+j]
					}
				}

				// Head contribution: z @ W_O[h] -> [dModel].
				base := (qRow*heads + h) * d
				for c := 0; c < d; c++ {
					sum := float32(0)
					for j := 0; j < dh; j++ {
						sum += z[j] * blk.OutputWeight[(h*dh+j)*d+c]
					}
					result.Data[base+c] = sum
				}
			}
		}
	}
	result = m.hooks.apply(HookAttnResult(i), result)

	// === STEP 3: Combine heads ===
	attnOut := make([]float32, rows*d)
	for r := 0; r < rows; r++ {
		for c := 0; c < d; c++ {
			sum := blk.OutputBias[c]
			for h := 0; h < heads; h++ {
				sum += result.Data[(r*heads+h)*d+c]
			}
			attnOut[r*d+c] = sum
		}
	}

	// === STEP 4: MLP ===
	// Parallel blocks feed the MLP from the same residual input as
	// attention; sequential blocks feed it the attention-updated stream.
	mlpIn := NewTensor(batch, seq, d)
	if m.cfg.ParallelAttnMLP {
		copy(mlpIn.Data, resid.Data)
	} else {
		for j := range mlpIn.Data {
			mlpIn.Data[j] = resid.Data[j] + attnOut[j]
		}
	}
	mlpIn = m.hooks.apply(HookMLPIn(i), mlpIn)

	normed := layerNormForward(mlpIn.Data, blk.LN2Gamma, blk.LN2Beta, d, rows)
	dm := m.cfg.DMLP
	hidden := make([]float32, rows*dm)
	for r := 0; r < rows; r++ {
		for j := 0; j < dm; j++ {
			sum := blk.InBias[j]
			for c := 0; c < d; c++ {
				sum += normed[r*d+c] * blk.InWeight[c*dm+j]
			}
			hidden[r*dm+j] = geluCPU(sum)
		}
	}
	hiddenT := m.hooks.apply(HookMLPPost(i), NewTensorFromSlice(hidden, batch, seq, dm))
	hidden = hiddenT.Data
	mlpOut := NewTensor(batch, seq, d)
	for r := 0; r < rows; r++ {
		for c := 0; c < d; c++ {
			sum := blk.OutBias[c]
			for j := 0; j < dm; j++ {
				sum += hidden[r*dm+j] * blk.OutWeight[j*d+c]
			}
			mlpOut.Data[r*d+c] = sum
		}
	}
	mlpOut = m.hooks.apply(HookMLPOut(i), mlpOut)

	// === STEP 5: Residual update ===
	out := NewTensor(batch, seq, d)
	for j := range out.Data {
		out.Data[j] = resid.Data[j] + attnOut[j] + mlpOut.Data[j]
	}
	if i == m.cfg.NLayers-1 {
		out = m.hooks.apply(HookResidPost(i), out)
	}
	return out
}

// unembed projects normalized residual rows to vocabulary logits.
func (m *Model) unembed(normed []float32, rows int) []float32 {
	if m.device != nil {
		if out, err := m.unembedGPU(normed, rows); err == nil {
			return out
		}
		// GPU failures fall back to the CPU path silently; the result is
		// identical, only slower.
	}
	d, vocab := m.cfg.DModel, m.cfg.VocabSize
	logits := make([]float32, rows*vocab)
	for r := 0; r < rows; r++ {
		for v := 0; v < vocab; v++ {
			sum := float32(0)
			for c := 0; c < d; c++ {
				sum += normed[r*d+c] * m.UnembedWeights[c*vocab+v]
			}
			logits[r*vocab+v] = sum
		}
	}
	return logits
}

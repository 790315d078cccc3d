package circuit

import (
	"fmt"

	"github.com/openfluke/circuit/sae"
	"github.com/openfluke/circuit/tokenizer"
	"github.com/openfluke/circuit/transformer"
)

// Activation-capture points an autoencoder can be keyed by.
const (
	// SAEInputResidDelta substitutes the MLP's residual-stream delta.
	SAEInputResidDelta = "resid_delta_mlp"
	// SAEInputMLPPost substitutes the post-activation MLP hidden state.
	SAEInputMLPPost = "mlp_post_act"
)

// AutoencoderTransformer decorates a hooked transformer so that every
// block's MLP output is replaced by its sparse-autoencoder reconstruction.
// Everything unrelated to MLP substitution delegates unchanged to the
// wrapped model.
type AutoencoderTransformer struct {
	model    *transformer.Model
	saes     []*sae.SparseAutoencoder
	saeInput string

	graph *Graph // built lazily, invalidated by latent pruning
}

// WrapOptions configures autoencoder installation.
type WrapOptions struct {
	// SAEInput picks the capture point; defaults to SAEInputResidDelta.
	SAEInput string
	// SAEs supplies pre-trained autoencoders, one per block. When nil,
	// autoencoders are initialized with NLatents and Seed.
	SAEs     []*sae.SparseAutoencoder
	NLatents int
	Seed     int64
	// NewInstance deep-copies the model before installing hooks, leaving
	// the original untouched.
	NewInstance bool
}

// WrapWithAutoencoders installs one autoencoder per transformer block at the
// chosen capture point and returns the decorated model.
func WrapWithAutoencoders(model *transformer.Model, opts WrapOptions) (*AutoencoderTransformer, error) {
	if opts.SAEInput == "" {
		opts.SAEInput = SAEInputResidDelta
	}
	if opts.SAEInput != SAEInputResidDelta && opts.SAEInput != SAEInputMLPPost {
		return nil, configErrorf("unknown autoencoder input %q", opts.SAEInput)
	}
	cfg := model.Config()

	if opts.NewInstance {
		model = model.Clone()
	}

	nInputs := cfg.DModel
	if opts.SAEInput == SAEInputMLPPost {
		nInputs = cfg.DMLP
	}

	saes := opts.SAEs
	if saes == nil {
		if opts.NLatents <= 0 {
			return nil, configErrorf("autoencoder latent count must be positive, got %d", opts.NLatents)
		}
		for i := 0; i < cfg.NLayers; i++ {
			saes = append(saes, sae.New(i, nInputs, opts.NLatents, opts.Seed+int64(i)))
		}
	}
	if len(saes) != cfg.NLayers {
		return nil, configErrorf("need one autoencoder per block: got %d for %d blocks",
			len(saes), cfg.NLayers)
	}
	for i, s := range saes {
		if s.NInputs() != nInputs {
			return nil, configErrorf("autoencoder %d input width %d, capture point needs %d",
				i, s.NInputs(), nInputs)
		}
	}

	a := &AutoencoderTransformer{
		model:    model,
		saes:     saes,
		saeInput: opts.SAEInput,
	}

	for i := range saes {
		a.installSAE(i)
	}
	return a, nil
}

// installSAE routes block i's capture point through its autoencoder. For
// the residual-delta capture point the per-latent decoder contributions are
// also published at the block's latent hook, which is what the factorized
// graph observes and patches.
func (a *AutoencoderTransformer) installSAE(i int) {
	s := a.saes[i]
	point := transformer.HookMLPOut(i)
	if a.saeInput == SAEInputMLPPost {
		point = transformer.HookMLPPost(i)
	}
	publishLatents := a.saeInput == SAEInputResidDelta

	a.model.AddHook(point, func(name string, act *transformer.Tensor) *transformer.Tensor {
		batch, seq := act.Dim(0), act.Dim(1)
		nTokens := batch * seq
		latents := s.Encode(act.Data, nTokens)

		if !publishLatents {
			return transformer.NewTensorFromSlice(s.Decode(latents, nTokens), act.Shape...)
		}

		contrib := s.LatentContributions(latents, nTokens)
		contribT := transformer.NewTensorFromSlice(contrib, batch, seq, s.NLatents(), s.NInputs())
		contribT = a.model.ApplyHooks(transformer.HookMLPLatents(i), contribT)

		// Reconstruction: sum of per-latent contributions plus decoder bias.
		nIn, nLat := s.NInputs(), s.NLatents()
		recon := make([]float32, nTokens*nIn)
		for t := 0; t < nTokens; t++ {
			for c := 0; c < nIn; c++ {
				sum := s.DecBias[c]
				for l := 0; l < nLat; l++ {
					sum += contribT.Data[(t*nLat+l)*nIn+c]
				}
				recon[t*nIn+c] = sum
			}
		}
		return transformer.NewTensorFromSlice(recon, act.Shape...)
	})
}

// Forward delegates to the wrapped model.
func (a *AutoencoderTransformer) Forward(tokens [][]int) (*transformer.Tensor, error) {
	return a.model.Forward(tokens)
}

// RunWithCache delegates to the wrapped model.
func (a *AutoencoderTransformer) RunWithCache(tokens [][]int) (*transformer.Tensor, map[string]*transformer.Tensor, error) {
	return a.model.RunWithCache(tokens)
}

// AddHook delegates to the wrapped model.
func (a *AutoencoderTransformer) AddHook(name string, fn transformer.HookFn) func() {
	return a.model.AddHook(name, fn)
}

// Config delegates to the wrapped model.
func (a *AutoencoderTransformer) Config() *transformer.Config {
	return a.model.Config()
}

// Tokenizer delegates to the wrapped model.
func (a *AutoencoderTransformer) Tokenizer() *tokenizer.Tokenizer {
	return a.model.Tokenizer()
}

// ToTokens delegates to the wrapped model.
func (a *AutoencoderTransformer) ToTokens(text string) ([]int, error) {
	return a.model.ToTokens(text)
}

// ToStrTokens delegates to the wrapped model.
func (a *AutoencoderTransformer) ToStrTokens(text string) ([]string, error) {
	return a.model.ToStrTokens(text)
}

// ToString delegates to the wrapped model.
func (a *AutoencoderTransformer) ToString(ids []int) (string, error) {
	return a.model.ToString(ids)
}

func (a *AutoencoderTransformer) String() string {
	return fmt.Sprintf("Autoencoder(%s, input=%s)", a.model.String(), a.saeInput)
}

// Model returns the wrapped transformer.
func (a *AutoencoderTransformer) Model() *transformer.Model {
	return a.model
}

// SAE returns block i's autoencoder.
func (a *AutoencoderTransformer) SAE(i int) *sae.SparseAutoencoder {
	return a.saes[i]
}

// SAEs returns all autoencoders in block order.
func (a *AutoencoderTransformer) SAEs() []*sae.SparseAutoencoder {
	return a.saes
}

// SAEInput returns the capture point the autoencoders are keyed by.
func (a *AutoencoderTransformer) SAEInput() string {
	return a.saeInput
}

// Graph returns the factorized graph for the model's current latent
// dictionary, building it on first use.
func (a *AutoencoderTransformer) Graph() (*Graph, error) {
	if a.graph != nil {
		return a.graph, nil
	}
	srcs, err := FactorizedSrcNodes(a)
	if err != nil {
		return nil, err
	}
	dests, err := FactorizedDestNodes(a)
	if err != nil {
		return nil, err
	}
	a.graph = &Graph{
		Srcs:  srcs,
		Dests: dests,
		Edges: BuildEdges(srcs, dests),
	}
	return a.graph, nil
}

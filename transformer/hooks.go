package transformer

import "fmt"

// HookFn intercepts an activation at a named point during the forward pass.
// It may return the activation unchanged (observation) or a replacement of
// the same shape (substitution). Returning nil keeps the original.
type HookFn func(name string, act *Tensor) *Tensor

type hookEntry struct {
	id int
	fn HookFn
}

type hookRegistry struct {
	nextID int
	points map[string][]hookEntry
}

func newHookRegistry() *hookRegistry {
	return &hookRegistry{points: make(map[string][]hookEntry)}
}

// add registers fn at the named point and returns a removal func.
// Hooks at the same point run in registration order.
func (r *hookRegistry) add(name string, fn HookFn) func() {
	r.nextID++
	id := r.nextID
	r.points[name] = append(r.points[name], hookEntry{id: id, fn: fn})
	return func() {
		entries := r.points[name]
		for i, e := range entries {
			if e.id == id {
				r.points[name] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// apply runs all hooks registered at name over act, threading replacements.
func (r *hookRegistry) apply(name string, act *Tensor) *Tensor {
	for _, e := range r.points[name] {
		if out := e.fn(name, act); out != nil {
			act = out
		}
	}
	return act
}

// Hook point names. The blocks.{i} scheme makes node module paths stable
// strings that survive graph construction and rendering.

// HookResidPre names the residual stream entering block i.
func HookResidPre(block int) string {
	return fmt.Sprintf("blocks.%d.hook_resid_pre", block)
}

// HookAttnResult names the per-head attention outputs of block i,
// shaped [batch, seq, heads, dModel].
func HookAttnResult(block int) string {
	return fmt.Sprintf("blocks.%d.attn.hook_result", block)
}

// HookAttnIn names the per-head attention input of block i (combined QKV),
// shaped [batch, seq, heads, dModel].
func HookAttnIn(block int) string {
	return fmt.Sprintf("blocks.%d.hook_attn_in", block)
}

// HookMLPIn names the pre-normalization MLP input of block i.
func HookMLPIn(block int) string {
	return fmt.Sprintf("blocks.%d.hook_mlp_in", block)
}

// HookMLPPost names the post-activation MLP hidden state of block i,
// shaped [batch, seq, dMLP].
func HookMLPPost(block int) string {
	return fmt.Sprintf("blocks.%d.mlp.hook_post", block)
}

// HookMLPOut names the MLP output (residual delta) of block i.
func HookMLPOut(block int) string {
	return fmt.Sprintf("blocks.%d.hook_mlp_out", block)
}

// HookMLPLatents names the per-latent decoder contributions published by an
// autoencoder installed at block i's MLP output,
// shaped [batch, seq, latents, dModel].
func HookMLPLatents(block int) string {
	return fmt.Sprintf("blocks.%d.hook_mlp_out.latent_outs", block)
}

// HookResidPost names the residual stream after block i.
func HookResidPost(block int) string {
	return fmt.Sprintf("blocks.%d.hook_resid_post", block)
}

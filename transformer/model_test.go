package transformer

import (
	"testing"
)

// TestForwardShapes verifies output dimensions across batch sizes
func TestForwardShapes(t *testing.T) {
	cfg := DefaultTestConfig(2, 2)
	m := NewModel(cfg, 1)

	logits, err := m.Forward([][]int{{1, 2, 3, 4}, {5, 6, 7, 8}})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(logits.Shape) != 3 {
		t.Fatalf("Expected 3D logits, got shape %v", logits.Shape)
	}
	if logits.Shape[0] != 2 || logits.Shape[1] != 4 || logits.Shape[2] != cfg.VocabSize {
		t.Errorf("Expected shape [2 4 %d], got %v", cfg.VocabSize, logits.Shape)
	}
}

// TestForwardValidation verifies input rejection
func TestForwardValidation(t *testing.T) {
	m := NewModel(DefaultTestConfig(1, 2), 1)

	if _, err := m.Forward(nil); err == nil {
		t.Error("Empty batch should fail")
	}
	if _, err := m.Forward([][]int{{}}); err == nil {
		t.Error("Empty prompt should fail")
	}
	if _, err := m.Forward([][]int{{1, 2}, {1, 2, 3}}); err == nil {
		t.Error("Ragged batch should fail")
	}

	long := make([]int, 17) // MaxSeqLen is 16
	if _, err := m.Forward([][]int{long}); err == nil {
		t.Error("Over-length prompt should fail")
	}
}

// TestForwardDeterminism verifies reproducibility from the seed
func TestForwardDeterminism(t *testing.T) {
	tokens := [][]int{{3, 1, 4, 1}}

	a, err := NewModel(DefaultTestConfig(2, 2), 42).Forward(tokens)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	b, err := NewModel(DefaultTestConfig(2, 2), 42).Forward(tokens)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if MaxAbsDiff(a.Data, b.Data) != 0 {
		t.Error("Same seed should produce identical logits")
	}

	c, err := NewModel(DefaultTestConfig(2, 2), 43).Forward(tokens)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if MaxAbsDiff(a.Data, c.Data) == 0 {
		t.Error("Different seeds should produce different logits")
	}
}

// TestHooksFireAndRemove verifies hook lifecycle
func TestHooksFireAndRemove(t *testing.T) {
	m := NewModel(DefaultTestConfig(2, 2), 1)
	tokens := [][]int{{1, 2, 3}}

	calls := 0
	remove := m.AddHook(HookResidPre(0), func(name string, act *Tensor) *Tensor {
		calls++
		if name != HookResidPre(0) {
			t.Errorf("Hook got wrong name: %s", name)
		}
		return nil
	})

	if _, err := m.Forward(tokens); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 hook call, got %d", calls)
	}

	remove()
	if _, err := m.Forward(tokens); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Hook fired after removal: %d calls", calls)
	}
}

// TestHookReplacesActivation verifies that a hook's return value
// substitutes the activation
func TestHookReplacesActivation(t *testing.T) {
	m := NewModel(DefaultTestConfig(1, 2), 1)
	tokens := [][]int{{1, 2, 3}}

	baseline, err := m.Forward(tokens)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	remove := m.AddHook(HookMLPOut(0), func(name string, act *Tensor) *Tensor {
		return act.ZerosLike()
	})
	defer remove()

	zeroed, err := m.Forward(tokens)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if MaxAbsDiff(baseline.Data, zeroed.Data) == 0 {
		t.Error("Zeroing the MLP output should change the logits")
	}
}

// TestRunWithCache verifies the captured activation set
func TestRunWithCache(t *testing.T) {
	cfg := DefaultTestConfig(2, 2)
	m := NewModel(cfg, 1)
	tokens := [][]int{{1, 2, 3, 4}}

	logits, cache, err := m.RunWithCache(tokens)
	if err != nil {
		t.Fatalf("RunWithCache failed: %v", err)
	}
	if logits == nil {
		t.Fatal("RunWithCache returned nil logits")
	}

	for i := 0; i < cfg.NLayers; i++ {
		for _, name := range []string{
			HookResidPre(i), HookAttnIn(i), HookAttnResult(i),
			HookMLPIn(i), HookMLPPost(i), HookMLPOut(i),
		} {
			if _, ok := cache[name]; !ok {
				t.Errorf("Cache missing %s", name)
			}
		}
	}
	if _, ok := cache[HookResidPost(cfg.NLayers-1)]; !ok {
		t.Errorf("Cache missing %s", HookResidPost(cfg.NLayers-1))
	}

	// Per-head attention activations carry a head axis
	attnIn := cache[HookAttnIn(0)]
	if len(attnIn.Shape) != 4 || attnIn.Shape[2] != cfg.NHeads || attnIn.Shape[3] != cfg.DModel {
		t.Errorf("Expected attention input [batch seq heads d_model], got %v", attnIn.Shape)
	}
	attnResult := cache[HookAttnResult(0)]
	if len(attnResult.Shape) != 4 || attnResult.Shape[2] != cfg.NHeads {
		t.Errorf("Expected attention result [batch seq heads d_model], got %v", attnResult.Shape)
	}

	// Cached tensors are detached copies
	pre := cache[HookResidPre(0)]
	pre.Data[0] += 1
	_, cache2, err := m.RunWithCache(tokens)
	if err != nil {
		t.Fatalf("RunWithCache failed: %v", err)
	}
	if MaxAbsDiff(cache2[HookResidPre(0)].Data, pre.Data) == 0 {
		t.Error("Cache mutation leaked into the model")
	}
}

// TestCloneIndependence verifies that clones do not share weights or hooks
func TestCloneIndependence(t *testing.T) {
	m := NewModel(DefaultTestConfig(1, 2), 1)
	tokens := [][]int{{1, 2}}

	clone := m.Clone()

	calls := 0
	m.AddHook(HookResidPre(0), func(name string, act *Tensor) *Tensor {
		calls++
		return nil
	})
	if _, err := clone.Forward(tokens); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if calls != 0 {
		t.Error("Hook on the original fired on the clone")
	}

	clone.EmbedWeights[0] += 10
	a, _ := m.Forward(tokens)
	b, _ := clone.Forward(tokens)
	if MaxAbsDiff(a.Data, b.Data) == 0 {
		t.Error("Weight change on the clone should change its logits")
	}
}

// TestParallelAttnMLP verifies that both block wirings run
func TestParallelAttnMLP(t *testing.T) {
	cfg := DefaultTestConfig(2, 2)
	cfg.ParallelAttnMLP = true
	m := NewModel(cfg, 7)

	logits, err := m.Forward([][]int{{1, 2, 3}})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if logits.Shape[2] != cfg.VocabSize {
		t.Errorf("Unexpected logits shape %v", logits.Shape)
	}

	seq := DefaultTestConfig(2, 2)
	sm := NewModel(seq, 7)
	seqLogits, err := sm.Forward([][]int{{1, 2, 3}})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if MaxAbsDiff(logits.Data, seqLogits.Data) == 0 {
		t.Error("Parallel and sequential wirings should differ")
	}
}

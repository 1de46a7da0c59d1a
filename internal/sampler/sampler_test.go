package sampler

import (
	"math"
	"math/rand"
	"sort"
	"testing"
)

func TestSoftmaxLaw(t *testing.T) {
	cands := NewTokenDataArray([]float32{0.1, 2.5, -1.0, 0.7})
	Softmax(cands)

	var sum float32
	for _, d := range cands.Data {
		sum += d.P
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Errorf("probabilities sum to %f", sum)
	}

	// p_i proportional to exp(logit_i - max)
	maxL := float32(2.5)
	var norm float64
	for _, d := range cands.Data {
		norm += math.Exp(float64(d.Logit - maxL))
	}
	for _, d := range cands.Data {
		want := math.Exp(float64(d.Logit-maxL)) / norm
		if math.Abs(float64(d.P)-want) > 1e-6 {
			t.Errorf("id %d: p = %f, want %f", d.ID, d.P, want)
		}
	}
}

func TestTopKFullEqualsSort(t *testing.T) {
	logits := []float32{0.3, -1.2, 4.4, 0.0, 2.2, 2.2, -7.5}
	cands := NewTokenDataArray(logits)
	TopK(cands, len(logits), 1)

	sorted := append([]float32(nil), logits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	for i, d := range cands.Data {
		if d.Logit != sorted[i] {
			t.Errorf("position %d: logit %f, want %f", i, d.Logit, sorted[i])
		}
	}
}

func TestTopKThenSoftmax(t *testing.T) {
	// scenario: logits [1, 2, 3, 4], top_k(2) keeps [4, 3], softmax
	// gives [0.731, 0.269]
	cands := NewTokenDataArray([]float32{1, 2, 3, 4})
	TopK(cands, 2, 1)
	if len(cands.Data) != 2 || cands.Data[0].Logit != 4 || cands.Data[1].Logit != 3 {
		t.Fatalf("top_k kept %+v", cands.Data)
	}
	Softmax(cands)
	if math.Abs(float64(cands.Data[0].P)-0.7310586) > 1e-4 {
		t.Errorf("p0 = %f, want 0.731", cands.Data[0].P)
	}
	if math.Abs(float64(cands.Data[1].P)-0.2689414) > 1e-4 {
		t.Errorf("p1 = %f, want 0.269", cands.Data[1].P)
	}
}

func TestGreedy(t *testing.T) {
	cands := NewTokenDataArray([]float32{0.1, 0.2, 0.9, 0.5})
	if got := Greedy(cands); got != 2 {
		t.Errorf("greedy = %d, want 2", got)
	}
}

func TestRepetitionPenalty(t *testing.T) {
	cands := NewTokenDataArray([]float32{2.0, -3.0, 1.0})
	RepetitionPenalty(cands, []int32{0, 1}, 2.0)

	byID := map[int32]float32{}
	for _, d := range cands.Data {
		byID[d.ID] = d.Logit
	}
	if byID[0] != 1.0 {
		t.Errorf("positive logit: %f, want 1.0 (divided)", byID[0])
	}
	if byID[1] != -6.0 {
		t.Errorf("negative logit: %f, want -6.0 (multiplied)", byID[1])
	}
	if byID[2] != 1.0 {
		t.Errorf("unaffected logit changed: %f", byID[2])
	}
}

func TestRepetitionPenaltyNoop(t *testing.T) {
	cands := NewTokenDataArray([]float32{1, 2})
	RepetitionPenalty(cands, nil, 2.0)
	RepetitionPenalty(cands, []int32{0}, 1.0)
	if cands.Data[0].Logit != 1 || cands.Data[1].Logit != 2 {
		t.Errorf("no-op penalty mutated logits: %+v", cands.Data)
	}
}

func TestFrequencyAndPresencePenalties(t *testing.T) {
	cands := NewTokenDataArray([]float32{5, 5, 5})
	FrequencyAndPresencePenalties(cands, []int32{1, 1, 2}, 0.5, 1.0)

	byID := map[int32]float32{}
	for _, d := range cands.Data {
		byID[d.ID] = d.Logit
	}
	if byID[0] != 5 {
		t.Errorf("unseen token penalized: %f", byID[0])
	}
	if byID[1] != 5-2*0.5-1.0 {
		t.Errorf("token 1: %f, want %f", byID[1], 5-2*0.5-1.0)
	}
	if byID[2] != 5-0.5-1.0 {
		t.Errorf("token 2: %f, want %f", byID[2], 5-0.5-1.0)
	}
}

func TestTopP(t *testing.T) {
	cands := NewTokenDataArray([]float32{10, 1, 0.5, 0.1})
	TopP(cands, 0.9, 1)
	// the first candidate dominates the mass
	if len(cands.Data) != 1 || cands.Data[0].ID != 0 {
		t.Errorf("top_p kept %+v", cands.Data)
	}

	cands = NewTokenDataArray([]float32{1, 1, 1, 1})
	TopP(cands, 1.0, 1)
	if len(cands.Data) != 4 {
		t.Errorf("p >= 1 must keep everything, kept %d", len(cands.Data))
	}
}

func TestTopPMinKeep(t *testing.T) {
	cands := NewTokenDataArray([]float32{10, 0, 0, 0})
	TopP(cands, 0.5, 3)
	if len(cands.Data) < 3 {
		t.Errorf("min_keep violated: %d", len(cands.Data))
	}
}

func TestTemperature(t *testing.T) {
	cands := NewTokenDataArray([]float32{1, 2})
	Temperature(cands, 0.5)
	if cands.Data[0].Logit != 2 || cands.Data[1].Logit != 4 {
		t.Errorf("temperature scaling wrong: %+v", cands.Data)
	}
}

func TestTailFreeAndTypicalKeepSomething(t *testing.T) {
	logits := make([]float32, 64)
	for i := range logits {
		logits[i] = float32(64-i) * 0.1
	}

	tf := NewTokenDataArray(logits)
	TailFree(tf, 0.5, 1)
	if len(tf.Data) == 0 || len(tf.Data) > 64 {
		t.Errorf("tail_free kept %d", len(tf.Data))
	}

	ty := NewTokenDataArray(logits)
	Typical(ty, 0.5, 1)
	if len(ty.Data) == 0 || len(ty.Data) > 64 {
		t.Errorf("typical kept %d", len(ty.Data))
	}
}

func TestTokenSamplingDeterministic(t *testing.T) {
	logits := []float32{1, 3, 2}
	a := rand.New(rand.NewSource(1234))
	b := rand.New(rand.NewSource(1234))

	ca := NewTokenDataArray(logits)
	cb := NewTokenDataArray(logits)
	for i := 0; i < 16; i++ {
		if Token(ca, a) != Token(cb, b) {
			t.Fatal("same seed must sample the same tokens")
		}
	}
}

func TestTokenSamplingDistribution(t *testing.T) {
	// a dominant logit must win most draws
	rng := rand.New(rand.NewSource(7))
	wins := 0
	for i := 0; i < 200; i++ {
		c := NewTokenDataArray([]float32{0, 5, 0})
		if Token(c, rng) == 1 {
			wins++
		}
	}
	if wins < 180 {
		t.Errorf("dominant token won only %d/200 draws", wins)
	}
}

func TestMirostatV2Smoke(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	mu := float32(10.0)
	logits := make([]float32, 32)
	for i := range logits {
		logits[i] = float32(-i)
	}
	for i := 0; i < 8; i++ {
		c := NewTokenDataArray(logits)
		tok := MirostatV2(c, rng, 5.0, 0.1, &mu)
		if tok < 0 || int(tok) >= len(logits) {
			t.Fatalf("sampled id %d out of range", tok)
		}
	}
	if math.IsNaN(float64(mu)) || math.IsInf(float64(mu), 0) {
		t.Errorf("mu diverged: %f", mu)
	}
}

func TestClassifierFreeGuidance(t *testing.T) {
	logits := []float32{1, 2}
	guidance := []float32{0, 4}
	ClassifierFreeGuidance(logits, guidance, 2.0)
	if logits[0] != 2 { // 0 + 2*(1-0)
		t.Errorf("logit0 = %f, want 2", logits[0])
	}
	if logits[1] != 0 { // 4 + 2*(2-4)
		t.Errorf("logit1 = %f, want 0", logits[1])
	}
}

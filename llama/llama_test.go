package llama

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/arbalest-llm/arbalest/internal/backend"
	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/quant"
)

// writeTinyModel emits a 2-layer model small enough to eval in tests.
func writeTinyModel(t *testing.T, path string) *ggml.HParams {
	t.Helper()
	hp := &ggml.HParams{
		NVocab: 16, NEmbd: 8, NMult: 16, NHead: 2, NLayer: 2, NRot: 4,
		FType: ggml.FTypeAllF32,
	}

	vocab := ggml.Vocab{TokenToID: map[string]int32{}}
	for i := 0; i < int(hp.NVocab); i++ {
		text := fmt.Sprintf("<%d>", i)
		vocab.IDToToken = append(vocab.IDToToken, ggml.TokenScore{Text: text})
		vocab.TokenToID[text] = int32(i)
	}

	s, err := ggml.NewSaver(path, hp, &vocab, false, hp.FType)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	rng := rand.New(rand.NewSource(1))
	write := func(name string, norm bool, ne ...uint32) {
		n := 1
		for _, d := range ne {
			n *= int(d)
		}
		vals := make([]float32, n)
		for i := range vals {
			if norm {
				vals[i] = 1.0
			} else {
				vals[i] = float32(rng.NormFloat64()) * 0.1
			}
		}
		payload := make([]byte, n*4)
		if _, err := quant.QuantizeChunk(ggml.TypeF32, vals, payload, 0, n, nil); err != nil {
			t.Fatal(err)
		}
		if err := s.WriteTensor(&ggml.TensorMeta{Name: name, NE: ne}, ggml.TypeF32, payload); err != nil {
			t.Fatal(err)
		}
	}

	nEmbd, nVocab, nFF := hp.NEmbd, hp.NVocab, hp.NFF()
	write("tok_embeddings.weight", false, nEmbd, nVocab)
	write("norm.weight", true, nEmbd)
	write("output.weight", false, nEmbd, nVocab)
	for l := 0; l < int(hp.NLayer); l++ {
		p := fmt.Sprintf("layers.%d.", l)
		write(p+"attention_norm.weight", true, nEmbd)
		write(p+"attention.wq.weight", false, nEmbd, nEmbd)
		write(p+"attention.wk.weight", false, nEmbd, nEmbd)
		write(p+"attention.wv.weight", false, nEmbd, nEmbd)
		write(p+"attention.wo.weight", false, nEmbd, nEmbd)
		write(p+"ffn_norm.weight", true, nEmbd)
		write(p+"feed_forward.w1.weight", false, nEmbd, nFF)
		write(p+"feed_forward.w2.weight", false, nFF, nEmbd)
		write(p+"feed_forward.w3.weight", false, nEmbd, nFF)
	}
	return hp
}

func testParams() ContextParams {
	p := DefaultContextParams()
	p.NCtx = 16
	p.NBatch = 8
	p.Seed = 42
	p.Progress = func(float32) {}
	return p
}

func withBackends(t *testing.T, f func()) {
	t.Helper()
	BackendInit(false)
	defer BackendFree()
	f()
}

func TestLoadModelShapes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	hp := writeTinyModel(t, path)

	withBackends(t, func() {
		m, err := LoadModelFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer FreeModel(m)

		if m.NVocab() != int(hp.NVocab) {
			t.Errorf("n_vocab = %d", m.NVocab())
		}
		if m.NEmbd() != int(hp.NEmbd) {
			t.Errorf("n_embd = %d", m.NEmbd())
		}
		if m.NCtx() != 16 {
			t.Errorf("n_ctx = %d (caller-injected)", m.NCtx())
		}
	})
}

func TestLoaderBytesMatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		params := testParams()
		params.UseMmap = false
		m, err := LoadModelFromFile(path, params)
		if err != nil {
			t.Fatal(err)
		}
		defer FreeModel(m)

		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}

		var tensors ggml.TensorsMap
		l, err := ggml.NewLoader(path, &tensors)
		if err != nil {
			t.Fatal(err)
		}
		defer l.Close()

		for _, nt := range m.m.TensorsByName {
			meta := tensors.Get(nt.Name)
			if meta == nil {
				t.Fatalf("tensor %s not in file", nt.Name)
			}
			fileBytes := raw[meta.FileOff : meta.FileOff+int64(meta.Size)]
			memBytes := nt.Tensor.Data[:meta.Size]
			for i := range fileBytes {
				if fileBytes[i] != memBytes[i] {
					t.Fatalf("tensor %s differs from file at byte %d", nt.Name, i)
				}
			}
		}
	})
}

func TestMissingTensor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.bin")
	hp := &ggml.HParams{NVocab: 4, NEmbd: 8, NMult: 16, NHead: 2, NLayer: 1, NRot: 4}
	vocab := ggml.Vocab{TokenToID: map[string]int32{}}
	for i := 0; i < 4; i++ {
		text := fmt.Sprintf("<%d>", i)
		vocab.IDToToken = append(vocab.IDToToken, ggml.TokenScore{Text: text})
		vocab.TokenToID[text] = int32(i)
	}
	s, err := ggml.NewSaver(path, hp, &vocab, false, ggml.FTypeAllF32)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 8*4*4)
	if err := s.WriteTensor(&ggml.TensorMeta{Name: "tok_embeddings.weight", NE: []uint32{8, 4}}, ggml.TypeF32, payload); err != nil {
		t.Fatal(err)
	}
	s.Close()

	withBackends(t, func() {
		_, err := LoadModelFromFile(path, testParams())
		if err == nil {
			t.Fatal("expected MissingTensor error")
		}
	})
}

func evalSequence(t *testing.T, ctx *Context) []float32 {
	t.Helper()
	if err := ctx.Eval([]Token{1, 2, 3, 4}, 0, 2); err != nil {
		t.Fatal(err)
	}
	if got := ctx.KVCacheTokenCount(); got != 4 {
		t.Fatalf("kv.n = %d after batch, want 4", got)
	}
	if err := ctx.Eval([]Token{5}, 4, 2); err != nil {
		t.Fatal(err)
	}
	if got := ctx.KVCacheTokenCount(); got != 5 {
		t.Fatalf("kv.n = %d, want 5", got)
	}
	return append([]float32(nil), ctx.Logits()...)
}

func TestEvalKVAppendAndLogitsShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		ctx, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(ctx)

		logits := evalSequence(t, ctx)
		if len(logits) != ctx.NVocab() {
			t.Fatalf("logits len %d, want n_vocab %d", len(logits), ctx.NVocab())
		}
		for i, v := range logits {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("logit %d is %f", i, v)
			}
		}
	})
}

func TestEvalDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		a, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(a)
		b, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(b)

		la := evalSequence(t, a)
		lb := evalSequence(t, b)
		for i := range la {
			if la[i] != lb[i] {
				t.Fatalf("logit %d differs: %f vs %f", i, la[i], lb[i])
			}
		}
	})
}

func TestIncrementalMatchesBatch(t *testing.T) {
	// feeding tokens one at a time through the KV cache must match
	// evaluating them as one batch
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		batch, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(batch)
		inc, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(inc)

		tokens := []Token{3, 1, 4, 1, 5}
		if err := batch.Eval(tokens, 0, 2); err != nil {
			t.Fatal(err)
		}
		for i, tok := range tokens {
			if err := inc.Eval([]Token{tok}, i, 2); err != nil {
				t.Fatal(err)
			}
		}

		lb, li := batch.Logits(), inc.Logits()
		for i := range lb {
			if math.Abs(float64(lb[i]-li[i])) > 2e-3 {
				t.Fatalf("logit %d: batch %f vs incremental %f", i, lb[i], li[i])
			}
		}
	})
}

func TestLogitsAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		params := testParams()
		params.LogitsAll = true
		ctx, err := InitFromFile(path, params)
		if err != nil {
			t.Fatal(err)
		}
		defer Free(ctx)

		if err := ctx.Eval([]Token{1, 2, 3}, 0, 2); err != nil {
			t.Fatal(err)
		}
		if want := 3 * ctx.NVocab(); len(ctx.Logits()) != want {
			t.Fatalf("logits len %d, want %d", len(ctx.Logits()), want)
		}
	})
}

func TestEmbeddingOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		params := testParams()
		params.Embedding = true
		ctx, err := InitFromFile(path, params)
		if err != nil {
			t.Fatal(err)
		}
		defer Free(ctx)

		if err := ctx.Eval([]Token{1, 2}, 0, 2); err != nil {
			t.Fatal(err)
		}
		emb := ctx.Embeddings()
		if len(emb) != ctx.NEmbd() {
			t.Fatalf("embedding len %d, want %d", len(emb), ctx.NEmbd())
		}
		var nonzero bool
		for _, v := range emb {
			if v != 0 {
				nonzero = true
			}
		}
		if !nonzero {
			t.Error("embedding is all zeros")
		}
	})
}

func TestEvalEmbdInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		ctx, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(ctx)

		embd := make([]float32, 2*ctx.NEmbd())
		for i := range embd {
			embd[i] = 0.01 * float32(i)
		}
		if err := ctx.EvalEmbd(embd, 0, 2); err != nil {
			t.Fatal(err)
		}
		if len(ctx.Logits()) != ctx.NVocab() {
			t.Fatalf("logits len %d", len(ctx.Logits()))
		}
	})
}

func TestEvalParameterValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		ctx, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(ctx)

		if err := ctx.evalInternal(nil, nil, 0, 1); err == nil {
			t.Error("neither input: want error")
		}
		if err := ctx.evalInternal([]Token{1}, []float32{0}, 0, 1); err == nil {
			t.Error("both inputs: want error")
		}
		if err := ctx.Eval([]Token{}, 0, 1); err == nil {
			t.Error("empty batch: want error")
		}
		many := make([]Token, 17)
		if err := ctx.Eval(many, 0, 1); err == nil {
			t.Error("batch beyond n_ctx: want error")
		}
	})
}

func TestSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.bin")
	session := filepath.Join(dir, "state.session")
	writeTinyModel(t, path)

	withBackends(t, func() {
		a, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(a)

		prompt := []Token{1, 2, 3, 4}
		if err := a.Eval(prompt, 0, 2); err != nil {
			t.Fatal(err)
		}
		if err := a.SaveSessionFile(session, prompt); err != nil {
			t.Fatal(err)
		}

		b, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(b)

		restored, err := b.LoadSessionFile(session, 16)
		if err != nil {
			t.Fatal(err)
		}
		if len(restored) != len(prompt) {
			t.Fatalf("restored %d tokens", len(restored))
		}
		if b.KVCacheTokenCount() != 4 {
			t.Fatalf("restored kv.n = %d", b.KVCacheTokenCount())
		}

		// continuing from the restored state matches the original
		if err := a.Eval([]Token{5}, 4, 2); err != nil {
			t.Fatal(err)
		}
		if err := b.Eval([]Token{5}, 4, 2); err != nil {
			t.Fatal(err)
		}
		la, lb := a.Logits(), b.Logits()
		for i := range la {
			if la[i] != lb[i] {
				t.Fatalf("logit %d differs after restore: %f vs %f", i, la[i], lb[i])
			}
		}
	})
}

func TestSessionWrongModelRejected(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.bin")
	pathB := filepath.Join(dir, "b.bin")
	session := filepath.Join(dir, "s.session")
	writeTinyModel(t, pathA)
	writeTinyModel(t, pathB)

	withBackends(t, func() {
		a, err := InitFromFile(pathA, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(a)
		if err := a.Eval([]Token{1}, 0, 1); err != nil {
			t.Fatal(err)
		}
		if err := a.SaveSessionFile(session, []Token{1}); err != nil {
			t.Fatal(err)
		}

		params := testParams()
		params.NCtx = 12 // different n_ctx changes the hparams block
		b, err := InitFromFile(pathB, params)
		if err != nil {
			t.Fatal(err)
		}
		defer Free(b)
		if _, err := b.LoadSessionFile(session, 16); err == nil {
			t.Fatal("expected hparams mismatch")
		}
	})
}

func TestSplitBackendsMatchSingle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	var single []float32
	withBackends(t, func() {
		ctx, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(ctx)
		single = evalSequence(t, ctx)
	})

	var split []float32
	BackendInit(false)
	RegisterGPUBackend(backend.NewCPUNamed("dev1", false))
	func() {
		defer BackendFree()
		params := testParams()
		params.NGpuLayers = 1
		ctx, err := InitFromFile(path, params)
		if err != nil {
			t.Fatal(err)
		}
		defer Free(ctx)
		split = evalSequence(t, ctx)
	}()

	for i := range single {
		if math.Abs(float64(single[i]-split[i])) > 1e-5 {
			t.Fatalf("logit %d: single %f vs split %f", i, single[i], split[i])
		}
	}
}

func TestF32KVMatchesF16Closely(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		p16 := testParams()
		p32 := testParams()
		p32.F16KV = false

		a, err := InitFromFile(path, p16)
		if err != nil {
			t.Fatal(err)
		}
		defer Free(a)
		b, err := InitFromFile(path, p32)
		if err != nil {
			t.Fatal(err)
		}
		defer Free(b)

		la := evalSequence(t, a)
		lb := evalSequence(t, b)
		for i := range la {
			if math.Abs(float64(la[i]-lb[i])) > 5e-2 {
				t.Fatalf("logit %d: f16 kv %f vs f32 kv %f", i, la[i], lb[i])
			}
		}
	})
}

func TestVocabOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		params := testParams()
		params.VocabOnly = true
		m, err := LoadModelFromFile(path, params)
		if err != nil {
			t.Fatal(err)
		}
		defer FreeModel(m)

		if m.NVocab() != 16 {
			t.Errorf("n_vocab = %d", m.NVocab())
		}
		if m.TokenToStr(3) != "<3>" {
			t.Errorf("token 3 = %q", m.TokenToStr(3))
		}
	})
}

func TestSetRNGSeedDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		ctx, err := InitFromFile(path, testParams())
		if err != nil {
			t.Fatal(err)
		}
		defer Free(ctx)

		if err := ctx.Eval([]Token{1, 2}, 0, 1); err != nil {
			t.Fatal(err)
		}

		ctx.SetRNGSeed(7)
		c1 := ctx.NewCandidates()
		ctx.SampleTemperature(c1, 0.8)
		t1 := ctx.SampleToken(c1)

		ctx.SetRNGSeed(7)
		c2 := ctx.NewCandidates()
		ctx.SampleTemperature(c2, 0.8)
		t2 := ctx.SampleToken(c2)

		if t1 != t2 {
			t.Errorf("same seed sampled %d then %d", t1, t2)
		}
	})
}

func TestGetVocab(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.bin")
	writeTinyModel(t, path)

	withBackends(t, func() {
		params := testParams()
		params.VocabOnly = true
		m, err := LoadModelFromFile(path, params)
		if err != nil {
			t.Fatal(err)
		}
		defer FreeModel(m)

		strs := make([]string, 8)
		scores := make([]float32, 8)
		n := m.GetVocab(strs, scores, 8)
		if n != 8 || strs[0] != "<0>" {
			t.Errorf("GetVocab: n=%d strs[0]=%q", n, strs[0])
		}
	})
}

func TestApplyLoRAUnimplemented(t *testing.T) {
	if err := ApplyLoRAFromFile(nil, "x", "", 1); err != ErrUnimplemented {
		t.Errorf("err = %v, want ErrUnimplemented", err)
	}
}

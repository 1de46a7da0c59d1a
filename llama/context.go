package llama

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/arbalest-llm/arbalest/internal/backend"
	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/graph"
	"github.com/arbalest-llm/arbalest/internal/kvcache"
	"github.com/arbalest-llm/arbalest/internal/logger"
	"github.com/arbalest-llm/arbalest/internal/metrics"
	"github.com/arbalest-llm/arbalest/internal/model"
)

var ErrInvalidParameter = errors.New("invalid parameter")

// Context owns everything mutable about one evaluation stream: the KV
// cache, the RNG, timing counters and the graph I/O staging buffers.
// Not safe for concurrent use; the model it borrows is.
type Context struct {
	model      *Model
	modelOwner bool

	rng  *rand.Rand
	seed uint32

	kv *kvcache.Cache
	st graph.EvalState

	nBatch    int
	logitsAll bool

	// outputs; alias internal storage, valid until the next eval
	logits    []float32
	embedding []float32

	ioBufs []*backend.Buffer

	hasEvaluatedOnce bool
	tStartUs         int64
	tLoadUs          int64
	tSampleUs        int64
	tEvalUs          int64
	tPEvalUs         int64
	nSample          int
	nEval            int
	nPEval           int
}

// computeBufferSize bounds the arena bytes one eval can allocate on a
// backend: every intermediate of every layer stays live until the
// graph finishes.
func computeBufferSize(h *ggml.HParams, nBatch int) uint64 {
	n := uint64(nBatch)
	nEmbd := uint64(h.NEmbd)
	nFF := uint64(h.NFF())
	nCtx := uint64(h.NCtx)
	nHead := uint64(h.NHead)
	nVocab := uint64(h.NVocab)

	perLayer := 4 * n * (14*nEmbd + 4*nFF)
	perLayer += 4 * nHead * n * (nCtx + n) // attention scores
	total := uint64(h.NLayer)*perLayer + 4*n*(nVocab+4*nEmbd)
	total += total / 4 // padding and slack
	return total + 4*1024*1024
}

// NewContextWithModel creates an evaluation context over a loaded
// model.
func NewContextWithModel(m *Model, params ContextParams) (*Context, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil model", ErrInvalidParameter)
	}
	if params.NCtx < 1 {
		return nil, fmt.Errorf("%w: n_ctx = %d", ErrInvalidParameter, params.NCtx)
	}

	ctx := &Context{
		model:     m,
		nBatch:    params.NBatch,
		logitsAll: params.LogitsAll,
		tStartUs:  time.Now().UnixMicro(),
		tLoadUs:   m.m.TLoadUs,
	}
	ctx.SetRNGSeed(params.Seed)

	if params.VocabOnly {
		return ctx, nil
	}

	hparams := &m.m.HParams

	memoryType := ggml.TypeF32
	if params.F16KV {
		memoryType = ggml.TypeF16
	}

	// the cache follows the GPU only when most layers live there and
	// VRAM is not scarce
	backendKV := m.m.BackendCPU
	if m.m.BackendGPU != nil && params.NGpuLayers >= int(hparams.NLayer)/2 && !params.LowVRAM {
		backendKV = m.m.BackendGPU
	}

	kv, err := kvcache.Init(backendKV, hparams, memoryType, int(hparams.NCtx))
	if err != nil {
		return nil, err
	}
	ctx.kv = kv

	// per-backend compute scratch
	ctx.st.ComputeBufs = make(map[backend.Backend]*backend.Buffer)
	evalSize := computeBufferSize(hparams, params.NBatch)
	backends := map[backend.Backend]bool{
		m.m.BackendInp: true,
		m.m.BackendOut: true,
		backendKV:      true,
	}
	for _, b := range m.m.BackendLayers {
		backends[b] = true
	}
	for b := range backends {
		buf, err := b.AllocBuffer(evalSize)
		if err != nil {
			return nil, fmt.Errorf("compute buffer on %s: %w", b.Name(), err)
		}
		ctx.st.ComputeBufs[b] = buf
	}

	// graph input tensors
	{
		nCtxT := int(hparams.NCtx)
		nEmbd := int(hparams.NEmbd)
		size := uint64(nCtxT)*4 + uint64(nEmbd*nCtxT)*4 + 64
		buf, err := m.m.BackendInp.AllocBuffer(size)
		if err != nil {
			return nil, err
		}
		ctx.ioBufs = append(ctx.ioBufs, buf)
		ioCtx := backend.NewContext(buf, false)
		if ctx.st.TokensIn, err = ioCtx.NewTensorE(ggml.TypeI32, nCtxT); err != nil {
			return nil, err
		}
		ctx.st.TokensIn.SetName("tokens_in")
		if ctx.st.EmbeddingsIn, err = ioCtx.NewTensorE(ggml.TypeF32, nEmbd, nCtxT); err != nil {
			return nil, err
		}
		ctx.st.EmbeddingsIn.SetName("embeddings_in")
	}

	// graph output tensors
	{
		nVocab := int(hparams.NVocab)
		nEmbd := int(hparams.NEmbd)
		logitRows := 1
		if params.LogitsAll {
			logitRows = int(hparams.NCtx)
		}
		size := uint64(nVocab*logitRows)*4 + 64
		if params.Embedding {
			size += uint64(nEmbd)*4 + 32
		}
		buf, err := m.m.BackendOut.AllocBuffer(size)
		if err != nil {
			return nil, err
		}
		ctx.ioBufs = append(ctx.ioBufs, buf)
		ioCtx := backend.NewContext(buf, false)
		if ctx.st.Logits, err = ioCtx.NewTensorE(ggml.TypeF32, nVocab, logitRows); err != nil {
			return nil, err
		}
		ctx.st.Logits.SetName("logits")
		if params.Embedding {
			if ctx.st.EmbeddingsOut, err = ioCtx.NewTensorE(ggml.TypeF32, nEmbd); err != nil {
				return nil, err
			}
			ctx.st.EmbeddingsOut.SetName("embeddings_out")
			ctx.embedding = make([]float32, nEmbd)
		}
	}
	ctx.st.LogitsAll = params.LogitsAll

	logBackendAssignment(m.m, backendKV)
	return ctx, nil
}

func logBackendAssignment(m *model.Model, backendKV backend.Backend) {
	layers := make(map[string]int)
	for _, b := range m.BackendLayers {
		layers[b.Name()]++
	}
	logger.Log.Info("layer backends",
		"input", m.BackendInp.Name(),
		"layers", layers,
		"output", m.BackendOut.Name(),
		"kv", backendKV.Name())
}

// InitFromFile is the one-call loader: it creates a model and a
// context that owns it.
func InitFromFile(path string, params ContextParams) (*Context, error) {
	m, err := LoadModelFromFile(path, params)
	if err != nil {
		return nil, err
	}
	ctx, err := NewContextWithModel(m, params)
	if err != nil {
		FreeModel(m)
		return nil, err
	}
	ctx.modelOwner = true
	return ctx, nil
}

// Free releases the context and, when it owns it, the model.
func Free(ctx *Context) {
	if ctx == nil {
		return
	}
	if ctx.kv != nil {
		ctx.kv.Free()
		ctx.kv = nil
	}
	for _, buf := range ctx.ioBufs {
		buf.Backend.FreeBuffer(buf)
	}
	for b, buf := range ctx.st.ComputeBufs {
		b.FreeBuffer(buf)
	}
	ctx.st.ComputeBufs = nil
	if ctx.modelOwner {
		FreeModel(ctx.model)
	}
}

// SetRNGSeed reseeds the sampling RNG; DefaultSeed selects the clock.
func (c *Context) SetRNGSeed(seed uint32) {
	if seed == DefaultSeed {
		seed = uint32(time.Now().Unix())
	}
	c.seed = seed
	c.rng = rand.New(rand.NewSource(int64(seed)))
}

// Model returns the borrowed model.
func (c *Context) Model() *Model { return c.model }

func (c *Context) NVocab() int { return c.model.NVocab() }
func (c *Context) NCtx() int   { return c.model.NCtx() }
func (c *Context) NEmbd() int  { return c.model.NEmbd() }

// KVCacheTokenCount returns the logical fill of the KV cache.
func (c *Context) KVCacheTokenCount() int {
	if c.kv == nil {
		return 0
	}
	return c.kv.N
}

// Eval runs the transformer over a batch of token ids at offset
// nPast, filling the logits (and embedding) outputs.
func (c *Context) Eval(tokens []Token, nPast, nThreads int) error {
	return c.evalInternal(tokens, nil, nPast, nThreads)
}

// EvalEmbd is Eval with raw input embeddings instead of token ids.
func (c *Context) EvalEmbd(embd []float32, nPast, nThreads int) error {
	return c.evalInternal(nil, embd, nPast, nThreads)
}

func (c *Context) evalInternal(tokens []Token, embd []float32, nPast, nThreads int) error {
	if (tokens == nil) == (embd == nil) {
		return fmt.Errorf("%w: exactly one of tokens and embeddings must be provided", ErrInvalidParameter)
	}
	if c.kv == nil {
		return fmt.Errorf("%w: vocab-only context cannot eval", ErrInvalidParameter)
	}

	N := len(tokens)
	embdInput := embd != nil
	if embdInput {
		if len(embd)%c.NEmbd() != 0 {
			return fmt.Errorf("%w: embedding input length %d is not a multiple of n_embd", ErrInvalidParameter, len(embd))
		}
		N = len(embd) / c.NEmbd()
	}
	if N < 1 {
		return fmt.Errorf("%w: empty batch", ErrInvalidParameter)
	}
	if nPast < 0 || nPast+N > c.NCtx() {
		return fmt.Errorf("%w: n_past %d + batch %d exceeds n_ctx %d", ErrInvalidParameter, nPast, N, c.NCtx())
	}

	tStart := time.Now()

	m := c.model.m
	splits, err := graph.Build(m, c.kv, &c.st, graph.BuildParams{
		N:               N,
		NPast:           nPast,
		EmbeddingsInput: embdInput,
		ComputeType:     ggml.TypeF32,
	})
	if err != nil {
		return err
	}

	// stage the batch into the graph inputs
	if tokens != nil {
		buf := make([]byte, N*4)
		for i, t := range tokens {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(t))
		}
		m.BackendInp.TensorSetAsync(c.st.TokensIn, 0, buf)
	} else {
		buf := make([]byte, len(embd)*4)
		for i, v := range embd {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		m.BackendInp.TensorSetAsync(c.st.EmbeddingsIn, 0, buf)
	}

	graph.Run(splits, nThreads, N, m.BackendOut)

	c.kv.Advance(nPast, N)

	// extract logits
	nVocab := c.NVocab()
	nOut := nVocab
	if c.logitsAll {
		nOut = nVocab * N
	}
	out := make([]byte, nOut*4)
	m.BackendOut.TensorGetAsync(c.st.Logits, 0, out)
	if cap(c.logits) < nOut {
		c.logits = make([]float32, nOut)
	}
	c.logits = c.logits[:nOut]
	for i := range c.logits {
		c.logits[i] = math.Float32frombits(binary.LittleEndian.Uint32(out[i*4:]))
	}

	// extract the embedding
	if c.st.EmbeddingsOut != nil {
		eb := make([]byte, c.NEmbd()*4)
		m.BackendOut.TensorGetAsync(c.st.EmbeddingsOut, 0, eb)
		for i := range c.embedding {
			c.embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(eb[i*4:]))
		}
	}
	m.BackendOut.Synchronize()

	elapsed := time.Since(tStart)
	if N == 1 {
		c.tEvalUs += elapsed.Microseconds()
		c.nEval++
		metrics.EvalDuration.WithLabelValues("token").Observe(elapsed.Seconds())
	} else {
		c.tPEvalUs += elapsed.Microseconds()
		c.nPEval += N
		metrics.EvalDuration.WithLabelValues("prompt").Observe(elapsed.Seconds())
	}
	metrics.EvalTokensTotal.Add(float64(N))

	if !c.hasEvaluatedOnce {
		// page faults deferred by mmap land on the first eval
		c.tLoadUs = time.Now().UnixMicro() - c.model.m.TStartUs
		c.hasEvaluatedOnce = true
	}
	return nil
}

// Logits returns the output of the last eval: n_vocab floats, or
// n_vocab per token with LogitsAll. The slice aliases internal
// storage and is valid until the next eval.
func (c *Context) Logits() []float32 { return c.logits }

// Embeddings returns the last token's embedding from the last eval;
// nil unless the context was configured with Embedding.
func (c *Context) Embeddings() []float32 { return c.embedding }

// Tokenize encodes text, mirroring Model.Tokenize.
func (c *Context) Tokenize(text string, addBos bool) []Token {
	return c.model.Tokenize(text, addBos)
}

func (c *Context) TokenToStr(id Token) string { return c.model.TokenToStr(id) }

// Timings aggregates the per-context counters.
type Timings struct {
	TStartMS  float64
	TEndMS    float64
	TLoadMS   float64
	TSampleMS float64
	TPEvalMS  float64
	TEvalMS   float64

	NSample int
	NPEval  int
	NEval   int
}

func (c *Context) GetTimings() Timings {
	max1 := func(n int) int {
		if n < 1 {
			return 1
		}
		return n
	}
	return Timings{
		TStartMS:  1e-3 * float64(c.tStartUs),
		TEndMS:    1e-3 * float64(time.Now().UnixMicro()),
		TLoadMS:   1e-3 * float64(c.tLoadUs),
		TSampleMS: 1e-3 * float64(c.tSampleUs),
		TPEvalMS:  1e-3 * float64(c.tPEvalUs),
		TEvalMS:   1e-3 * float64(c.tEvalUs),
		NSample:   max1(c.nSample),
		NPEval:    max1(c.nPEval),
		NEval:     max1(c.nEval),
	}
}

func (c *Context) PrintTimings() {
	t := c.GetTimings()
	logger.Log.Info("timings",
		"load_ms", t.TLoadMS,
		"sample_ms_per_token", t.TSampleMS/float64(t.NSample),
		"prompt_eval_ms_per_token", t.TPEvalMS/float64(t.NPEval),
		"eval_ms_per_token", t.TEvalMS/float64(t.NEval),
		"total_ms", t.TEndMS-t.TStartMS)
}

func (c *Context) ResetTimings() {
	c.tStartUs = time.Now().UnixMicro()
	c.tSampleUs, c.nSample = 0, 0
	c.tEvalUs, c.nEval = 0, 0
	c.tPEvalUs, c.nPEval = 0, 0
}

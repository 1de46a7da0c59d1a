// Package llama is the public surface of the inference runtime: model
// loading, context creation, evaluation, tokenization, quantization
// and session files.
package llama

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/arbalest-llm/arbalest/internal/backend"
	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/logger"
	"github.com/arbalest-llm/arbalest/internal/mmap"
	"github.com/arbalest-llm/arbalest/internal/model"
	"github.com/arbalest-llm/arbalest/internal/tokenizer"
)

// process-wide backend state, set up once and torn down explicitly
var (
	backendCPU *backend.CPU
	backendGPU backend.Backend
	numaMode   bool
)

// BackendInit prepares the process-wide compute backends. Call once
// before any model is loaded; pair with BackendFree.
func BackendInit(numa bool) {
	if backendCPU != nil {
		return
	}
	backendCPU = backend.NewCPU()
	numaMode = numa && mmap.IsNUMA()
	if numaMode {
		logger.Log.Info("NUMA layout detected, mmap prefetch disabled")
	}
}

// RegisterGPUBackend installs a device backend for layer offload.
// Must be called between BackendInit and the first LoadModelFromFile.
func RegisterGPUBackend(b backend.Backend) {
	backendGPU = b
}

// BackendFree tears down the process-wide backend state.
func BackendFree() {
	backendCPU = nil
	backendGPU = nil
}

var ErrBackendNotInitialized = errors.New("llama: BackendInit has not been called")

// Model wraps loaded weights with the tokenizer over its vocabulary.
// Immutable after load; safe for concurrent use by many contexts.
type Model struct {
	m   *model.Model
	tok *tokenizer.Tokenizer
}

// LoadModelFromFile reads a model file and distributes its weights
// across the configured backends.
func LoadModelFromFile(path string, params ContextParams) (*Model, error) {
	if backendCPU == nil {
		return nil, ErrBackendNotInitialized
	}
	if params.NCtx < 1 {
		return nil, fmt.Errorf("%w: n_ctx = %d", ErrInvalidParameter, params.NCtx)
	}

	progress := params.Progress
	if progress == nil {
		// dotted stderr progress, one dot per percent
		cur := 0
		progress = func(p float32) {
			pct := int(p * 100)
			for cur < pct {
				cur++
				fmt.Fprint(os.Stderr, ".")
			}
			if pct >= 100 {
				fmt.Fprintln(os.Stderr)
			}
		}
	}

	m, err := model.Load(path, model.Backends{CPU: backendCPU, GPU: backendGPU}, model.LoadParams{
		NCtx:          params.NCtx,
		NBatch:        params.NBatch,
		NGpuLayers:    params.NGpuLayers,
		MainGPU:       params.MainGPU,
		TensorSplit:   params.TensorSplit,
		RopeFreqBase:  params.RopeFreqBase,
		RopeFreqScale: params.RopeFreqScale,
		LowVRAM:       params.LowVRAM,
		UseMmap:       params.UseMmap,
		UseMlock:      params.UseMlock,
		VocabOnly:     params.VocabOnly,
		Progress:      progress,
	})
	if err != nil {
		return nil, err
	}
	return &Model{m: m, tok: tokenizer.New(&m.Vocab)}, nil
}

// FreeModel releases the weight buffers and any file mapping.
func FreeModel(m *Model) {
	if m != nil && m.m != nil {
		m.m.Free()
		m.m = nil
	}
}

func (m *Model) NVocab() int { return len(m.m.Vocab.IDToToken) }
func (m *Model) NCtx() int   { return int(m.m.HParams.NCtx) }
func (m *Model) NEmbd() int  { return int(m.m.HParams.NEmbd) }

// Tokenize encodes text with the model vocabulary.
func (m *Model) Tokenize(text string, addBos bool) []Token {
	return m.tok.Tokenize(text, addBos)
}

// TokenToStr returns the bytes of one token.
func (m *Model) TokenToStr(id Token) string {
	return m.tok.TokenToStr(id)
}

// GetVocab copies up to capacity vocabulary entries, returning how
// many were written.
func (m *Model) GetVocab(texts []string, scores []float32, capacity int) int {
	n := capacity
	if len(m.m.Vocab.IDToToken) < n {
		n = len(m.m.Vocab.IDToToken)
	}
	for i := 0; i < n; i++ {
		texts[i] = m.m.Vocab.IDToToken[i].Text
		scores[i] = m.m.Vocab.IDToToken[i].Score
	}
	return n
}

// HParams exposes a copy of the immutable hyper-parameters.
func (m *Model) HParams() ggml.HParams { return m.m.HParams }

func MmapSupported() bool  { return mmap.Supported }
func MlockSupported() bool { return mmap.LockSupported }

// PrintSystemInfo reports the CPU capability flags, pipe-separated as
// the reference runtime does.
func PrintSystemInfo() string {
	flag := func(ok bool) string {
		if ok {
			return "1"
		}
		return "0"
	}
	neon := runtime.GOARCH == "arm64"
	var sb strings.Builder
	sb.WriteString("AVX = " + flag(cpuid.CPU.Supports(cpuid.AVX)) + " | ")
	sb.WriteString("AVX2 = " + flag(cpuid.CPU.Supports(cpuid.AVX2)) + " | ")
	sb.WriteString("AVX512 = " + flag(cpuid.CPU.Supports(cpuid.AVX512F)) + " | ")
	sb.WriteString("FMA = " + flag(cpuid.CPU.Supports(cpuid.FMA3)) + " | ")
	sb.WriteString("NEON = " + flag(neon) + " | ")
	sb.WriteString("F16C = " + flag(cpuid.CPU.Supports(cpuid.F16C)) + " | ")
	sb.WriteString("SSE3 = " + flag(cpuid.CPU.Supports(cpuid.SSE3)) + " | ")
	sb.WriteString("BLAS = " + flag(backendGPU != nil && backendGPU.HasBLAS()) + " | ")
	sb.WriteString("THREADS = " + fmt.Sprint(runtime.NumCPU()))
	return sb.String()
}

package llama

import (
	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/model"
	"github.com/arbalest-llm/arbalest/internal/quant"
)

// DefaultSeed asks for a wall-clock seed.
const DefaultSeed uint32 = 0xFFFFFFFF

// Token is a vocabulary id.
type Token = int32

const (
	TokenBOS Token = ggml.TokenBOS
	TokenEOS Token = ggml.TokenEOS
	TokenNL  Token = ggml.TokenNL
)

// ContextParams configures both model loading and context creation.
type ContextParams struct {
	Seed       uint32
	NCtx       int
	NBatch     int
	NGpuLayers int
	MainGPU    int
	// TensorSplit carries per-device proportions for multi-GPU
	// splits; ignored by single-device builds.
	TensorSplit []float32

	RopeFreqBase  float32
	RopeFreqScale float32

	Progress model.ProgressFunc

	LowVRAM   bool
	F16KV     bool
	LogitsAll bool
	VocabOnly bool
	UseMmap   bool
	UseMlock  bool
	Embedding bool
}

func DefaultContextParams() ContextParams {
	return ContextParams{
		Seed:          DefaultSeed,
		NCtx:          512,
		NBatch:        512,
		RopeFreqBase:  10000.0,
		RopeFreqScale: 1.0,
		F16KV:         true,
		UseMmap:       true,
	}
}

// FType re-exports the file-level quantization descriptor.
type FType = ggml.FType

const (
	FTypeAllF32       = ggml.FTypeAllF32
	FTypeMostlyF16    = ggml.FTypeMostlyF16
	FTypeMostlyQ4_0   = ggml.FTypeMostlyQ4_0
	FTypeMostlyQ4_1   = ggml.FTypeMostlyQ4_1
	FTypeMostlyQ5_0   = ggml.FTypeMostlyQ5_0
	FTypeMostlyQ5_1   = ggml.FTypeMostlyQ5_1
	FTypeMostlyQ8_0   = ggml.FTypeMostlyQ8_0
	FTypeMostlyQ2_K   = ggml.FTypeMostlyQ2_K
	FTypeMostlyQ3_K_S = ggml.FTypeMostlyQ3_K_S
	FTypeMostlyQ3_K_M = ggml.FTypeMostlyQ3_K_M
	FTypeMostlyQ3_K_L = ggml.FTypeMostlyQ3_K_L
	FTypeMostlyQ4_K_S = ggml.FTypeMostlyQ4_K_S
	FTypeMostlyQ4_K_M = ggml.FTypeMostlyQ4_K_M
	FTypeMostlyQ5_K_S = ggml.FTypeMostlyQ5_K_S
	FTypeMostlyQ5_K_M = ggml.FTypeMostlyQ5_K_M
	FTypeMostlyQ6_K   = ggml.FTypeMostlyQ6_K
)

// ModelQuantizeParams configures Quantize.
type ModelQuantizeParams struct {
	NThread              int
	FType                FType
	AllowRequantize      bool
	QuantizeOutputTensor bool
}

func DefaultModelQuantizeParams() ModelQuantizeParams {
	p := quant.DefaultParams()
	return ModelQuantizeParams{
		NThread:              p.NThread,
		FType:                p.FType,
		AllowRequantize:      p.AllowRequantize,
		QuantizeOutputTensor: p.QuantizeOutputTensor,
	}
}

// Quantize converts the model file at inPath into outPath at the
// requested quantization.
func Quantize(inPath, outPath string, params ModelQuantizeParams) error {
	return quant.Quantize(inPath, outPath, quant.Params{
		NThread:              params.NThread,
		FType:                params.FType,
		AllowRequantize:      params.AllowRequantize,
		QuantizeOutputTensor: params.QuantizeOutputTensor,
	})
}

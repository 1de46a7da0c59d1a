package model

import (
	"fmt"

	"github.com/arbalest-llm/arbalest/internal/backend"
	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/mmap"
)

// SizeClass is inferred from n_layer for the memory requirement
// tables and logs.
type SizeClass int

const (
	ModelUnknown SizeClass = iota
	Model3B
	Model7B
	Model13B
	Model30B
	Model65B
)

func (s SizeClass) String() string {
	switch s {
	case Model3B:
		return "3B"
	case Model7B:
		return "7B"
	case Model13B:
		return "13B"
	case Model30B:
		return "30B"
	case Model65B:
		return "65B"
	}
	return "unknown"
}

func sizeClassFor(nLayer uint32) SizeClass {
	switch nLayer {
	case 26:
		return Model3B
	case 32:
		return Model7B
	case 40:
		return Model13B
	case 60:
		return Model30B
	case 80:
		return Model65B
	}
	if nLayer < 32 {
		return Model7B
	}
	return ModelUnknown
}

const mb = 1024 * 1024

// evalBufferSize is the per-backend compute scratch for one eval,
// sized by model class (measured at n_ctx 2048).
func evalBufferSize(s SizeClass) uint64 {
	switch s {
	case Model3B:
		return 512 * mb
	case Model13B:
		return 1024 * mb
	case Model30B:
		return 1280 * mb
	case Model65B:
		return 1536 * mb
	}
	return 2048 * mb
}

// Layer holds the nine weight tensors of one decoder layer.
type Layer struct {
	AttentionNorm *backend.Tensor

	Wq *backend.Tensor
	Wk *backend.Tensor
	Wv *backend.Tensor
	Wo *backend.Tensor

	FfnNorm *backend.Tensor

	W1 *backend.Tensor
	W2 *backend.Tensor
	W3 *backend.Tensor
}

// Model is the immutable loaded network: hyper-parameters, vocabulary
// and per-backend weight tensors. It may be shared by any number of
// contexts concurrently.
type Model struct {
	Type    SizeClass
	HParams ggml.HParams
	Vocab   ggml.Vocab

	TokEmbeddings *backend.Tensor
	Norm          *backend.Tensor
	Output        *backend.Tensor
	Layers        []Layer

	NGpuLayers int

	// backend assignment (input, output, per layer)
	BackendCPU    backend.Backend
	BackendGPU    backend.Backend // nil without a registered GPU backend
	BackendInp    backend.Backend
	BackendOut    backend.Backend
	BackendLayers []backend.Backend

	// weight storage
	buffers map[backend.Backend]*backend.Buffer
	Mapping *mmap.Mapping
	mlock   *mmap.Lock

	TensorsByName []NamedTensor

	TLoadUs  int64
	TStartUs int64
}

type NamedTensor struct {
	Name   string
	Tensor *backend.Tensor
}

func (m *Model) Free() {
	for b, buf := range m.buffers {
		b.FreeBuffer(buf)
	}
	m.buffers = nil
	if m.mlock != nil {
		m.mlock.Release()
		m.mlock = nil
	}
	if m.Mapping != nil {
		_ = m.Mapping.Unmap()
		m.Mapping = nil
	}
}

// errors of the model/file agreement

type ErrMissingTensor struct{ Name string }

func (e ErrMissingTensor) Error() string {
	return fmt.Sprintf("tensor '%s' is missing from model", e.Name)
}

type ErrShapeMismatch struct {
	Name       string
	Want, Have []uint32
}

func (e ErrShapeMismatch) Error() string {
	return fmt.Sprintf("tensor '%s' has wrong shape; expected %s, got %s",
		e.Name, ggml.FormatTensorShape(e.Want), ggml.FormatTensorShape(e.Have))
}

type ErrExtraTensors struct{ Created, Total int }

func (e ErrExtraTensors) Error() string {
	return fmt.Sprintf("file contained more tensors than expected (%d of %d used)", e.Created, e.Total)
}

type ErrInvalidLayerNumber struct {
	Name  string
	Layer int
}

func (e ErrInvalidLayerNumber) Error() string {
	if e.Layer < 0 {
		return fmt.Sprintf("failed to parse layer number from tensor name '%s'", e.Name)
	}
	return fmt.Sprintf("invalid layer number %d in tensor name '%s'", e.Layer, e.Name)
}

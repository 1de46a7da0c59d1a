package ggml

import "fmt"

// Tensor data types, numbered as in the ggml type enum. The gaps are
// types that were removed from the format before this version.
type TensorType uint32

const (
	TypeF32  TensorType = 0
	TypeF16  TensorType = 1
	TypeQ4_0 TensorType = 2
	TypeQ4_1 TensorType = 3
	TypeQ5_0 TensorType = 6
	TypeQ5_1 TensorType = 7
	TypeQ8_0 TensorType = 8
	TypeQ2_K TensorType = 10
	TypeQ3_K TensorType = 11
	TypeQ4_K TensorType = 12
	TypeQ5_K TensorType = 13
	TypeQ6_K TensorType = 14
	TypeI32  TensorType = 18
)

// QKK is the super-block size of the K-quant family.
const QKK = 256

// QK is the block size of the non-K quant types.
const QK = 32

type typeTraits struct {
	name      string
	blck      int // elements per block
	typeSize  int // bytes per block
	quantized bool
}

var traits = map[TensorType]typeTraits{
	TypeF32:  {"f32", 1, 4, false},
	TypeF16:  {"f16", 1, 2, false},
	TypeQ4_0: {"q4_0", QK, 2 + QK/2, true},
	TypeQ4_1: {"q4_1", QK, 2 + 2 + QK/2, true},
	TypeQ5_0: {"q5_0", QK, 2 + 4 + QK/2, true},
	TypeQ5_1: {"q5_1", QK, 2 + 2 + 4 + QK/2, true},
	TypeQ8_0: {"q8_0", QK, 2 + QK, true},
	TypeQ2_K: {"q2_K", QKK, QKK/16 + QKK/4 + 2 + 2, true},
	TypeQ3_K: {"q3_K", QKK, QKK/8 + QKK/4 + 12 + 2, true},
	TypeQ4_K: {"q4_K", QKK, 2 + 2 + 12 + QKK/2, true},
	TypeQ5_K: {"q5_K", QKK, 2 + 2 + 12 + QKK/8 + QKK/2, true},
	TypeQ6_K: {"q6_K", QKK, QKK/2 + QKK/4 + QKK/16 + 2, true},
	TypeI32:  {"i32", 1, 4, false},
}

func (t TensorType) Valid() bool {
	_, ok := traits[t]
	return ok && t != TypeI32
}

func (t TensorType) String() string {
	if tr, ok := traits[t]; ok {
		return tr.name
	}
	return fmt.Sprintf("type<%d>", uint32(t))
}

// BlockSize returns the number of elements encoded per block.
func (t TensorType) BlockSize() int { return traits[t].blck }

// TypeSize returns the number of bytes per block.
func (t TensorType) TypeSize() int { return traits[t].typeSize }

// ElementSize returns the bytes of one element for non-quantized types.
func (t TensorType) ElementSize() int { return traits[t].typeSize / traits[t].blck }

func (t TensorType) IsQuantized() bool { return traits[t].quantized }

// RowSize returns the byte size of ne contiguous elements.
// ne must be a multiple of the block size.
func (t TensorType) RowSize(ne int) int {
	return ne / t.BlockSize() * t.TypeSize()
}

// FType is the file-level quantization descriptor. Individual tensors
// may deviate per the quantizer's per-tensor rules.
type FType uint32

const (
	FTypeAllF32       FType = 0
	FTypeMostlyF16    FType = 1
	FTypeMostlyQ4_0   FType = 2
	FTypeMostlyQ4_1   FType = 3
	FTypeQ4_1SomeF16  FType = 4
	FTypeMostlyQ8_0   FType = 7
	FTypeMostlyQ5_0   FType = 8
	FTypeMostlyQ5_1   FType = 9
	FTypeMostlyQ2_K   FType = 10
	FTypeMostlyQ3_K_S FType = 11
	FTypeMostlyQ3_K_M FType = 12
	FTypeMostlyQ3_K_L FType = 13
	FTypeMostlyQ4_K_S FType = 14
	FTypeMostlyQ4_K_M FType = 15
	FTypeMostlyQ5_K_S FType = 16
	FTypeMostlyQ5_K_M FType = 17
	FTypeMostlyQ6_K   FType = 18
)

func (f FType) String() string {
	switch f {
	case FTypeAllF32:
		return "all F32"
	case FTypeMostlyF16:
		return "mostly F16"
	case FTypeMostlyQ4_0:
		return "mostly Q4_0"
	case FTypeMostlyQ4_1:
		return "mostly Q4_1"
	case FTypeQ4_1SomeF16:
		return "mostly Q4_1, some F16"
	case FTypeMostlyQ5_0:
		return "mostly Q5_0"
	case FTypeMostlyQ5_1:
		return "mostly Q5_1"
	case FTypeMostlyQ8_0:
		return "mostly Q8_0"
	case FTypeMostlyQ2_K:
		return "mostly Q2_K"
	case FTypeMostlyQ3_K_S:
		return "mostly Q3_K - Small"
	case FTypeMostlyQ3_K_M:
		return "mostly Q3_K - Medium"
	case FTypeMostlyQ3_K_L:
		return "mostly Q3_K - Large"
	case FTypeMostlyQ4_K_S:
		return "mostly Q4_K - Small"
	case FTypeMostlyQ4_K_M:
		return "mostly Q4_K - Medium"
	case FTypeMostlyQ5_K_S:
		return "mostly Q5_K - Small"
	case FTypeMostlyQ5_K_M:
		return "mostly Q5_K - Medium"
	case FTypeMostlyQ6_K:
		return "mostly Q6_K"
	}
	return "unknown, may not work"
}

// QuantizedType maps an ftype onto the tensor type used for the bulk of
// the tensors.
func (f FType) QuantizedType() (TensorType, error) {
	switch f {
	case FTypeAllF32:
		return TypeF32, nil
	case FTypeMostlyF16:
		return TypeF16, nil
	case FTypeMostlyQ4_0:
		return TypeQ4_0, nil
	case FTypeMostlyQ4_1:
		return TypeQ4_1, nil
	case FTypeMostlyQ5_0:
		return TypeQ5_0, nil
	case FTypeMostlyQ5_1:
		return TypeQ5_1, nil
	case FTypeMostlyQ8_0:
		return TypeQ8_0, nil
	case FTypeMostlyQ2_K:
		return TypeQ2_K, nil
	case FTypeMostlyQ3_K_S, FTypeMostlyQ3_K_M, FTypeMostlyQ3_K_L:
		return TypeQ3_K, nil
	case FTypeMostlyQ4_K_S, FTypeMostlyQ4_K_M:
		return TypeQ4_K, nil
	case FTypeMostlyQ5_K_S, FTypeMostlyQ5_K_M:
		return TypeQ5_K, nil
	case FTypeMostlyQ6_K:
		return TypeQ6_K, nil
	}
	return TypeF32, ErrUnsupportedFType{FType: f}
}

// File magics. The magic is the first u32 of the file; all but the
// legacy GGML magic are followed by a version word.
const (
	MagicGGML = 0x67676d6c // 'ggml', unversioned
	MagicGGMF = 0x67676d66 // 'ggmf'
	MagicGGJT = 0x67676a74 // 'ggjt'
	MagicGGLA = 0x67676c61 // 'ggla', lora adapters
	MagicGGSN = 0x6767736e // 'ggsn', session files

	SessionVersion = 1
)

// FileVersion orders the recognized (magic, version) pairs.
type FileVersion int

const (
	FileVersionGGML FileVersion = iota
	FileVersionGGMFV1
	FileVersionGGJTV1
	FileVersionGGJTV2
	FileVersionGGJTV3
)

func (v FileVersion) String() string {
	switch v {
	case FileVersionGGML:
		return "'ggml' (old version with low tokenizer quality and no mmap support)"
	case FileVersionGGMFV1:
		return "ggmf v1 (old version with no mmap support)"
	case FileVersionGGJTV1:
		return "ggjt v1 (pre #1405)"
	case FileVersionGGJTV2:
		return "ggjt v2 (pre #1508)"
	case FileVersionGGJTV3:
		return "ggjt v3 (latest)"
	}
	return "unknown"
}

// WriteVersion is the version emitted by the file writer.
const WriteVersion = FileVersionGGJTV3

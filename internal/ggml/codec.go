package ggml

import (
	"fmt"
	"io"

	"github.com/arbalest-llm/arbalest/internal/logger"
)

// HParams is the seven-word hyper-parameter block stored in the file
// header, in file order. NCtx and the rope parameters are not stored;
// the caller injects them at load time. Immutable once a context is
// created over the model.
type HParams struct {
	NVocab uint32
	NEmbd  uint32
	NMult  uint32
	NHead  uint32
	NLayer uint32
	NRot   uint32
	FType  FType

	// injected by the caller, not read from the file
	NCtx          uint32
	RopeFreqBase  float32
	RopeFreqScale float32
}

// NFF derives the feed-forward width from n_embd and n_mult.
func (h *HParams) NFF() uint32 {
	return ((2*(4*h.NEmbd)/3 + h.NMult - 1) / h.NMult) * h.NMult
}

// TokenScore is one vocabulary entry.
type TokenScore struct {
	Text  string
	Score float32
}

// Vocab is the ordered scored vocabulary plus the reverse mapping.
type Vocab struct {
	IDToToken []TokenScore
	TokenToID map[string]int32
}

const (
	TokenUnk int32 = 0
	TokenBOS int32 = 1
	TokenEOS int32 = 2
	TokenNL  int32 = 13
)

// TensorMeta describes one tensor record in the file. Data is only
// populated by loaders that keep payload bytes around.
type TensorMeta struct {
	Name    string
	Type    TensorType
	NE      []uint32 // 1 or 2 dims
	FileOff int64
	Size    uint64
	Data    []byte
}

func (t *TensorMeta) NElements() uint64 {
	n := uint64(1)
	for _, d := range t.NE {
		n *= uint64(d)
	}
	return n
}

func FormatTensorShape(ne []uint32) string {
	s := fmt.Sprintf("%5d", ne[0])
	for _, d := range ne[1:] {
		s += fmt.Sprintf(" x %5d", d)
	}
	return s
}

// CalcTensorSize returns the payload byte size of a tensor with the
// given shape and type, with overflow checking.
func CalcTensorSize(ne []uint32, typ TensorType) (uint64, error) {
	size := uint64(typ.TypeSize())
	for _, dim := range ne {
		var err error
		size, err = CheckedMul(size, uint64(dim))
		if err != nil {
			return 0, err
		}
	}
	return CheckedDiv(size, uint64(typ.BlockSize()))
}

// TensorsMap keeps tensors in file order with a name index.
type TensorsMap struct {
	Tensors   []*TensorMeta
	NameToIdx map[string]int
}

func (m *TensorsMap) Add(t *TensorMeta) {
	m.Tensors = append(m.Tensors, t)
	if m.NameToIdx == nil {
		m.NameToIdx = make(map[string]int)
	}
	m.NameToIdx[t.Name] = len(m.Tensors) - 1
}

func (m *TensorsMap) Get(name string) *TensorMeta {
	idx, ok := m.NameToIdx[name]
	if !ok {
		return nil
	}
	return m.Tensors[idx]
}

// Loader parses the header, vocabulary and tensor metadata of a model
// file. Payload bytes are not read; tensors record their file offsets.
type Loader struct {
	File    *File
	Version FileVersion
	HParams HParams
	Vocab   Vocab
}

func NewLoader(path string, tensors *TensorsMap) (*Loader, error) {
	f, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	l := &Loader{File: f}
	if err := l.readMagic(); err != nil {
		f.Close()
		return nil, err
	}
	if err := l.readHParams(); err != nil {
		f.Close()
		return nil, err
	}
	if err := l.readVocab(); err != nil {
		f.Close()
		return nil, err
	}
	if err := l.readTensorMetadata(tensors); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Loader) Close() error { return l.File.Close() }

func (l *Loader) readMagic() error {
	magic, err := l.File.ReadU32()
	if err != nil {
		return err
	}
	if magic == MagicGGML {
		l.Version = FileVersionGGML
		return nil
	}

	version, err := l.File.ReadU32()
	if err != nil {
		return err
	}
	switch magic {
	case MagicGGMF:
		if version == 1 {
			l.Version = FileVersionGGMFV1
			return nil
		}
	case MagicGGJT:
		switch version {
		case 1:
			l.Version = FileVersionGGJTV1
			return nil
		case 2:
			l.Version = FileVersionGGJTV2
			return nil
		case 3:
			l.Version = FileVersionGGJTV3
			return nil
		}
	}
	return ErrBadMagic{Magic: magic, Version: version}
}

func (l *Loader) readHParams() error {
	fields := []*uint32{
		&l.HParams.NVocab,
		&l.HParams.NEmbd,
		&l.HParams.NMult,
		&l.HParams.NHead,
		&l.HParams.NLayer,
		&l.HParams.NRot,
	}
	for _, p := range fields {
		v, err := l.File.ReadU32()
		if err != nil {
			return err
		}
		*p = v
	}
	ft, err := l.File.ReadU32()
	if err != nil {
		return err
	}
	l.HParams.FType = FType(ft)
	return nil
}

func (l *Loader) readVocab() error {
	n := l.HParams.NVocab
	l.Vocab.IDToToken = make([]TokenScore, n)
	l.Vocab.TokenToID = make(map[string]int32, n)

	for i := uint32(0); i < n; i++ {
		length, err := l.File.ReadU32()
		if err != nil {
			return err
		}
		word, err := l.File.ReadString(length)
		if err != nil {
			return err
		}

		var score float32
		if l.Version >= FileVersionGGMFV1 {
			score, err = l.File.ReadF32()
			if err != nil {
				return err
			}
		}

		l.Vocab.TokenToID[word] = int32(i)
		l.Vocab.IDToToken[i] = TokenScore{Text: word, Score: score}
	}
	return nil
}

func (l *Loader) readTensorMetadata(tensors *TensorsMap) error {
	for l.File.Tell() < l.File.Size() {
		nDims, err := l.File.ReadU32()
		if err != nil {
			return err
		}
		nameLen, err := l.File.ReadU32()
		if err != nil {
			return err
		}
		typ, err := l.File.ReadU32()
		if err != nil {
			return err
		}
		ne := make([]uint32, nDims)
		for i := range ne {
			if ne[i], err = l.File.ReadU32(); err != nil {
				return err
			}
		}
		name, err := l.File.ReadString(nameLen)
		if err != nil {
			return err
		}
		if nDims < 1 || nDims > 2 {
			return ErrInvalidDims{Name: name, NDims: nDims}
		}
		if !TensorType(typ).Valid() {
			return ErrUnsupportedTensorType{Name: name, Type: typ}
		}

		// payloads start at the next multiple of 32 bytes
		if err := l.File.AlignRead(); err != nil {
			return err
		}

		t := &TensorMeta{
			Name:    name,
			Type:    TensorType(typ),
			NE:      ne,
			FileOff: l.File.Tell(),
		}
		if t.Size, err = CalcTensorSize(ne, t.Type); err != nil {
			return err
		}
		if err := l.File.Seek(int64(t.Size), io.SeekCurrent); err != nil {
			return err
		}
		tensors.Add(t)
	}
	return nil
}

// CheckVersionFType rejects ftypes whose block encoding changed after
// the file was written.
func (l *Loader) CheckVersionFType() error {
	ft := l.HParams.FType
	if l.Version < FileVersionGGJTV2 {
		if ft != FTypeAllF32 && ft != FTypeMostlyF16 && ft != FTypeMostlyQ8_0 {
			return ErrUnsupportedFType{FType: ft, Version: l.Version,
				Reason: "this format is no longer supported (see https://github.com/ggerganov/llama.cpp/pull/1405)"}
		}
	}
	if l.Version < FileVersionGGJTV3 {
		if ft == FTypeMostlyQ4_0 || ft == FTypeMostlyQ4_1 || ft == FTypeMostlyQ8_0 {
			return ErrUnsupportedFType{FType: ft, Version: l.Version,
				Reason: "this format is no longer supported (see https://github.com/ggerganov/llama.cpp/pull/1508)"}
		}
	}
	return nil
}

// Saver writes a model file in the current (GGJT v3) layout. The
// header and vocabulary are written on construction; tensors follow.
type Saver struct {
	File *File
}

func NewSaver(path string, hparams *HParams, vocab *Vocab, legacyVocab bool, newFType FType) (*Saver, error) {
	f, err := CreateFile(path)
	if err != nil {
		return nil, err
	}
	s := &Saver{File: f}

	if err := s.File.WriteU32(MagicGGJT); err != nil {
		return nil, err
	}
	if err := s.File.WriteU32(3); err != nil {
		return nil, err
	}

	for _, v := range []uint32{
		hparams.NVocab, hparams.NEmbd, hparams.NMult,
		hparams.NHead, hparams.NLayer, hparams.NRot, uint32(newFType),
	} {
		if err := s.File.WriteU32(v); err != nil {
			return nil, err
		}
	}

	if legacyVocab {
		logger.Log.Warn("input is an old file that doesn't have scores; will add dummy scores")
	}
	for i := uint32(0); i < hparams.NVocab; i++ {
		ts := vocab.IDToToken[i]
		if err := s.File.WriteU32(uint32(len(ts.Text))); err != nil {
			return nil, err
		}
		if err := s.File.WriteRaw([]byte(ts.Text)); err != nil {
			return nil, err
		}
		if err := s.File.WriteF32(ts.Score); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WriteTensor emits one tensor record followed by its aligned payload.
func (s *Saver) WriteTensor(t *TensorMeta, newType TensorType, data []byte) error {
	if !newType.Valid() {
		return ErrUnsupportedTensorType{Name: t.Name, Type: uint32(newType)}
	}
	want, err := CalcTensorSize(t.NE, newType)
	if err != nil {
		return err
	}
	if uint64(len(data)) != want {
		return fmt.Errorf("tensor '%s': payload is %d bytes, want %d", t.Name, len(data), want)
	}

	if err := s.File.WriteU32(uint32(len(t.NE))); err != nil {
		return err
	}
	if err := s.File.WriteU32(uint32(len(t.Name))); err != nil {
		return err
	}
	if err := s.File.WriteU32(uint32(newType)); err != nil {
		return err
	}
	for _, d := range t.NE {
		if err := s.File.WriteU32(d); err != nil {
			return err
		}
	}
	if err := s.File.WriteRaw([]byte(t.Name)); err != nil {
		return err
	}
	if err := s.File.AlignWrite(); err != nil {
		return err
	}
	return s.File.WriteRaw(data)
}

func (s *Saver) Close() error { return s.File.Close() }

package ggml

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTypeTraits(t *testing.T) {
	tests := []struct {
		typ      TensorType
		blck     int
		typeSize int
	}{
		{TypeF32, 1, 4},
		{TypeF16, 1, 2},
		{TypeQ4_0, 32, 18},
		{TypeQ4_1, 32, 20},
		{TypeQ5_0, 32, 22},
		{TypeQ5_1, 32, 24},
		{TypeQ8_0, 32, 34},
		{TypeQ2_K, 256, 84},
		{TypeQ3_K, 256, 110},
		{TypeQ4_K, 256, 144},
		{TypeQ5_K, 256, 176},
		{TypeQ6_K, 256, 210},
	}
	for _, tt := range tests {
		if got := tt.typ.BlockSize(); got != tt.blck {
			t.Errorf("%s: block size %d, want %d", tt.typ, got, tt.blck)
		}
		if got := tt.typ.TypeSize(); got != tt.typeSize {
			t.Errorf("%s: type size %d, want %d", tt.typ, got, tt.typeSize)
		}
	}
}

func TestCalcTensorSize(t *testing.T) {
	tests := []struct {
		ne   []uint32
		typ  TensorType
		want uint64
	}{
		{[]uint32{32}, TypeF32, 128},
		{[]uint32{64, 2}, TypeF16, 256},
		{[]uint32{32, 4}, TypeQ4_0, 4 * 18},
		{[]uint32{256, 2}, TypeQ6_K, 2 * 210},
		{[]uint32{512}, TypeQ8_0, 16 * 34},
	}
	for _, tt := range tests {
		got, err := CalcTensorSize(tt.ne, tt.typ)
		if err != nil {
			t.Fatalf("CalcTensorSize(%v, %s): %v", tt.ne, tt.typ, err)
		}
		if got != tt.want {
			t.Errorf("CalcTensorSize(%v, %s) = %d, want %d", tt.ne, tt.typ, got, tt.want)
		}
	}
}

func TestCheckedMulOverflow(t *testing.T) {
	if _, err := CheckedMul(1<<40, 1<<40); err == nil {
		t.Fatal("expected overflow error")
	}
	v, err := CheckedMul(6, 7)
	if err != nil || v != 42 {
		t.Fatalf("CheckedMul(6, 7) = %d, %v", v, err)
	}
}

func testHParams() HParams {
	return HParams{
		NVocab: 8,
		NEmbd:  8,
		NMult:  16,
		NHead:  2,
		NLayer: 1,
		NRot:   4,
		FType:  FTypeAllF32,
	}
}

func testVocab(n int) Vocab {
	v := Vocab{TokenToID: make(map[string]int32)}
	for i := 0; i < n; i++ {
		text := string(rune('a' + i))
		v.IDToToken = append(v.IDToToken, TokenScore{Text: text, Score: float32(-i)})
		v.TokenToID[text] = int32(i)
	}
	return v
}

func TestSaverLoaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")

	hp := testHParams()
	vocab := testVocab(int(hp.NVocab))

	s, err := NewSaver(path, &hp, &vocab, false, FTypeAllF32)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 8*4)
	for i := range payload {
		payload[i] = byte(i)
	}
	meta := &TensorMeta{Name: "norm.weight", NE: []uint32{8}}
	if err := s.WriteTensor(meta, TypeF32, payload); err != nil {
		t.Fatal(err)
	}
	wide := make([]byte, 8*8*4)
	meta2 := &TensorMeta{Name: "output.weight", NE: []uint32{8, 8}}
	if err := s.WriteTensor(meta2, TypeF32, wide); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	var tensors TensorsMap
	l, err := NewLoader(path, &tensors)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if l.Version != FileVersionGGJTV3 {
		t.Errorf("version = %v, want ggjt v3", l.Version)
	}
	if l.HParams != hp {
		t.Errorf("hparams = %+v, want %+v", l.HParams, hp)
	}
	if len(l.Vocab.IDToToken) != int(hp.NVocab) {
		t.Fatalf("vocab size %d", len(l.Vocab.IDToToken))
	}
	for i, ts := range l.Vocab.IDToToken {
		if ts != vocab.IDToToken[i] {
			t.Errorf("vocab[%d] = %+v, want %+v", i, ts, vocab.IDToToken[i])
		}
	}

	if len(tensors.Tensors) != 2 {
		t.Fatalf("tensor count %d", len(tensors.Tensors))
	}
	for _, tensor := range tensors.Tensors {
		if tensor.FileOff%32 != 0 {
			t.Errorf("tensor %s payload at offset %d, not 32-byte aligned", tensor.Name, tensor.FileOff)
		}
		want, _ := CalcTensorSize(tensor.NE, tensor.Type)
		if tensor.Size != want {
			t.Errorf("tensor %s size %d, want %d", tensor.Name, tensor.Size, want)
		}
	}
	got := tensors.Get("norm.weight")
	if got == nil {
		t.Fatal("norm.weight missing")
	}

	// re-read the payload and compare
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw[got.FileOff:got.FileOff+int64(got.Size)]) != string(payload) {
		t.Error("payload bytes differ after round trip")
	}
}

func TestLoaderBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	if err := os.WriteFile(path, []byte("not a model file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	var tensors TensorsMap
	_, err := NewLoader(path, &tensors)
	var bad ErrBadMagic
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

// writeRawHeader emits a minimal file with the given magic/version and
// hparams, no vocab scores for legacy GGML.
func writeRawHeader(t *testing.T, path string, magic uint32, version int, hp HParams, scores bool) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		f.Write(b[:])
	}
	w(magic)
	if version >= 0 {
		w(uint32(version))
	}
	for _, v := range []uint32{hp.NVocab, hp.NEmbd, hp.NMult, hp.NHead, hp.NLayer, hp.NRot, uint32(hp.FType)} {
		w(v)
	}
	for i := uint32(0); i < hp.NVocab; i++ {
		w(1)
		f.Write([]byte{byte('a' + i)})
		if scores {
			w(0)
		}
	}
}

func TestLegacyGGMLVocabWithoutScores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.bin")
	hp := testHParams()
	writeRawHeader(t, path, MagicGGML, -1, hp, false)

	var tensors TensorsMap
	l, err := NewLoader(path, &tensors)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if l.Version != FileVersionGGML {
		t.Fatalf("version = %v", l.Version)
	}
	for i, ts := range l.Vocab.IDToToken {
		if ts.Score != 0 {
			t.Errorf("vocab[%d] score = %f, want fabricated 0", i, ts.Score)
		}
	}
}

func TestPreVersionFTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		magic   uint32
		version int
		ftype   FType
		wantErr bool
	}{
		{"ggmf-v1 f16 ok", MagicGGMF, 1, FTypeMostlyF16, false},
		{"ggmf-v1 q4_0 rejected", MagicGGMF, 1, FTypeMostlyQ4_0, true},
		{"ggjt-v1 q5_1 rejected", MagicGGJT, 1, FTypeMostlyQ5_1, true},
		{"ggjt-v2 q4_0 rejected", MagicGGJT, 2, FTypeMostlyQ4_0, true},
		{"ggjt-v2 q8_0 rejected", MagicGGJT, 2, FTypeMostlyQ8_0, true},
		{"ggjt-v2 f16 ok", MagicGGJT, 2, FTypeMostlyF16, false},
		{"ggjt-v3 q4_0 ok", MagicGGJT, 3, FTypeMostlyQ4_0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "f.bin")
			hp := testHParams()
			hp.FType = tt.ftype
			writeRawHeader(t, path, tt.magic, tt.version, hp, true)

			var tensors TensorsMap
			l, err := NewLoader(path, &tensors)
			if err != nil {
				t.Fatal(err)
			}
			defer l.Close()
			err = l.CheckVersionFType()
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckVersionFType = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v9.bin")
	writeRawHeader(t, path, MagicGGJT, 9, testHParams(), true)
	var tensors TensorsMap
	_, err := NewLoader(path, &tensors)
	var bad ErrBadMagic
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

package llama

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/logger"
)

// maxRNGState is the fixed frame reserved for the serialized RNG.
const maxRNGState = 64 * 1024

// hparamsWords serializes the hyper-parameter block of a session
// file: the seven file-order words plus the injected context fields.
func hparamsWords(h *ggml.HParams) []uint32 {
	return []uint32{
		h.NVocab, h.NEmbd, h.NMult, h.NHead, h.NLayer, h.NRot, uint32(h.FType),
		h.NCtx, math.Float32bits(h.RopeFreqBase), math.Float32bits(h.RopeFreqScale),
	}
}

// StateSize returns the byte size of the serialized context state,
// computed from the documented field sizes.
func (c *Context) StateSize() uint64 {
	sRNG := uint64(8 + maxRNGState)
	sLogits := uint64(8 + c.st.Logits.NElements()*4)
	sEmbedding := uint64(8 + len(c.embedding)*4)
	sKV := uint64(8 + 4)
	if c.kv != nil {
		sKV += c.kv.K.NBytes() + c.kv.V.NBytes()
	}
	return sRNG + sLogits + sEmbedding + sKV
}

// CopyStateData serializes rng, logits, embedding and the used slice
// of the KV cache.
func (c *Context) CopyStateData() []byte {
	out := make([]byte, 0, c.StateSize())

	appendU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		out = append(out, b[:]...)
	}

	// rng, as text in a fixed frame
	{
		text := strconv.FormatUint(uint64(c.seed), 10)
		appendU64(uint64(len(text)))
		frame := make([]byte, maxRNGState)
		copy(frame, text)
		out = append(out, frame...)
	}

	// logits
	{
		appendU64(uint64(len(c.logits)))
		for _, v := range c.logits {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			out = append(out, b[:]...)
		}
	}

	// embedding
	{
		appendU64(uint64(len(c.embedding)))
		for _, v := range c.embedding {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			out = append(out, b[:]...)
		}
	}

	// kv cache: k as [n_embd, ntok, n_layer], v as [ntok, n_embd,
	// n_layer], both sliced out of the n_ctx-strided arenas
	{
		h := &c.model.m.HParams
		nLayer := int(h.NLayer)
		nEmbd := int(h.NEmbd)
		nCtx := int(h.NCtx)
		ntok := c.kv.N
		elt := uint64(c.kv.K.Type.ElementSize())

		kvSize := c.kv.K.NBytes() + c.kv.V.NBytes()
		appendU64(kvSize)
		var b4 [4]byte
		binary.LittleEndian.PutUint32(b4[:], uint32(ntok))
		out = append(out, b4[:]...)

		kb := c.kv.Backend
		for l := 0; l < nLayer; l++ {
			row := make([]byte, uint64(ntok*nEmbd)*elt)
			kb.TensorGet(c.kv.K, uint64(l*nCtx*nEmbd)*elt, row)
			out = append(out, row...)
		}
		for l := 0; l < nLayer; l++ {
			for e := 0; e < nEmbd; e++ {
				row := make([]byte, uint64(ntok)*elt)
				kb.TensorGet(c.kv.V, uint64(l*nCtx*nEmbd+e*nCtx)*elt, row)
				out = append(out, row...)
			}
		}
	}

	return out
}

// SetStateData restores a context from CopyStateData output.
func (c *Context) SetStateData(data []byte) error {
	off := 0
	readU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(data[off:])
		off += 8
		return v
	}

	// rng
	{
		n := int(readU64())
		if n > maxRNGState {
			return fmt.Errorf("session: rng state of %d bytes exceeds frame", n)
		}
		text := string(data[off : off+n])
		off += maxRNGState
		seed, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return fmt.Errorf("session: bad rng state: %w", err)
		}
		c.SetRNGSeed(uint32(seed))
	}

	// logits
	{
		n := int(readU64())
		if n > c.st.Logits.NElements() {
			return fmt.Errorf("session: %d logits exceed context capacity", n)
		}
		if cap(c.logits) < n {
			c.logits = make([]float32, n)
		}
		c.logits = c.logits[:n]
		for i := range c.logits {
			c.logits[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
	}

	// embedding
	{
		n := int(readU64())
		if n != len(c.embedding) {
			return fmt.Errorf("session: embedding size %d != %d", n, len(c.embedding))
		}
		for i := range c.embedding {
			c.embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
	}

	// kv cache
	{
		h := &c.model.m.HParams
		nLayer := int(h.NLayer)
		nEmbd := int(h.NEmbd)
		nCtx := int(h.NCtx)
		elt := uint64(c.kv.K.Type.ElementSize())

		kvSize := readU64()
		if want := c.kv.K.NBytes() + c.kv.V.NBytes(); kvSize != want {
			return fmt.Errorf("session: kv size %d != %d", kvSize, want)
		}
		ntok := int(int32(binary.LittleEndian.Uint32(data[off:])))
		off += 4

		kb := c.kv.Backend
		for l := 0; l < nLayer; l++ {
			n := int(uint64(ntok*nEmbd) * elt)
			kb.TensorSet(c.kv.K, uint64(l*nCtx*nEmbd)*elt, data[off:off+n])
			off += n
		}
		for l := 0; l < nLayer; l++ {
			for e := 0; e < nEmbd; e++ {
				n := int(uint64(ntok) * elt)
				kb.TensorSet(c.kv.V, uint64(l*nCtx*nEmbd+e*nCtx)*elt, data[off:off+n])
				off += n
			}
		}
		c.kv.N = ntok
	}

	return nil
}

// SaveSessionFile writes the prompt tokens and the full context state.
func (c *Context) SaveSessionFile(path string, tokens []Token) error {
	f, err := ggml.CreateFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.WriteU32(ggml.MagicGGSN); err != nil {
		return err
	}
	if err := f.WriteU32(ggml.SessionVersion); err != nil {
		return err
	}
	for _, w := range hparamsWords(&c.model.m.HParams) {
		if err := f.WriteU32(w); err != nil {
			return err
		}
	}

	if err := f.WriteU32(uint32(len(tokens))); err != nil {
		return err
	}
	for _, t := range tokens {
		if err := f.WriteU32(uint32(t)); err != nil {
			return err
		}
	}

	return f.WriteRaw(c.CopyStateData())
}

// LoadSessionFile restores a context saved by SaveSessionFile and
// returns the prompt tokens, up to capacity.
func (c *Context) LoadSessionFile(path string, capacity int) ([]Token, error) {
	f, err := ggml.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	magic, err := f.ReadU32()
	if err != nil {
		return nil, err
	}
	version, err := f.ReadU32()
	if err != nil {
		return nil, err
	}
	if magic != ggml.MagicGGSN || version != ggml.SessionVersion {
		return nil, fmt.Errorf("unknown (magic, version) for session file: %08x, %08x", magic, version)
	}

	want := hparamsWords(&c.model.m.HParams)
	for i, w := range want {
		got, err := f.ReadU32()
		if err != nil {
			return nil, err
		}
		if got != w {
			return nil, fmt.Errorf("session file hparams word %d (%d) does not match the loaded model (%d)", i, got, w)
		}
	}

	nTokens, err := f.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(nTokens) > capacity {
		return nil, fmt.Errorf("token count in session file exceeded capacity: %d > %d", nTokens, capacity)
	}
	tokens := make([]Token, nTokens)
	for i := range tokens {
		v, err := f.ReadU32()
		if err != nil {
			return nil, err
		}
		tokens[i] = Token(v)
	}

	stateSize := f.Size() - f.Tell()
	if maxSize := c.StateSize(); uint64(stateSize) > maxSize {
		return nil, fmt.Errorf("session state too big: max %d, got %d", maxSize, stateSize)
	}
	state := make([]byte, stateSize)
	if err := f.ReadRaw(state); err != nil {
		return nil, err
	}
	if err := c.SetStateData(state); err != nil {
		return nil, err
	}

	logger.Log.Info("session restored", "tokens", nTokens, "kv_tokens", c.kv.N)
	return tokens, nil
}

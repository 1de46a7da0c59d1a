package model

import (
	"fmt"
	"io"
	"time"

	"github.com/arbalest-llm/arbalest/internal/backend"
	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/logger"
	"github.com/arbalest-llm/arbalest/internal/metrics"
	"github.com/arbalest-llm/arbalest/internal/mmap"
)

// ProgressFunc receives done_bytes/total_bytes in [0, 1].
type ProgressFunc func(progress float32)

// LoadParams carries the caller-injected load options.
type LoadParams struct {
	NCtx       int
	NBatch     int
	NGpuLayers int
	MainGPU    int
	// TensorSplit is accepted for API compatibility with multi-GPU
	// builds; a single compute device ignores it.
	TensorSplit []float32

	RopeFreqBase  float32
	RopeFreqScale float32

	LowVRAM   bool
	UseMmap   bool
	UseMlock  bool
	VocabOnly bool

	Progress ProgressFunc
}

// Backends is the set of compute devices a model can be split over.
// GPU may be nil.
type Backends struct {
	CPU backend.Backend
	GPU backend.Backend
}

// Loader drives the weight lifecycle: parse metadata, size the
// per-backend arenas, create tensors and fill them from the file.
type Loader struct {
	fileLoader *ggml.Loader
	tensors    ggml.TensorsMap
	useMmap    bool
	numCreated int
	mapping    *mmap.Mapping

	// tensor -> meta backpointers for the data load pass
	created map[*ggml.TensorMeta]*backend.Tensor
	ctxs    map[*ggml.TensorMeta]*backend.Context
}

func NewLoader(path string, useMmap bool) (*Loader, error) {
	l := &Loader{
		created: make(map[*ggml.TensorMeta]*backend.Tensor),
		ctxs:    make(map[*ggml.TensorMeta]*backend.Context),
	}
	fl, err := ggml.NewLoader(path, &l.tensors)
	if err != nil {
		return nil, err
	}
	l.fileLoader = fl
	l.useMmap = useMmap && mmap.Supported
	return l, nil
}

func (l *Loader) Close() error { return l.fileLoader.Close() }

// getTensor validates the shape of a named tensor and creates it in
// the given context.
func (l *Loader) getTensor(name string, ne []uint32, ctx *backend.Context) (*backend.Tensor, error) {
	meta := l.tensors.Get(name)
	if meta == nil {
		return nil, ErrMissingTensor{Name: name}
	}
	if len(meta.NE) != len(ne) {
		return nil, ErrShapeMismatch{Name: name, Want: ne, Have: meta.NE}
	}
	for i := range ne {
		if meta.NE[i] != ne[i] {
			return nil, ErrShapeMismatch{Name: name, Want: ne, Have: meta.NE}
		}
	}

	shape := make([]int, len(meta.NE))
	for i, d := range meta.NE {
		shape[i] = int(d)
	}
	t, err := ctx.NewTensorE(meta.Type, shape...)
	if err != nil {
		return nil, err
	}
	t.SetName("%s", name)

	if _, dup := l.created[meta]; dup {
		return nil, fmt.Errorf("tensor '%s' created twice", name)
	}
	l.created[meta] = t
	l.ctxs[meta] = ctx
	l.numCreated++
	return t, nil
}

func (l *Loader) doneGettingTensors() error {
	if l.numCreated != len(l.tensors.Tensors) {
		return ErrExtraTensors{Created: l.numCreated, Total: len(l.tensors.Tensors)}
	}
	return nil
}

// layerFor extracts the decoder layer index from "layers.%d." names.
func layerFor(name string, nLayer int) (int, error) {
	var layer int
	if _, err := fmt.Sscanf(name, "layers.%d.", &layer); err != nil {
		return 0, ErrInvalidLayerNumber{Name: name, Layer: -1}
	}
	if layer < 0 || layer >= nLayer {
		return 0, ErrInvalidLayerNumber{Name: name, Layer: layer}
	}
	return layer, nil
}

// Load reads a model file and materializes it across the backends.
func Load(path string, backends Backends, params LoadParams) (*Model, error) {
	m := &Model{TStartUs: time.Now().UnixMicro()}

	ml, err := NewLoader(path, params.UseMmap)
	if err != nil {
		return nil, err
	}
	defer ml.Close()

	m.Vocab = ml.fileLoader.Vocab
	m.HParams = ml.fileLoader.HParams
	m.NGpuLayers = params.NGpuLayers

	hparams := &m.HParams
	m.Type = sizeClassFor(hparams.NLayer)
	hparams.NCtx = uint32(params.NCtx)
	hparams.RopeFreqBase = params.RopeFreqBase
	hparams.RopeFreqScale = params.RopeFreqScale

	fileVersion := ml.fileLoader.Version
	nFF := hparams.NFF()

	logger.Log.Info("model file",
		"format", fileVersion.String(),
		"n_vocab", hparams.NVocab,
		"n_ctx", hparams.NCtx,
		"n_embd", hparams.NEmbd,
		"n_mult", hparams.NMult,
		"n_head", hparams.NHead,
		"n_layer", hparams.NLayer,
		"n_rot", hparams.NRot,
		"freq_base", hparams.RopeFreqBase,
		"freq_scale", hparams.RopeFreqScale,
		"ftype", hparams.FType.String(),
		"n_ff", nFF,
		"size", m.Type.String())

	if err := ml.fileLoader.CheckVersionFType(); err != nil {
		return nil, err
	}

	if params.VocabOnly {
		return m, nil
	}

	// backend assignment: the last n_gpu_layers layers go to the GPU,
	// the output projection goes with them, the input embeddings only
	// when n_gpu_layers exceeds n_layer.
	nLayer := int(hparams.NLayer)
	backendCPU := backends.CPU
	backendGPU := backends.GPU
	if backendGPU == nil || params.NGpuLayers <= 0 {
		backendGPU = backendCPU
	}
	m.BackendCPU = backendCPU
	m.BackendGPU = backends.GPU

	iGpuStart := nLayer - params.NGpuLayers
	if iGpuStart < 0 {
		iGpuStart = 0
	}
	if params.NGpuLayers > nLayer {
		m.BackendInp = backendGPU
	} else {
		m.BackendInp = backendCPU
	}
	if params.NGpuLayers > 0 {
		m.BackendOut = backendGPU
	} else {
		m.BackendOut = backendCPU
	}
	m.BackendLayers = make([]backend.Backend, nLayer)
	for i := range m.BackendLayers {
		if i >= iGpuStart {
			m.BackendLayers[i] = backendGPU
		} else {
			m.BackendLayers[i] = backendCPU
		}
	}

	// size one arena per backend
	ctxSizes := make(map[backend.Backend]uint64)
	for _, meta := range ml.tensors.Tensors {
		var b backend.Backend
		switch meta.Name {
		case "tok_embeddings.weight":
			b = m.BackendInp
		case "norm.weight", "output.weight":
			b = m.BackendOut
		default:
			layer, err := layerFor(meta.Name, nLayer)
			if err != nil {
				return nil, err
			}
			b = m.BackendLayers[layer]
		}
		ctxSizes[b] += meta.Size + 32
	}

	// with mmap, RAM-shared arenas hold no payload; the map serves it
	var mmapSize uint64
	if ml.useMmap {
		for b := range ctxSizes {
			if b.IsRAMShared() {
				mmapSize += ctxSizes[b]
				ctxSizes[b] = 0
			}
		}
	}
	for b, size := range ctxSizes {
		logger.Log.Info("weight arena", "backend", b.Name(), "mb", float64(size)/1024.0/1024.0)
	}
	if mmapSize > 0 {
		logger.Log.Info("weight arena", "backend", "mmap", "mb", float64(mmapSize)/1024.0/1024.0)
	}
	{
		ctxSum := mmapSize
		for _, size := range ctxSizes {
			ctxSum += size
		}
		logger.Log.Info("mem required",
			"mb", float64(ctxSum+evalBufferSize(m.Type))/1024.0/1024.0)
	}

	m.buffers = make(map[backend.Backend]*backend.Buffer)
	ctxFor := make(map[backend.Backend]*backend.Context)
	for b, size := range ctxSizes {
		buf, err := b.AllocBuffer(size)
		if err != nil {
			return nil, fmt.Errorf("weight buffer on %s: %w", b.Name(), err)
		}
		m.buffers[b] = buf
		ctxFor[b] = backend.NewContext(buf, ml.useMmap && b.IsRAMShared())
	}

	// request every known tensor
	{
		nEmbd := hparams.NEmbd
		nVocab := hparams.NVocab

		if m.TokEmbeddings, err = ml.getTensor("tok_embeddings.weight", []uint32{nEmbd, nVocab}, ctxFor[m.BackendInp]); err != nil {
			return nil, err
		}
		if m.Norm, err = ml.getTensor("norm.weight", []uint32{nEmbd}, ctxFor[m.BackendOut]); err != nil {
			return nil, err
		}
		if m.Output, err = ml.getTensor("output.weight", []uint32{nEmbd, nVocab}, ctxFor[m.BackendOut]); err != nil {
			return nil, err
		}

		m.Layers = make([]Layer, nLayer)
		for i := 0; i < nLayer; i++ {
			layer := &m.Layers[i]
			ctx := ctxFor[m.BackendLayers[i]]
			prefix := fmt.Sprintf("layers.%d.", i)

			get := func(dst **backend.Tensor, suffix string, ne ...uint32) {
				if err != nil {
					return
				}
				*dst, err = ml.getTensor(prefix+suffix, ne, ctx)
			}
			get(&layer.AttentionNorm, "attention_norm.weight", nEmbd)
			get(&layer.Wq, "attention.wq.weight", nEmbd, nEmbd)
			get(&layer.Wk, "attention.wk.weight", nEmbd, nEmbd)
			get(&layer.Wv, "attention.wv.weight", nEmbd, nEmbd)
			get(&layer.Wo, "attention.wo.weight", nEmbd, nEmbd)
			get(&layer.FfnNorm, "ffn_norm.weight", nEmbd)
			get(&layer.W1, "feed_forward.w1.weight", nEmbd, nFF)
			get(&layer.W2, "feed_forward.w2.weight", nFF, nEmbd)
			get(&layer.W3, "feed_forward.w3.weight", nEmbd, nFF)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := ml.doneGettingTensors(); err != nil {
		return nil, err
	}

	for _, meta := range ml.tensors.Tensors {
		m.TensorsByName = append(m.TensorsByName, NamedTensor{Name: meta.Name, Tensor: ml.created[meta]})
	}

	if err := ml.loadAllData(m, params); err != nil {
		return nil, err
	}
	if params.Progress != nil {
		params.Progress(1.0)
	}
	metrics.LoadProgress.Set(1.0)

	m.Mapping = ml.mapping

	m.TLoadUs = time.Now().UnixMicro() - m.TStartUs
	metrics.LoadSeconds.Set(float64(m.TLoadUs) / 1e6)
	return m, nil
}

// loadAllData fills every created tensor from the file, by the
// mmap/backend-residency matrix of policies.
func (l *Loader) loadAllData(m *Model, params LoadParams) error {
	var dataSize uint64
	var scratchSize uint64
	for _, meta := range l.tensors.Tensors {
		dataSize += meta.Size
		if !l.useMmap && !l.ctxs[meta].Backend.IsRAMShared() && meta.Size > scratchSize {
			scratchSize = meta.Size
		}
	}

	if l.useMmap {
		mp, err := mmap.Map(l.fileLoader.File.Fd(), l.fileLoader.File.Size(), true, mmap.IsNUMA())
		if err != nil {
			return err
		}
		l.mapping = mp
		if params.UseMlock {
			m.mlock = mmap.NewLock(mp.Data)
		}
	}

	var scratch []byte
	if scratchSize > 0 {
		scratch = make([]byte, scratchSize)
	}

	var doneSize uint64
	for _, meta := range l.tensors.Tensors {
		if params.Progress != nil {
			params.Progress(float32(doneSize) / float32(dataSize))
		}
		metrics.LoadProgress.Set(float64(doneSize) / float64(dataSize))

		t := l.created[meta]
		shared := l.ctxs[meta].Backend.IsRAMShared()

		switch {
		case l.useMmap && shared:
			t.Data = l.mapping.Data[meta.FileOff : meta.FileOff+int64(meta.Size)]
			if m.mlock != nil {
				m.mlock.GrowTo(uintptr(meta.FileOff) + uintptr(meta.Size))
			}
		case l.useMmap && !shared:
			src := l.mapping.Data[meta.FileOff : meta.FileOff+int64(meta.Size)]
			l.ctxs[meta].Backend.TensorSet(t, 0, src)
			l.mapping.Discard(uintptr(meta.FileOff), uintptr(meta.Size))
		case shared:
			if err := l.readInto(meta, t.Data[:meta.Size]); err != nil {
				return err
			}
		default:
			buf := scratch[:meta.Size]
			if err := l.readInto(meta, buf); err != nil {
				return err
			}
			l.ctxs[meta].Backend.TensorSet(t, 0, buf)
		}

		doneSize += meta.Size
	}
	return nil
}

func (l *Loader) readInto(meta *ggml.TensorMeta, dst []byte) error {
	if err := l.fileLoader.File.Seek(meta.FileOff, io.SeekStart); err != nil {
		return err
	}
	return l.fileLoader.File.ReadRaw(dst)
}

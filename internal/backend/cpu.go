package backend

import (
	"runtime"
	"sync"

	"github.com/arbalest-llm/arbalest/internal/ggml"
)

// CPU is the host backend. Tensor memory is plain RAM, transfers are
// memcpys and Compute walks the sub-graph on a bounded worker pool.
type CPU struct {
	name     string
	hasBLAS  bool
	nThreads int

	mu      sync.Mutex
	buffers []*Buffer
}

// NewCPU returns the default host backend.
func NewCPU() *CPU {
	return &CPU{name: "CPU", nThreads: runtime.NumCPU()}
}

// NewCPUNamed returns a separately named CPU instance. Used where a
// second backend is needed (tests of the split scheduler, the GPU
// seam on machines without one).
func NewCPUNamed(name string, blas bool) *CPU {
	return &CPU{name: name, hasBLAS: blas, nThreads: runtime.NumCPU()}
}

func (b *CPU) Name() string      { return b.name }
func (b *CPU) IsRAMShared() bool { return true }
func (b *CPU) HasBLAS() bool     { return b.hasBLAS }

func (b *CPU) SetNThreads(n int) {
	if n < 1 {
		n = 1
	}
	b.nThreads = n
}

func (b *CPU) AllocBuffer(size uint64) (*Buffer, error) {
	buf := &Buffer{Backend: b, data: make([]byte, size)}
	b.mu.Lock()
	b.buffers = append(b.buffers, buf)
	b.mu.Unlock()
	return buf, nil
}

func (b *CPU) FreeBuffer(buf *Buffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, bb := range b.buffers {
		if bb == buf {
			b.buffers = append(b.buffers[:i], b.buffers[i+1:]...)
			break
		}
	}
	buf.data = nil
}

func (b *CPU) TensorSet(t *Tensor, off uint64, data []byte) {
	copy(t.Data[off:], data)
}

func (b *CPU) TensorGet(t *Tensor, off uint64, data []byte) {
	copy(data, t.Data[off:])
}

// The CPU backend has no transfer queue; async degrades to sync.
func (b *CPU) TensorSetAsync(t *Tensor, off uint64, data []byte) { b.TensorSet(t, off, data) }
func (b *CPU) TensorGetAsync(t *Tensor, off uint64, data []byte) { b.TensorGet(t, off, data) }
func (b *CPU) Synchronize()                                      {}

func (b *CPU) Compute(g *Graph) {
	for _, node := range g.Nodes {
		b.computeNode(node)
	}
}

func (b *CPU) computeNode(t *Tensor) {
	switch t.Op {
	case OpNone, OpView, OpReshape, OpPermute, OpTranspose:
		// layout-only
	case OpGetRows:
		computeGetRows(t)
	case OpMatMul:
		computeMatMul(t, b.nThreads)
	case OpMul:
		computeMulAdd(t, false)
	case OpAdd:
		computeMulAdd(t, true)
	case OpRMSNorm:
		computeRMSNorm(t)
	case OpRope:
		computeRope(t)
	case OpScale:
		computeScale(t)
	case OpDiagMaskInf:
		computeDiagMaskInf(t)
	case OpSoftMax:
		computeSoftMax(t)
	case OpSilu:
		computeSilu(t)
	case OpCpy:
		computeCpy(t)
	default:
		panic("cpu: unhandled op " + t.Op.String())
	}
}

// parallelFor splits [0, n) across up to nThreads goroutines.
func parallelFor(n, nThreads int, f func(lo, hi int)) {
	if nThreads <= 1 || n < 2 {
		f(0, n)
		return
	}
	if nThreads > n {
		nThreads = n
	}
	chunk := (n + nThreads - 1) / nThreads
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			f(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

var _ Backend = (*CPU)(nil)

// Supports reports whether a tensor type is computable here: every
// tensor type the codec accepts is.
func (b *CPU) Supports(typ ggml.TensorType) bool { return typ.Valid() }

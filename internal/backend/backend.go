package backend

import (
	"fmt"

	"github.com/arbalest-llm/arbalest/internal/ggml"
)

// Backend is the compute contract the core requires: typed buffers,
// tensors inside a buffer, byte upload/download, sub-graph execution
// and capability flags. Backends are identified by name for logs.
type Backend interface {
	Name() string
	// IsRAMShared reports whether tensor memory is host memory, in
	// which case mmap'd payloads can be aliased instead of uploaded.
	IsRAMShared() bool
	HasBLAS() bool

	AllocBuffer(size uint64) (*Buffer, error)
	FreeBuffer(buf *Buffer)

	SetNThreads(n int)

	TensorSet(t *Tensor, off uint64, data []byte)
	TensorGet(t *Tensor, off uint64, data []byte)
	// Async variants may return before the transfer completes; a
	// Synchronize call orders them before host reads.
	TensorSetAsync(t *Tensor, off uint64, data []byte)
	TensorGetAsync(t *Tensor, off uint64, data []byte)
	Synchronize()

	Compute(g *Graph)
}

// Buffer is one backend-local allocation that tensors are carved from.
type Buffer struct {
	Backend Backend
	data    []byte
	used    uint64
}

func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// Reset discards all arena allocations so the buffer can host the
// next eval's compute tensors.
func (b *Buffer) Reset() { b.used = 0 }

// Context is an arena of tensors inside one buffer. With NoAlloc set,
// created tensors carry no data until it is assigned (mmap aliasing).
type Context struct {
	Backend Backend
	Buffer  *Buffer
	NoAlloc bool
	tensors []*Tensor
	err     error
}

func NewContext(buf *Buffer, noAlloc bool) *Context {
	return &Context{Backend: buf.Backend, Buffer: buf, NoAlloc: noAlloc}
}

// Err returns the first allocation failure recorded by the sticky
// tensor constructors. Graph builders create many tensors back to
// back and check once at the end.
func (c *Context) Err() error { return c.err }

const tensorAlign = 32

func (c *Context) alloc(size uint64) ([]byte, error) {
	size = (size + tensorAlign - 1) &^ uint64(tensorAlign-1)
	if c.Buffer.used+size > uint64(len(c.Buffer.data)) {
		return nil, fmt.Errorf("arena on %s exhausted: need %d, have %d free",
			c.Backend.Name(), size, uint64(len(c.Buffer.data))-c.Buffer.used)
	}
	data := c.Buffer.data[c.Buffer.used : c.Buffer.used+size : c.Buffer.used+size]
	c.Buffer.used += size
	return data, nil
}

// Op enumerates the graph node kinds the builder can emit.
type Op int

const (
	OpNone Op = iota
	OpGetRows
	OpMatMul
	OpMul
	OpAdd
	OpRMSNorm
	OpRope
	OpScale
	OpDiagMaskInf
	OpSoftMax
	OpSilu
	OpCpy
	OpView
	OpReshape
	OpPermute
	OpTranspose
)

var opNames = [...]string{
	"none", "get_rows", "mul_mat", "mul", "add", "rms_norm", "rope",
	"scale", "diag_mask_inf", "soft_max", "silu", "cpy", "view",
	"reshape", "permute", "transpose",
}

func (o Op) String() string { return opNames[o] }

// Tensor is a typed n-dimensional view plus its producing op. NE holds
// element counts, NB byte strides per dimension; for quantized types
// NB[0] is the block byte size and dimension 0 must stay contiguous.
type Tensor struct {
	Type ggml.TensorType
	NE   [4]int
	NB   [4]uint64

	Op         Op
	Src0, Src1 *Tensor
	// ViewSrc is the tensor whose storage this one aliases. It also
	// carries the scheduler ordering edge for KV cache views.
	ViewSrc *Tensor

	// op parameters (rope: n_past, n_rot; diag_mask: n_past)
	IParams [2]int
	FParams [2]float32

	Data []byte
	Name string
	Ctx  *Context
}

func (t *Tensor) NElements() int {
	return t.NE[0] * t.NE[1] * t.NE[2] * t.NE[3]
}

func (t *Tensor) NBytes() uint64 {
	return uint64(t.NElements()) / uint64(t.Type.BlockSize()) * uint64(t.Type.TypeSize())
}

// ElementSize returns the bytes of one element; 0 for quantized types.
func (t *Tensor) ElementSize() uint64 {
	if t.Type.IsQuantized() {
		return 0
	}
	return uint64(t.Type.ElementSize())
}

// IsContiguous reports the canonical row-major layout.
func (t *Tensor) IsContiguous() bool {
	nb := contiguousNB(t.Type, t.NE)
	return t.NB == nb
}

func contiguousNB(typ ggml.TensorType, ne [4]int) [4]uint64 {
	var nb [4]uint64
	nb[0] = uint64(typ.TypeSize())
	nb[1] = nb[0] * uint64(ne[0]/typ.BlockSize())
	nb[2] = nb[1] * uint64(ne[1])
	nb[3] = nb[2] * uint64(ne[2])
	return nb
}

func ne4(ne ...int) [4]int {
	full := [4]int{1, 1, 1, 1}
	copy(full[:], ne)
	return full
}

// NewTensorE creates a contiguous tensor of the given shape in the
// context's arena, with an explicit allocation error.
func (c *Context) NewTensorE(typ ggml.TensorType, ne ...int) (*Tensor, error) {
	t := &Tensor{Type: typ, NE: ne4(ne...), Ctx: c}
	t.NB = contiguousNB(typ, t.NE)
	if !c.NoAlloc {
		data, err := c.alloc(t.NBytes())
		if err != nil {
			return nil, err
		}
		t.Data = data
	}
	c.tensors = append(c.tensors, t)
	return t, nil
}

// NewTensor is NewTensorE with the error parked on the context.
func (c *Context) NewTensor(typ ggml.TensorType, ne ...int) *Tensor {
	t, err := c.NewTensorE(typ, ne...)
	if err != nil {
		if c.err == nil {
			c.err = err
		}
		t = &Tensor{Type: typ, NE: ne4(ne...), Ctx: c}
		t.NB = contiguousNB(typ, t.NE)
	}
	return t
}

// NewF32 creates a 1-element f32 tensor holding v (scalar op operands).
func (c *Context) NewF32(v float32) *Tensor {
	t := c.NewTensor(ggml.TypeF32, 1)
	if t.Data != nil {
		putF32(t.Data, 0, v)
	}
	return t
}

func (t *Tensor) SetName(format string, args ...interface{}) *Tensor {
	t.Name = fmt.Sprintf(format, args...)
	return t
}

// Graph is an executable sub-graph: nodes in topological order.
type Graph struct {
	Nodes []*Tensor
}

// BuildForward appends, in dependency order, every op node reachable
// from t that is not already present.
func (g *Graph) BuildForward(t *Tensor) {
	seen := make(map[*Tensor]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		seen[n] = true
	}
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		visit(n.Src0)
		visit(n.Src1)
		visit(n.ViewSrc)
		if n.Op != OpNone {
			g.Nodes = append(g.Nodes, n)
		}
	}
	visit(t)
}

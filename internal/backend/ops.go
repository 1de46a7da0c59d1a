package backend

import (
	"fmt"

	"github.com/arbalest-llm/arbalest/internal/ggml"
)

// Graph op constructors. Shapes follow the ggml convention: NE[0] is
// the contiguous dimension, a matmul contracts over NE[0] of both
// operands. Shape violations are programmer errors and panic; memory
// exhaustion is parked on the context (see Context.Err).

func assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic("backend: " + fmt.Sprintf(format, args...))
	}
}

// GetRows gathers rows of a (any type) by the i32 indices in b,
// producing f32 [a.NE[0], len(b)].
func GetRows(c *Context, a, b *Tensor) *Tensor {
	assert(b.Type == ggml.TypeI32, "get_rows indices must be i32")
	out := c.NewTensor(ggml.TypeF32, a.NE[0], b.NE[0])
	out.Op = OpGetRows
	out.Src0, out.Src1 = a, b
	return out
}

// MatMul contracts a [k, m] with b [k, n] into f32 [m, n]; higher
// dimensions of b batch the product.
func MatMul(c *Context, a, b *Tensor) *Tensor {
	assert(a.NE[0] == b.NE[0], "mul_mat: inner dims %d != %d", a.NE[0], b.NE[0])
	assert(a.NE[3] == 1 && b.NE[3] == 1, "mul_mat: 4-d not supported")
	assert(a.NE[2] == 1 || a.NE[2] == b.NE[2], "mul_mat: batch dims %d vs %d", a.NE[2], b.NE[2])
	out := c.NewTensor(ggml.TypeF32, a.NE[1], b.NE[1], b.NE[2])
	out.Op = OpMatMul
	out.Src0, out.Src1 = a, b
	return out
}

// Mul multiplies element-wise; a 1-D b is broadcast across the rows
// of a (the RMSNorm weight pattern).
func Mul(c *Context, a, b *Tensor) *Tensor {
	assert(a.NE[0] == b.NE[0], "mul: dim0 %d != %d", a.NE[0], b.NE[0])
	out := c.NewTensor(a.Type, a.NE[0], a.NE[1], a.NE[2])
	out.Op = OpMul
	out.Src0, out.Src1 = a, b
	return out
}

func Add(c *Context, a, b *Tensor) *Tensor {
	assert(a.NE == b.NE, "add: shape mismatch")
	out := c.NewTensor(a.Type, a.NE[0], a.NE[1], a.NE[2])
	out.Op = OpAdd
	out.Src0, out.Src1 = a, b
	return out
}

func RMSNorm(c *Context, a *Tensor) *Tensor {
	out := c.NewTensor(a.Type, a.NE[0], a.NE[1], a.NE[2])
	out.Op = OpRMSNorm
	out.Src0 = a
	return out
}

func Silu(c *Context, a *Tensor) *Tensor {
	out := c.NewTensor(a.Type, a.NE[0], a.NE[1], a.NE[2])
	out.Op = OpSilu
	out.Src0 = a
	return out
}

// Aliasing nodes keep their direct parent as ViewSrc rather than the
// root of the chain: ordering edges hung on an intermediate view (the
// KV cache write barrier) must stay reachable from downstream views.
func inplace(c *Context, a *Tensor, op Op) *Tensor {
	out := &Tensor{
		Type: a.Type, NE: a.NE, NB: a.NB,
		Op: op, Src0: a, ViewSrc: a,
		Data: a.Data, Ctx: c,
	}
	c.tensors = append(c.tensors, out)
	return out
}

// RopeCustomInplace rotates the first nRot elements of every head
// vector by position-dependent angles (adjacent-pair mode).
func RopeCustomInplace(c *Context, a *Tensor, nPast, nRot int, freqBase, freqScale float32) *Tensor {
	out := inplace(c, a, OpRope)
	out.IParams = [2]int{nPast, nRot}
	out.FParams = [2]float32{freqBase, freqScale}
	return out
}

// ScaleInplace multiplies a by the scalar held in s (a 1-element f32).
func ScaleInplace(c *Context, a, s *Tensor) *Tensor {
	assert(s.NElements() == 1, "scale: operand must be a scalar tensor")
	out := inplace(c, a, OpScale)
	out.Src1 = s
	return out
}

// DiagMaskInfInplace writes -inf above the shifted diagonal: entry
// (i0, i1) is masked when i0 > nPast + i1.
func DiagMaskInfInplace(c *Context, a *Tensor, nPast int) *Tensor {
	out := inplace(c, a, OpDiagMaskInf)
	out.IParams[0] = nPast
	return out
}

func SoftMaxInplace(c *Context, a *Tensor) *Tensor {
	return inplace(c, a, OpSoftMax)
}

// Cpy copies a into b (strided, type-converting) and yields a node
// aliasing b.
func Cpy(c *Context, a, b *Tensor) *Tensor {
	assert(a.NElements() == b.NElements(), "cpy: element count %d != %d", a.NElements(), b.NElements())
	out := &Tensor{
		Type: b.Type, NE: b.NE, NB: b.NB,
		Op: OpCpy, Src0: a, Src1: b, ViewSrc: b,
		Data: b.Data, Ctx: c,
	}
	c.tensors = append(c.tensors, out)
	return out
}

// ViewTensor aliases the whole of a.
func ViewTensor(c *Context, a *Tensor) *Tensor {
	out := &Tensor{
		Type: a.Type, NE: a.NE, NB: a.NB,
		Op: OpView, ViewSrc: a,
		Data: a.Data, Ctx: c,
	}
	c.tensors = append(c.tensors, out)
	return out
}

func view(c *Context, a *Tensor, offset uint64, ne [4]int, nb [4]uint64) *Tensor {
	var data []byte
	if a.Data != nil {
		data = a.Data[offset:]
	}
	out := &Tensor{
		Type: a.Type, NE: ne, NB: nb,
		Op: OpView, ViewSrc: a,
		Data: data, Ctx: c,
	}
	c.tensors = append(c.tensors, out)
	return out
}

func View1D(c *Context, a *Tensor, ne0 int, offset uint64) *Tensor {
	ne := ne4(ne0)
	nb := contiguousNB(a.Type, ne)
	return view(c, a, offset, ne, nb)
}

func View2D(c *Context, a *Tensor, ne0, ne1 int, nb1 uint64, offset uint64) *Tensor {
	ne := ne4(ne0, ne1)
	nb := contiguousNB(a.Type, ne)
	nb[1] = nb1
	nb[2] = nb1 * uint64(ne1)
	nb[3] = nb[2]
	return view(c, a, offset, ne, nb)
}

func View3D(c *Context, a *Tensor, ne0, ne1, ne2 int, nb1, nb2 uint64, offset uint64) *Tensor {
	ne := ne4(ne0, ne1, ne2)
	nb := contiguousNB(a.Type, ne)
	nb[1] = nb1
	nb[2] = nb2
	nb[3] = nb2 * uint64(ne2)
	return view(c, a, offset, ne, nb)
}

// Reshape2D reinterprets a contiguous tensor with a new shape.
func Reshape2D(c *Context, a *Tensor, ne0, ne1 int) *Tensor {
	assert(a.IsContiguous(), "reshape of non-contiguous tensor")
	assert(a.NElements() == ne0*ne1, "reshape: element count mismatch")
	ne := ne4(ne0, ne1)
	out := view(c, a, 0, ne, contiguousNB(a.Type, ne))
	out.Op = OpReshape
	return out
}

func Reshape3D(c *Context, a *Tensor, ne0, ne1, ne2 int) *Tensor {
	assert(a.IsContiguous(), "reshape of non-contiguous tensor")
	assert(a.NElements() == ne0*ne1*ne2, "reshape: element count mismatch")
	ne := ne4(ne0, ne1, ne2)
	out := view(c, a, 0, ne, contiguousNB(a.Type, ne))
	out.Op = OpReshape
	return out
}

// Permute reorders dimensions: axis i of the source becomes axis ax_i
// of the result. Matches ggml_permute semantics:
// Permute(a, 0, 2, 1, 3) swaps dimensions 1 and 2.
func Permute(c *Context, a *Tensor, ax0, ax1, ax2, ax3 int) *Tensor {
	axes := [4]int{ax0, ax1, ax2, ax3}
	var ne [4]int
	var nb [4]uint64
	for i := 0; i < 4; i++ {
		ne[axes[i]] = a.NE[i]
		nb[axes[i]] = a.NB[i]
	}
	out := view(c, a, 0, ne, nb)
	out.Op = OpPermute
	return out
}

// Transpose swaps the first two dimensions.
func Transpose(c *Context, a *Tensor) *Tensor {
	ne := [4]int{a.NE[1], a.NE[0], a.NE[2], a.NE[3]}
	nb := [4]uint64{a.NB[1], a.NB[0], a.NB[2], a.NB[3]}
	out := view(c, a, 0, ne, nb)
	out.Op = OpTranspose
	return out
}

package backend

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/x448/float16"

	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/quant"
)

const rmsNormEps = 1e-6

// f32View reinterprets a byte slice as float32s. Arena allocations are
// 32-byte aligned so the cast is safe on every supported target.
func f32View(b []byte, n int) []float32 {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}

func putF32(b []byte, i int, v float32) {
	binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
}

func getF32(b []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
}

func loadf(typ ggml.TensorType, b []byte, off uint64) float32 {
	switch typ {
	case ggml.TypeF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
	case ggml.TypeF16:
		return float16.Frombits(binary.LittleEndian.Uint16(b[off:])).Float32()
	}
	panic("load of " + typ.String() + " element")
}

func storef(typ ggml.TensorType, b []byte, off uint64, v float32) {
	switch typ {
	case ggml.TypeF32:
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(v))
	case ggml.TypeF16:
		binary.LittleEndian.PutUint16(b[off:], float16.Fromfloat32(v).Bits())
	default:
		panic("store of " + typ.String() + " element")
	}
}

// row returns the contiguous f32 run of length n starting at a byte
// offset. The offset must be 4-byte aligned (all f32 strides are).
func row(t *Tensor, off uint64, n int) []float32 {
	return f32View(t.Data[off:], n)
}

func computeGetRows(t *Tensor) {
	src, idx := t.Src0, t.Src1
	n := src.NE[0]
	for r := 0; r < idx.NE[0]; r++ {
		id := int(int32(binary.LittleEndian.Uint32(idx.Data[r*4:])))
		out := row(t, uint64(r)*t.NB[1], n)
		if err := quant.DequantizeRow(src.Type, src.Data[uint64(id)*src.NB[1]:], out); err != nil {
			panic(err)
		}
	}
}

func computeMatMul(t *Tensor, nThreads int) {
	a, b := t.Src0, t.Src1
	assert(b.Type == ggml.TypeF32 || b.Type == ggml.TypeF16, "mul_mat: src1 must be float")
	assert(b.NB[0] == uint64(b.Type.ElementSize()), "mul_mat: src1 dim0 must be contiguous")
	assert(a.NB[0] == uint64(a.Type.TypeSize()), "mul_mat: src0 dim0 must be contiguous")

	k := a.NE[0]
	m, n, batch := t.NE[0], t.NE[1], t.NE[2]
	out := f32View(t.Data, m*n*batch)

	directA := a.Type == ggml.TypeF32
	directB := b.Type == ggml.TypeF32
	parallelFor(m, nThreads, func(lo, hi int) {
		var scratchA, scratchB []float32
		if !directA {
			scratchA = make([]float32, k)
		}
		if !directB {
			scratchB = make([]float32, k)
		}
		for i2 := 0; i2 < batch; i2++ {
			a2 := i2
			if a.NE[2] == 1 {
				a2 = 0
			}
			for i := lo; i < hi; i++ {
				aoff := uint64(i)*a.NB[1] + uint64(a2)*a.NB[2]
				arow := scratchA
				if directA {
					arow = row(a, aoff, k)
				} else if err := quant.DequantizeRow(a.Type, a.Data[aoff:], arow); err != nil {
					panic(err)
				}
				for j := 0; j < n; j++ {
					boff := uint64(j)*b.NB[1] + uint64(i2)*b.NB[2]
					brow := scratchB
					if directB {
						brow = row(b, boff, k)
					} else if err := quant.DequantizeRow(b.Type, b.Data[boff:], brow); err != nil {
						panic(err)
					}
					var sum float32
					for l := 0; l < k; l++ {
						sum += arow[l] * brow[l]
					}
					out[i2*m*n+j*m+i] = sum
				}
			}
		}
	})
}

// computeMulAdd covers the two element-wise binaries; src1 rows are
// broadcast when src1 has fewer of them.
func computeMulAdd(t *Tensor, add bool) {
	a, b := t.Src0, t.Src1
	n := t.NE[0]
	for i2 := 0; i2 < t.NE[2]; i2++ {
		for i1 := 0; i1 < t.NE[1]; i1++ {
			dst := row(t, uint64(i1)*t.NB[1]+uint64(i2)*t.NB[2], n)
			ra := row(a, uint64(i1)*a.NB[1]+uint64(i2)*a.NB[2], n)
			rb := row(b, uint64(i1%b.NE[1])*b.NB[1]+uint64(i2%b.NE[2])*b.NB[2], n)
			if add {
				for i := range dst {
					dst[i] = ra[i] + rb[i]
				}
			} else {
				for i := range dst {
					dst[i] = ra[i] * rb[i]
				}
			}
		}
	}
}

func computeRMSNorm(t *Tensor) {
	a := t.Src0
	n := t.NE[0]
	for i2 := 0; i2 < t.NE[2]; i2++ {
		for i1 := 0; i1 < t.NE[1]; i1++ {
			src := row(a, uint64(i1)*a.NB[1]+uint64(i2)*a.NB[2], n)
			dst := row(t, uint64(i1)*t.NB[1]+uint64(i2)*t.NB[2], n)
			var sum float64
			for _, v := range src {
				sum += float64(v) * float64(v)
			}
			scale := float32(1.0 / math.Sqrt(sum/float64(n)+rmsNormEps))
			for i, v := range src {
				dst[i] = v * scale
			}
		}
	}
}

func computeSilu(t *Tensor) {
	a := t.Src0
	n := t.NE[0]
	for i2 := 0; i2 < t.NE[2]; i2++ {
		for i1 := 0; i1 < t.NE[1]; i1++ {
			src := row(a, uint64(i1)*a.NB[1]+uint64(i2)*a.NB[2], n)
			dst := row(t, uint64(i1)*t.NB[1]+uint64(i2)*t.NB[2], n)
			for i, v := range src {
				dst[i] = v / (1 + float32(math.Exp(float64(-v))))
			}
		}
	}
}

// computeRope rotates the first nRot elements of each head vector by
// position-dependent angles, adjacent pairs, in place.
func computeRope(t *Tensor) {
	nPast, nRot := t.IParams[0], t.IParams[1]
	freqBase, freqScale := t.FParams[0], t.FParams[1]
	thetaScale := float32(math.Pow(float64(freqBase), -2.0/float64(nRot)))

	for i2 := 0; i2 < t.NE[2]; i2++ { // token
		p := float32(nPast + i2)
		for i1 := 0; i1 < t.NE[1]; i1++ { // head
			x := row(t, uint64(i1)*t.NB[1]+uint64(i2)*t.NB[2], t.NE[0])
			theta := freqScale * p
			for i0 := 0; i0+1 < nRot; i0 += 2 {
				cos := float32(math.Cos(float64(theta)))
				sin := float32(math.Sin(float64(theta)))
				theta *= thetaScale
				x0, x1 := x[i0], x[i0+1]
				x[i0] = x0*cos - x1*sin
				x[i0+1] = x0*sin + x1*cos
			}
		}
	}
}

func computeScale(t *Tensor) {
	s := getF32(t.Src1.Data, 0)
	n := t.NE[0]
	for i2 := 0; i2 < t.NE[2]; i2++ {
		for i1 := 0; i1 < t.NE[1]; i1++ {
			x := row(t, uint64(i1)*t.NB[1]+uint64(i2)*t.NB[2], n)
			for i := range x {
				x[i] *= s
			}
		}
	}
}

var negInf = float32(math.Inf(-1))

func computeDiagMaskInf(t *Tensor) {
	nPast := t.IParams[0]
	for i2 := 0; i2 < t.NE[2]; i2++ {
		for i1 := 0; i1 < t.NE[1]; i1++ {
			x := row(t, uint64(i1)*t.NB[1]+uint64(i2)*t.NB[2], t.NE[0])
			for i0 := nPast + i1 + 1; i0 < t.NE[0]; i0++ {
				x[i0] = negInf
			}
		}
	}
}

func computeSoftMax(t *Tensor) {
	n := t.NE[0]
	for i2 := 0; i2 < t.NE[2]; i2++ {
		for i1 := 0; i1 < t.NE[1]; i1++ {
			x := row(t, uint64(i1)*t.NB[1]+uint64(i2)*t.NB[2], n)
			max := x[0]
			for _, v := range x[1:] {
				if v > max {
					max = v
				}
			}
			var sum float32
			for i, v := range x {
				e := float32(math.Exp(float64(v - max)))
				x[i] = e
				sum += e
			}
			inv := 1 / sum
			for i := range x {
				x[i] *= inv
			}
		}
	}
}

// computeCpy copies src0 into the aliased destination element by
// element in row-major order, converting between f32 and f16 where the
// types differ. Contiguous same-type copies collapse to one memcpy.
func computeCpy(t *Tensor) {
	src := t.Src0
	if src.Type == t.Type && src.IsContiguous() && t.IsContiguous() {
		copy(t.Data[:t.NBytes()], src.Data[:src.NBytes()])
		return
	}

	n := t.NElements()
	se := src.ElementSize()
	de := t.ElementSize()
	assert(se != 0 && de != 0, "cpy between quantized tensors")

	var sc, dc [4]int // coordinates
	for i := 0; i < n; i++ {
		soff := uint64(sc[0])*src.NB[0] + uint64(sc[1])*src.NB[1] + uint64(sc[2])*src.NB[2] + uint64(sc[3])*src.NB[3]
		doff := uint64(dc[0])*t.NB[0] + uint64(dc[1])*t.NB[1] + uint64(dc[2])*t.NB[2] + uint64(dc[3])*t.NB[3]
		storef(t.Type, t.Data, doff, loadf(src.Type, src.Data, soff))
		advance(&sc, src.NE)
		advance(&dc, t.NE)
	}
}

func advance(c *[4]int, ne [4]int) {
	for d := 0; d < 4; d++ {
		c[d]++
		if c[d] < ne[d] {
			return
		}
		c[d] = 0
	}
}

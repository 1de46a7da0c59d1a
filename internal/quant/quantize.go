package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/arbalest-llm/arbalest/internal/ggml"
)

func putf16(b []byte, v float32) {
	binary.LittleEndian.PutUint16(b, float16.Fromfloat32(v).Bits())
}

func nearestInt(v float32) int {
	return int(math.Round(float64(v)))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// QuantizeChunk encodes src into dst in the given type, starting at
// element offset start (a multiple of the block size). It returns the
// bytes written and accumulates the 16-bin code histogram used for
// reporting. F16/F32 targets are plain conversions.
func QuantizeChunk(typ ggml.TensorType, src []float32, dst []byte, start, n int, hist []int64) (int, error) {
	blck := typ.BlockSize()
	if start%blck != 0 || n%blck != 0 {
		return 0, fmt.Errorf("quantize: offset %d / count %d not block-aligned for %s", start, n, typ)
	}
	x := src[start : start+n]
	out := dst[start/blck*typ.TypeSize():]

	switch typ {
	case ggml.TypeF32:
		for i, v := range x {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return n * 4, nil
	case ggml.TypeF16:
		for i, v := range x {
			putf16(out[i*2:], v)
		}
		return n * 2, nil
	case ggml.TypeQ4_0:
		return quantizeQ4_0(x, out, hist), nil
	case ggml.TypeQ4_1:
		return quantizeQ4_1(x, out, hist), nil
	case ggml.TypeQ5_0:
		return quantizeQ5_0(x, out, hist), nil
	case ggml.TypeQ5_1:
		return quantizeQ5_1(x, out, hist), nil
	case ggml.TypeQ8_0:
		return quantizeQ8_0(x, out, hist), nil
	case ggml.TypeQ2_K:
		return quantizeQ2K(x, out, hist), nil
	case ggml.TypeQ3_K:
		return quantizeQ3K(x, out, hist), nil
	case ggml.TypeQ4_K:
		return quantizeQ4K(x, out, hist), nil
	case ggml.TypeQ5_K:
		return quantizeQ5K(x, out, hist), nil
	case ggml.TypeQ6_K:
		return quantizeQ6K(x, out, hist), nil
	}
	return 0, fmt.Errorf("quantize: unsupported target type %s", typ)
}

func histAdd(hist []int64, code int) {
	if hist != nil {
		hist[code&0xF]++
	}
}

func quantizeQ4_0(x []float32, out []byte, hist []int64) int {
	const bs = 18
	nb := len(x) / ggml.QK
	for i := 0; i < nb; i++ {
		blk := out[i*bs:]
		b := x[i*ggml.QK:]

		var amax, max float32
		for j := 0; j < ggml.QK; j++ {
			if a := float32(math.Abs(float64(b[j]))); a > amax {
				amax, max = a, b[j]
			}
		}
		d := max / -8
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		putf16(blk, d)
		for j := 0; j < ggml.QK/2; j++ {
			x0 := clampInt(nearestInt(b[j]*id)+8, 0, 15)
			x1 := clampInt(nearestInt(b[j+ggml.QK/2]*id)+8, 0, 15)
			blk[2+j] = byte(x0) | byte(x1)<<4
			histAdd(hist, x0)
			histAdd(hist, x1)
		}
	}
	return nb * bs
}

func quantizeQ4_1(x []float32, out []byte, hist []int64) int {
	const bs = 20
	nb := len(x) / ggml.QK
	for i := 0; i < nb; i++ {
		blk := out[i*bs:]
		b := x[i*ggml.QK:]

		min, max := b[0], b[0]
		for j := 1; j < ggml.QK; j++ {
			if b[j] < min {
				min = b[j]
			}
			if b[j] > max {
				max = b[j]
			}
		}
		d := (max - min) / 15
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		putf16(blk, d)
		putf16(blk[2:], min)
		for j := 0; j < ggml.QK/2; j++ {
			x0 := clampInt(nearestInt((b[j]-min)*id), 0, 15)
			x1 := clampInt(nearestInt((b[j+ggml.QK/2]-min)*id), 0, 15)
			blk[4+j] = byte(x0) | byte(x1)<<4
			histAdd(hist, x0)
			histAdd(hist, x1)
		}
	}
	return nb * bs
}

func quantizeQ5_0(x []float32, out []byte, hist []int64) int {
	const bs = 22
	nb := len(x) / ggml.QK
	for i := 0; i < nb; i++ {
		blk := out[i*bs:]
		b := x[i*ggml.QK:]

		var amax, max float32
		for j := 0; j < ggml.QK; j++ {
			if a := float32(math.Abs(float64(b[j]))); a > amax {
				amax, max = a, b[j]
			}
		}
		d := max / -16
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		putf16(blk, d)
		var qh uint32
		for j := 0; j < ggml.QK/2; j++ {
			x0 := clampInt(nearestInt(b[j]*id)+16, 0, 31)
			x1 := clampInt(nearestInt(b[j+ggml.QK/2]*id)+16, 0, 31)
			blk[6+j] = byte(x0&0xF) | byte(x1&0xF)<<4
			qh |= uint32(x0>>4) << uint(j)
			qh |= uint32(x1>>4) << uint(j+16)
			histAdd(hist, x0)
			histAdd(hist, x1)
		}
		binary.LittleEndian.PutUint32(blk[2:], qh)
	}
	return nb * bs
}

func quantizeQ5_1(x []float32, out []byte, hist []int64) int {
	const bs = 24
	nb := len(x) / ggml.QK
	for i := 0; i < nb; i++ {
		blk := out[i*bs:]
		b := x[i*ggml.QK:]

		min, max := b[0], b[0]
		for j := 1; j < ggml.QK; j++ {
			if b[j] < min {
				min = b[j]
			}
			if b[j] > max {
				max = b[j]
			}
		}
		d := (max - min) / 31
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		putf16(blk, d)
		putf16(blk[2:], min)
		var qh uint32
		for j := 0; j < ggml.QK/2; j++ {
			x0 := clampInt(nearestInt((b[j]-min)*id), 0, 31)
			x1 := clampInt(nearestInt((b[j+ggml.QK/2]-min)*id), 0, 31)
			blk[8+j] = byte(x0&0xF) | byte(x1&0xF)<<4
			qh |= uint32(x0>>4) << uint(j)
			qh |= uint32(x1>>4) << uint(j+16)
			histAdd(hist, x0)
			histAdd(hist, x1)
		}
		binary.LittleEndian.PutUint32(blk[4:], qh)
	}
	return nb * bs
}

func quantizeQ8_0(x []float32, out []byte, hist []int64) int {
	const bs = 34
	nb := len(x) / ggml.QK
	for i := 0; i < nb; i++ {
		blk := out[i*bs:]
		b := x[i*ggml.QK:]

		var amax float32
		for j := 0; j < ggml.QK; j++ {
			if a := float32(math.Abs(float64(b[j]))); a > amax {
				amax = a
			}
		}
		d := amax / 127
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		putf16(blk, d)
		for j := 0; j < ggml.QK; j++ {
			q := clampInt(nearestInt(b[j]*id), -128, 127)
			blk[2+j] = byte(int8(q))
			histAdd(hist, (q>>4)&0xF)
		}
	}
	return nb * bs
}

// groupMinMax returns the (min, max) of one quantization group.
func groupMinMax(g []float32) (float32, float32) {
	min, max := g[0], g[0]
	for _, v := range g[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func groupAbsMax(g []float32) float32 {
	var amax float32
	for _, v := range g {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax = a
		}
	}
	return amax
}

// The K-quant encoders below use direct per-group affine fits rather
// than the iterative RMSE search of the reference kernels; the block
// layouts are identical and decode with the same dequantizers.

func quantizeQ2K(x []float32, out []byte, hist []int64) int {
	const bs = 84
	nb := len(x) / ggml.QKK
	for i := 0; i < nb; i++ {
		blk := out[i*bs : i*bs+bs]
		b := x[i*ggml.QKK:]

		var scales, mins [16]float32
		var maxScale, maxMin float32
		for g := 0; g < 16; g++ {
			min, max := groupMinMax(b[g*16 : g*16+16])
			if min > 0 {
				min = 0
			}
			scales[g] = (max - min) / 3
			mins[g] = -min
			if scales[g] > maxScale {
				maxScale = scales[g]
			}
			if mins[g] > maxMin {
				maxMin = mins[g]
			}
		}
		d := maxScale / 15
		dmin := maxMin / 15
		putf16(blk[80:], d)
		putf16(blk[82:], dmin)

		var sc, mq [16]int
		for g := 0; g < 16; g++ {
			if d != 0 {
				sc[g] = clampInt(nearestInt(scales[g]/d), 0, 15)
			}
			if dmin != 0 {
				mq[g] = clampInt(nearestInt(mins[g]/dmin), 0, 15)
			}
			blk[g] = byte(sc[g]) | byte(mq[g])<<4
		}

		// decoded group order: see dequantizeQ2K
		for j := range blk[16:80] {
			blk[16+j] = 0
		}
		is := 0
		for n := 0; n < ggml.QKK; n += 128 {
			qs := blk[16+n/4:]
			shift := uint(0)
			for j := 0; j < 4; j++ {
				for half := 0; half < 2; half++ {
					dl := d * float32(sc[is])
					ml := dmin * float32(mq[is])
					for l := 0; l < 16; l++ {
						e := n + 32*j + 16*half + l
						q := 0
						if dl != 0 {
							q = clampInt(nearestInt((b[e]+ml)/dl), 0, 3)
						}
						qs[16*half+l] |= byte(q) << shift
						histAdd(hist, q)
					}
					is++
				}
				shift += 2
			}
		}
	}
	return nb * bs
}

func quantizeQ3K(x []float32, out []byte, hist []int64) int {
	const bs = 110
	nb := len(x) / ggml.QKK
	for i := 0; i < nb; i++ {
		blk := out[i*bs : i*bs+bs]
		b := x[i*ggml.QKK:]
		for j := range blk {
			blk[j] = 0
		}

		// the positive side only reaches 3, so scale by 3 to avoid
		// clipping at the top of the range
		var scales [16]float32
		var maxScale float32
		for g := 0; g < 16; g++ {
			scales[g] = groupAbsMax(b[g*16:g*16+16]) / 3
			if a := float32(math.Abs(float64(scales[g]))); a > maxScale {
				maxScale = a
			}
		}
		d := maxScale / 31
		putf16(blk[108:], d)

		var sc [16]int
		for g := 0; g < 16; g++ {
			if d != 0 {
				sc[g] = clampInt(nearestInt(scales[g]/d), -32, 31)
			}
		}
		packQ3KScales(blk[96:108], sc)

		hmask := blk[0:32]
		qs := blk[32:96]
		m := byte(1)
		is := 0
		for n := 0; n < ggml.QKK; n += 128 {
			q := qs[n/4:]
			shift := uint(0)
			for j := 0; j < 4; j++ {
				for half := 0; half < 2; half++ {
					dl := d * float32(sc[is])
					for l := 0; l < 16; l++ {
						li := 16*half + l
						e := n + 32*j + li
						qv := 0
						if dl != 0 {
							qv = clampInt(nearestInt(b[e]/dl), -4, 3)
						}
						t := qv + 4
						if t >= 4 {
							hmask[li] |= m
							t -= 4
						}
						q[li] |= byte(t) << shift
						histAdd(hist, qv+4)
					}
					is++
				}
				shift += 2
				m <<= 1
			}
		}
	}
	return nb * bs
}

// packQ3KScales packs 16 6-bit scales (stored offset by +32) into the
// 12-byte layout the dequantizer unpacks.
func packQ3KScales(dst []byte, sc [16]int) {
	// low nibbles of scales 0..7 fill the first eight bytes, paired
	// with the low nibbles of 8..15 in the high halves; the high two
	// bits of all sixteen interleave into the last four bytes.
	var lo [16]uint32
	var hi [16]uint32
	for j := 0; j < 16; j++ {
		u := uint32(sc[j]+32) & 63
		lo[j] = u & 0xF
		hi[j] = u >> 4
	}
	var w0, w1, w2 uint32
	for j := 0; j < 4; j++ {
		w0 |= lo[j] << (8 * uint(j))
		w0 |= lo[j+8] << (8*uint(j) + 4)
		w1 |= lo[j+4] << (8 * uint(j))
		w1 |= lo[j+12] << (8*uint(j) + 4)
	}
	for j := 0; j < 4; j++ {
		w2 |= hi[j] << (8 * uint(j))
		w2 |= hi[j+4] << (8*uint(j) + 2)
		w2 |= hi[j+8] << (8*uint(j) + 4)
		w2 |= hi[j+12] << (8*uint(j) + 6)
	}
	binary.LittleEndian.PutUint32(dst[0:], w0)
	binary.LittleEndian.PutUint32(dst[4:], w1)
	binary.LittleEndian.PutUint32(dst[8:], w2)
}

// packScaleMinK4 stores 8 6-bit (scale, min) pairs in the shared
// 12-byte K-scale layout (inverse of scaleMinK4).
func packScaleMinK4(dst []byte, sc, mq [8]int) {
	for j := range dst {
		dst[j] = 0
	}
	for j := 0; j < 8; j++ {
		s, m := byte(sc[j]), byte(mq[j])
		if j < 4 {
			dst[j] |= s & 63
			dst[j+4] |= m & 63
		} else {
			dst[j+4] = (s & 0xF) | (m&0xF)<<4
			dst[j-4] |= (s >> 4) << 6
			dst[j] |= (m >> 4) << 6
		}
	}
}

func quantizeQ4K(x []float32, out []byte, hist []int64) int {
	const bs = 144
	nb := len(x) / ggml.QKK
	for i := 0; i < nb; i++ {
		blk := out[i*bs : i*bs+bs]
		b := x[i*ggml.QKK:]

		var scales, mins [8]float32
		var maxScale, maxMin float32
		for g := 0; g < 8; g++ {
			min, max := groupMinMax(b[g*32 : g*32+32])
			if min > 0 {
				min = 0
			}
			scales[g] = (max - min) / 15
			mins[g] = -min
			if scales[g] > maxScale {
				maxScale = scales[g]
			}
			if mins[g] > maxMin {
				maxMin = mins[g]
			}
		}
		d := maxScale / 63
		dmin := maxMin / 63
		putf16(blk[0:], d)
		putf16(blk[2:], dmin)

		var sc, mq [8]int
		for g := 0; g < 8; g++ {
			if d != 0 {
				sc[g] = clampInt(nearestInt(scales[g]/d), 0, 63)
			}
			if dmin != 0 {
				mq[g] = clampInt(nearestInt(mins[g]/dmin), 0, 63)
			}
		}
		packScaleMinK4(blk[4:16], sc, mq)

		qs := blk[16:144]
		qi := 0
		for j := 0; j < ggml.QKK; j += 64 {
			g0, g1 := j/32, j/32+1
			d1, m1 := d*float32(sc[g0]), dmin*float32(mq[g0])
			d2, m2 := d*float32(sc[g1]), dmin*float32(mq[g1])
			for l := 0; l < 32; l++ {
				q0, q1 := 0, 0
				if d1 != 0 {
					q0 = clampInt(nearestInt((b[j+l]+m1)/d1), 0, 15)
				}
				if d2 != 0 {
					q1 = clampInt(nearestInt((b[j+32+l]+m2)/d2), 0, 15)
				}
				qs[qi+l] = byte(q0) | byte(q1)<<4
				histAdd(hist, q0)
				histAdd(hist, q1)
			}
			qi += 32
		}
	}
	return nb * bs
}

func quantizeQ5K(x []float32, out []byte, hist []int64) int {
	const bs = 176
	nb := len(x) / ggml.QKK
	for i := 0; i < nb; i++ {
		blk := out[i*bs : i*bs+bs]
		b := x[i*ggml.QKK:]

		var scales, mins [8]float32
		var maxScale, maxMin float32
		for g := 0; g < 8; g++ {
			min, max := groupMinMax(b[g*32 : g*32+32])
			if min > 0 {
				min = 0
			}
			scales[g] = (max - min) / 31
			mins[g] = -min
			if scales[g] > maxScale {
				maxScale = scales[g]
			}
			if mins[g] > maxMin {
				maxMin = mins[g]
			}
		}
		d := maxScale / 63
		dmin := maxMin / 63
		putf16(blk[0:], d)
		putf16(blk[2:], dmin)

		var sc, mq [8]int
		for g := 0; g < 8; g++ {
			if d != 0 {
				sc[g] = clampInt(nearestInt(scales[g]/d), 0, 63)
			}
			if dmin != 0 {
				mq[g] = clampInt(nearestInt(mins[g]/dmin), 0, 63)
			}
		}
		packScaleMinK4(blk[4:16], sc, mq)

		qh := blk[16:48]
		ql := blk[48:176]
		for j := range qh {
			qh[j] = 0
		}
		qi := 0
		u1, u2 := byte(1), byte(2)
		for j := 0; j < ggml.QKK; j += 64 {
			g0, g1 := j/32, j/32+1
			d1, m1 := d*float32(sc[g0]), dmin*float32(mq[g0])
			d2, m2 := d*float32(sc[g1]), dmin*float32(mq[g1])
			for l := 0; l < 32; l++ {
				q0, q1 := 0, 0
				if d1 != 0 {
					q0 = clampInt(nearestInt((b[j+l]+m1)/d1), 0, 31)
				}
				if d2 != 0 {
					q1 = clampInt(nearestInt((b[j+32+l]+m2)/d2), 0, 31)
				}
				ql[qi+l] = byte(q0&0xF) | byte(q1&0xF)<<4
				if q0 >= 16 {
					qh[l] |= u1
				}
				if q1 >= 16 {
					qh[l] |= u2
				}
				histAdd(hist, q0)
				histAdd(hist, q1)
			}
			qi += 32
			u1 <<= 2
			u2 <<= 2
		}
	}
	return nb * bs
}

func quantizeQ6K(x []float32, out []byte, hist []int64) int {
	const bs = 210
	nb := len(x) / ggml.QKK
	for i := 0; i < nb; i++ {
		blk := out[i*bs : i*bs+bs]
		b := x[i*ggml.QKK:]
		for j := range blk {
			blk[j] = 0
		}

		var scales [16]float32
		var maxScale float32
		for g := 0; g < 16; g++ {
			scales[g] = groupAbsMax(b[g*16:g*16+16]) / 31
			if a := float32(math.Abs(float64(scales[g]))); a > maxScale {
				maxScale = a
			}
		}
		d := maxScale / 127
		putf16(blk[208:], d)

		var sc [16]int
		for g := 0; g < 16; g++ {
			if d != 0 {
				sc[g] = clampInt(nearestInt(scales[g]/d), -128, 127)
			}
			blk[192+g] = byte(int8(sc[g]))
		}

		for n := 0; n < ggml.QKK; n += 128 {
			ql := blk[n/2:]
			qh := blk[128+n/4:]
			for l := 0; l < 32; l++ {
				var q [4]int
				for k := 0; k < 4; k++ {
					e := n + l + 32*k
					g := e / 16 % 16
					dl := d * float32(sc[g])
					if dl != 0 {
						q[k] = clampInt(nearestInt(b[e]/dl), -32, 31) + 32
					} else {
						q[k] = 32
					}
					histAdd(hist, (q[k]>>2)&0xF)
				}
				ql[l] = byte(q[0]&0xF) | byte(q[2]&0xF)<<4
				ql[l+32] = byte(q[1]&0xF) | byte(q[3]&0xF)<<4
				qh[l] = byte(q[0]>>4) | byte(q[1]>>4)<<2 | byte(q[2]>>4)<<4 | byte(q[3]>>4)<<6
			}
		}
	}
	return nb * bs
}

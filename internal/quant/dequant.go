package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/arbalest-llm/arbalest/internal/ggml"
)

func f16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// DequantizeRow decodes n elements of src (a contiguous run of whole
// blocks of typ) into out. n must be a multiple of the block size.
func DequantizeRow(typ ggml.TensorType, src []byte, out []float32) error {
	switch typ {
	case ggml.TypeF32:
		for i := range out {
			out[i] = f32at(src, i)
		}
	case ggml.TypeF16:
		for i := range out {
			out[i] = f16(src[i*2:])
		}
	case ggml.TypeQ4_0:
		dequantizeQ4_0(src, out)
	case ggml.TypeQ4_1:
		dequantizeQ4_1(src, out)
	case ggml.TypeQ5_0:
		dequantizeQ5_0(src, out)
	case ggml.TypeQ5_1:
		dequantizeQ5_1(src, out)
	case ggml.TypeQ8_0:
		dequantizeQ8_0(src, out)
	case ggml.TypeQ2_K:
		dequantizeQ2K(src, out)
	case ggml.TypeQ3_K:
		dequantizeQ3K(src, out)
	case ggml.TypeQ4_K:
		dequantizeQ4K(src, out)
	case ggml.TypeQ5_K:
		dequantizeQ5K(src, out)
	case ggml.TypeQ6_K:
		dequantizeQ6K(src, out)
	default:
		return fmt.Errorf("dequantize: unsupported type %s", typ)
	}
	return nil
}

func f32at(b []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
}

// Layout: d (f16), 16 nibble bytes; element j is the low nibble,
// element j+16 the high nibble, values offset by -8.
func dequantizeQ4_0(src []byte, out []float32) {
	const bs = 18
	for i := 0; i < len(out)/ggml.QK; i++ {
		blk := src[i*bs:]
		d := f16(blk)
		qs := blk[2:18]
		for j := 0; j < ggml.QK/2; j++ {
			x0 := int(qs[j]&0x0F) - 8
			x1 := int(qs[j]>>4) - 8
			out[i*ggml.QK+j] = float32(x0) * d
			out[i*ggml.QK+j+ggml.QK/2] = float32(x1) * d
		}
	}
}

func dequantizeQ4_1(src []byte, out []float32) {
	const bs = 20
	for i := 0; i < len(out)/ggml.QK; i++ {
		blk := src[i*bs:]
		d := f16(blk)
		m := f16(blk[2:])
		qs := blk[4:20]
		for j := 0; j < ggml.QK/2; j++ {
			out[i*ggml.QK+j] = float32(qs[j]&0x0F)*d + m
			out[i*ggml.QK+j+ggml.QK/2] = float32(qs[j]>>4)*d + m
		}
	}
}

func dequantizeQ5_0(src []byte, out []float32) {
	const bs = 22
	for i := 0; i < len(out)/ggml.QK; i++ {
		blk := src[i*bs:]
		d := f16(blk)
		qh := binary.LittleEndian.Uint32(blk[2:6])
		qs := blk[6:22]
		for j := 0; j < ggml.QK/2; j++ {
			xh0 := (qh >> uint(j)) & 1
			xh1 := (qh >> uint(j+16)) & 1
			x0 := int(uint32(qs[j]&0x0F)|xh0<<4) - 16
			x1 := int(uint32(qs[j]>>4)|xh1<<4) - 16
			out[i*ggml.QK+j] = float32(x0) * d
			out[i*ggml.QK+j+ggml.QK/2] = float32(x1) * d
		}
	}
}

func dequantizeQ5_1(src []byte, out []float32) {
	const bs = 24
	for i := 0; i < len(out)/ggml.QK; i++ {
		blk := src[i*bs:]
		d := f16(blk)
		m := f16(blk[2:])
		qh := binary.LittleEndian.Uint32(blk[4:8])
		qs := blk[8:24]
		for j := 0; j < ggml.QK/2; j++ {
			xh0 := (qh >> uint(j)) & 1
			xh1 := (qh >> uint(j+16)) & 1
			out[i*ggml.QK+j] = float32(uint32(qs[j]&0x0F)|xh0<<4)*d + m
			out[i*ggml.QK+j+ggml.QK/2] = float32(uint32(qs[j]>>4)|xh1<<4)*d + m
		}
	}
}

func dequantizeQ8_0(src []byte, out []float32) {
	const bs = 34
	for i := 0; i < len(out)/ggml.QK; i++ {
		blk := src[i*bs:]
		d := f16(blk)
		for j := 0; j < ggml.QK; j++ {
			out[i*ggml.QK+j] = float32(int8(blk[2+j])) * d
		}
	}
}

// Q2_K super-block: scales[16] (4-bit scale | 4-bit min), qs[64]
// (2-bit quants), d (f16), dmin (f16).
func dequantizeQ2K(src []byte, out []float32) {
	const bs = 84
	for i := 0; i < len(out)/ggml.QKK; i++ {
		blk := src[i*bs:]
		scales := blk[0:16]
		qs := blk[16:80]
		d := f16(blk[80:])
		dmin := f16(blk[82:])

		y := out[i*ggml.QKK:]
		is, yi := 0, 0
		for n := 0; n < ggml.QKK; n += 128 {
			q := qs[n/4:]
			shift := uint(0)
			for j := 0; j < 4; j++ {
				sc := scales[is]
				is++
				dl := d * float32(sc&0xF)
				ml := dmin * float32(sc>>4)
				for l := 0; l < 16; l++ {
					y[yi] = dl*float32((q[l]>>shift)&3) - ml
					yi++
				}
				sc = scales[is]
				is++
				dl = d * float32(sc&0xF)
				ml = dmin * float32(sc>>4)
				for l := 16; l < 32; l++ {
					y[yi] = dl*float32((q[l]>>shift)&3) - ml
					yi++
				}
				shift += 2
			}
		}
	}
}

// Q3_K super-block: hmask[32] (high bits), qs[64] (low 2 bits),
// scales[12] (16 packed 6-bit scales, offset by 32), d (f16).
func dequantizeQ3K(src []byte, out []float32) {
	const bs = 110
	const kmask1, kmask2 = uint32(0x03030303), uint32(0x0f0f0f0f)
	for i := 0; i < len(out)/ggml.QKK; i++ {
		blk := src[i*bs:]
		hmask := blk[0:32]
		qs := blk[32:96]
		d := f16(blk[108:])

		var aux [4]uint32
		aux[0] = binary.LittleEndian.Uint32(blk[96:])
		aux[1] = binary.LittleEndian.Uint32(blk[100:])
		tmp := binary.LittleEndian.Uint32(blk[104:])
		aux[2] = ((aux[0] >> 4) & kmask2) | (((tmp >> 4) & kmask1) << 4)
		aux[3] = ((aux[1] >> 4) & kmask2) | (((tmp >> 6) & kmask1) << 4)
		aux[0] = (aux[0] & kmask2) | (((tmp >> 0) & kmask1) << 4)
		aux[1] = (aux[1] & kmask2) | (((tmp >> 2) & kmask1) << 4)

		scale := func(j int) int {
			return int(int8(aux[j/4]>>(8*uint(j%4)))&63) - 32
		}

		y := out[i*ggml.QKK:]
		m := byte(1)
		is, yi := 0, 0
		for n := 0; n < ggml.QKK; n += 128 {
			q := qs[n/4:]
			shift := uint(0)
			for j := 0; j < 4; j++ {
				dl := d * float32(scale(is))
				is++
				for l := 0; l < 16; l++ {
					v := int((q[l] >> shift) & 3)
					if hmask[l]&m == 0 {
						v -= 4
					}
					y[yi] = dl * float32(v)
					yi++
				}
				dl = d * float32(scale(is))
				is++
				for l := 16; l < 32; l++ {
					v := int((q[l] >> shift) & 3)
					if hmask[l]&m == 0 {
						v -= 4
					}
					y[yi] = dl * float32(v)
					yi++
				}
				shift += 2
				m <<= 1
			}
		}
	}
}

// scaleMinK4 unpacks the 6-bit scale and min of sub-block j from the
// 12-byte K-scale field.
func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	sc := (q[j+4] & 0xF) | ((q[j-4] >> 6) << 4)
	m := (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return sc, m
}

// Q4_K super-block: d (f16), dmin (f16), scales[12], qs[128].
func dequantizeQ4K(src []byte, out []float32) {
	const bs = 144
	for i := 0; i < len(out)/ggml.QKK; i++ {
		blk := src[i*bs:]
		d := f16(blk)
		dmin := f16(blk[2:])
		scales := blk[4:16]
		qs := blk[16:144]

		y := out[i*ggml.QKK:]
		is, yi, qi := 0, 0, 0
		for j := 0; j < ggml.QKK; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)
			for l := 0; l < 32; l++ {
				y[yi] = d1*float32(qs[qi+l]&0xF) - m1
				yi++
			}
			for l := 0; l < 32; l++ {
				y[yi] = d2*float32(qs[qi+l]>>4) - m2
				yi++
			}
			qi += 32
			is += 2
		}
	}
}

// Q5_K super-block: d (f16), dmin (f16), scales[12], qh[32], qs[128].
func dequantizeQ5K(src []byte, out []float32) {
	const bs = 176
	for i := 0; i < len(out)/ggml.QKK; i++ {
		blk := src[i*bs:]
		d := f16(blk)
		dmin := f16(blk[2:])
		scales := blk[4:16]
		qh := blk[16:48]
		ql := blk[48:176]

		y := out[i*ggml.QKK:]
		is, yi, qi := 0, 0, 0
		u1, u2 := byte(1), byte(2)
		for j := 0; j < ggml.QKK; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)
			for l := 0; l < 32; l++ {
				v := uint32(ql[qi+l] & 0xF)
				if qh[l]&u1 != 0 {
					v += 16
				}
				y[yi] = d1*float32(v) - m1
				yi++
			}
			for l := 0; l < 32; l++ {
				v := uint32(ql[qi+l] >> 4)
				if qh[l]&u2 != 0 {
					v += 16
				}
				y[yi] = d2*float32(v) - m2
				yi++
			}
			qi += 32
			is += 2
			u1 <<= 2
			u2 <<= 2
		}
	}
}

// Q6_K super-block: ql[128], qh[64], scales[16] (int8), d (f16).
func dequantizeQ6K(src []byte, out []float32) {
	const bs = 210
	for i := 0; i < len(out)/ggml.QKK; i++ {
		blk := src[i*bs:]
		d := f16(blk[208:])

		y := out[i*ggml.QKK:]
		for n := 0; n < ggml.QKK; n += 128 {
			ql := blk[n/2:]
			qh := blk[128+n/4:]
			sc := blk[192+n/16:]
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int(ql[l]&0xF|(qh[l]>>0&3)<<4) - 32
				q2 := int(ql[l+32]&0xF|(qh[l]>>2&3)<<4) - 32
				q3 := int(ql[l]>>4|(qh[l]>>4&3)<<4) - 32
				q4 := int(ql[l+32]>>4|(qh[l]>>6&3)<<4) - 32
				y[n+l] = d * float32(int8(sc[is])) * float32(q1)
				y[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				y[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				y[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
		}
	}
}

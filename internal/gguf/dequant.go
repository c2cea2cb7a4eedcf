package gguf

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// QK_K is the super-block size of the k-quant formats.
const QK_K = 256

type blockFormat struct {
	elems  int
	bytes  int
	decode func(block []byte, out []float32)
}

// blockFormats covers the quantized types found in Ollama blobs. Every
// decoder fills exactly elems values from one block.
var blockFormats = map[GGMLType]blockFormat{
	GGMLTypeQ4_0: {32, 18, decodeQ4_0},
	GGMLTypeQ4_1: {32, 20, decodeQ4_1},
	GGMLTypeQ5_0: {32, 22, decodeQ5_0},
	GGMLTypeQ5_1: {32, 24, decodeQ5_1},
	GGMLTypeQ8_0: {32, 34, decodeQ8_0},
	GGMLTypeQ3_K: {QK_K, 110, decodeQ3K},
	GGMLTypeQ4_K: {QK_K, 144, decodeQ4K},
	GGMLTypeQ5_K: {QK_K, 176, decodeQ5K},
	GGMLTypeQ6_K: {QK_K, 210, decodeQ6K},
}

func fp16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// dequantize decodes n values block by block. data must hold
// n/elems whole blocks.
func dequantize(bf blockFormat, data []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n/bf.elems; i++ {
		bf.decode(data[i*bf.bytes:(i+1)*bf.bytes], out[i*bf.elems:(i+1)*bf.elems])
	}
	return out
}

// DequantizeQ4K decodes n Q4_K weights.
func DequantizeQ4K(data []byte, n int) []float32 {
	return dequantize(blockFormats[GGMLTypeQ4_K], data, n)
}

// DequantizeQ3K decodes n Q3_K weights.
func DequantizeQ3K(data []byte, n int) []float32 {
	return dequantize(blockFormats[GGMLTypeQ3_K], data, n)
}

// DequantizeQ6K decodes n Q6_K weights.
func DequantizeQ6K(data []byte, n int) []float32 {
	return dequantize(blockFormats[GGMLTypeQ6_K], data, n)
}

// Q4_0: d fp16, then 16 bytes holding 32 nibbles offset by 8.
func decodeQ4_0(b []byte, y []float32) {
	d := fp16(b)
	qs := b[2:]
	for j := 0; j < 16; j++ {
		y[j] = float32(int(qs[j]&0x0F)-8) * d
		y[j+16] = float32(int(qs[j]>>4)-8) * d
	}
}

// Q4_1: d and min fp16, then 16 bytes of unsigned nibbles.
func decodeQ4_1(b []byte, y []float32) {
	d, m := fp16(b), fp16(b[2:])
	qs := b[4:]
	for j := 0; j < 16; j++ {
		y[j] = float32(qs[j]&0x0F)*d + m
		y[j+16] = float32(qs[j]>>4)*d + m
	}
}

// Q5_0: d fp16, 32 high bits, then 16 bytes of low nibbles; values offset by 16.
func decodeQ5_0(b []byte, y []float32) {
	d := fp16(b)
	qh := binary.LittleEndian.Uint32(b[2:])
	qs := b[6:]
	for j := 0; j < 16; j++ {
		h0 := byte((qh>>uint(j))<<4) & 0x10
		h1 := byte(qh>>uint(j+12)) & 0x10
		y[j] = float32(int(qs[j]&0x0F|h0)-16) * d
		y[j+16] = float32(int(qs[j]>>4|h1)-16) * d
	}
}

// Q5_1: d and min fp16, 32 high bits, then 16 bytes of low nibbles.
func decodeQ5_1(b []byte, y []float32) {
	d, m := fp16(b), fp16(b[2:])
	qh := binary.LittleEndian.Uint32(b[4:])
	qs := b[8:]
	for j := 0; j < 16; j++ {
		h0 := byte((qh>>uint(j))<<4) & 0x10
		h1 := byte(qh>>uint(j+12)) & 0x10
		y[j] = float32(qs[j]&0x0F|h0)*d + m
		y[j+16] = float32(qs[j]>>4|h1)*d + m
	}
}

// Q8_0: d fp16, then 32 signed bytes.
func decodeQ8_0(b []byte, y []float32) {
	d := fp16(b)
	for j := 0; j < 32; j++ {
		y[j] = float32(int8(b[2+j])) * d
	}
}

// scaleMinK4 unpacks the j-th 6-bit scale and min from the 12 packed bytes
// shared by Q4_K and Q5_K.
func scaleMinK4(j int, s []byte) (sc, m byte) {
	if j < 4 {
		return s[j] & 63, s[j+4] & 63
	}
	sc = s[j+4]&0x0F | (s[j-4]>>6)<<4
	m = s[j+4]>>4 | (s[j]>>6)<<4
	return sc, m
}

// Q4_K: d, dmin, 12 scale bytes, 128 bytes of nibbles. Eight sub-blocks of
// 32 weights, each with its own scale and min.
func decodeQ4K(b []byte, y []float32) {
	d, dmin := fp16(b), fp16(b[2:])
	scales := b[4:16]
	q := b[16:]
	is := 0
	for j := 0; j < QK_K; j += 64 {
		sc, m := scaleMinK4(is, scales)
		d1, m1 := d*float32(sc), dmin*float32(m)
		sc, m = scaleMinK4(is+1, scales)
		d2, m2 := d*float32(sc), dmin*float32(m)
		for l := 0; l < 32; l++ {
			y[j+l] = d1*float32(q[l]&0x0F) - m1
			y[j+32+l] = d2*float32(q[l]>>4) - m2
		}
		q = q[32:]
		is += 2
	}
}

// Q5_K: Q4_K plus 32 bytes carrying the fifth bit of every weight.
func decodeQ5K(b []byte, y []float32) {
	d, dmin := fp16(b), fp16(b[2:])
	scales := b[4:16]
	qh := b[16:48]
	ql := b[48:]
	is := 0
	u1, u2 := byte(1), byte(2)
	for j := 0; j < QK_K; j += 64 {
		sc, m := scaleMinK4(is, scales)
		d1, m1 := d*float32(sc), dmin*float32(m)
		sc, m = scaleMinK4(is+1, scales)
		d2, m2 := d*float32(sc), dmin*float32(m)
		for l := 0; l < 32; l++ {
			lo := ql[l] & 0x0F
			if qh[l]&u1 != 0 {
				lo += 16
			}
			hi := ql[l] >> 4
			if qh[l]&u2 != 0 {
				hi += 16
			}
			y[j+l] = d1*float32(lo) - m1
			y[j+32+l] = d2*float32(hi) - m2
		}
		ql = ql[32:]
		is += 2
		u1 <<= 2
		u2 <<= 2
	}
}

// Q6_K: 128 bytes of low nibbles, 64 bytes of 2-bit highs, 16 signed
// scales and d. Values are offset by 32.
func decodeQ6K(b []byte, y []float32) {
	ql := b[0:128]
	qh := b[128:192]
	sc := b[192:208]
	d := fp16(b[208:])
	for n := 0; n < QK_K; n += 128 {
		for l := 0; l < 32; l++ {
			is := l / 16
			q1 := int(ql[l]&0x0F|(qh[l]>>0&3)<<4) - 32
			q2 := int(ql[l+32]&0x0F|(qh[l]>>2&3)<<4) - 32
			q3 := int(ql[l]>>4|(qh[l]>>4&3)<<4) - 32
			q4 := int(ql[l+32]>>4|(qh[l]>>6&3)<<4) - 32
			y[n+l] = d * float32(int8(sc[is])) * float32(q1)
			y[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
			y[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
			y[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
		}
		ql = ql[64:]
		qh = qh[32:]
		sc = sc[8:]
	}
}

// Q3_K: 32 bytes of high-bit masks, 64 bytes of 2-bit lows, 12 bytes of
// packed 6-bit scales and d. A clear mask bit subtracts 4.
func decodeQ3K(b []byte, y []float32) {
	const kmask1, kmask2 = 0x03030303, 0x0f0f0f0f
	hm := b[0:32]
	q := b[32:96]
	d := fp16(b[108:])

	var aux [4]uint32
	aux[0] = binary.LittleEndian.Uint32(b[96:])
	aux[1] = binary.LittleEndian.Uint32(b[100:])
	tmp := binary.LittleEndian.Uint32(b[104:])
	aux[2] = (aux[0]>>4)&kmask2 | ((tmp>>4)&kmask1)<<4
	aux[3] = (aux[1]>>4)&kmask2 | ((tmp>>6)&kmask1)<<4
	aux[0] = aux[0]&kmask2 | (tmp&kmask1)<<4
	aux[1] = aux[1]&kmask2 | ((tmp>>2)&kmask1)<<4
	var scales [16]int8
	for i, a := range aux {
		for k := 0; k < 4; k++ {
			scales[4*i+k] = int8(byte(a >> (8 * k)))
		}
	}

	is := 0
	m := byte(1)
	out := 0
	for n := 0; n < QK_K; n += 128 {
		shift := uint(0)
		for j := 0; j < 4; j++ {
			for half := 0; half < 2; half++ {
				dl := d * float32(int(scales[is])-32)
				is++
				for l := half * 16; l < half*16+16; l++ {
					v := int(q[l]>>shift) & 3
					if hm[l]&m == 0 {
						v -= 4
					}
					y[out] = dl * float32(v)
					out++
				}
			}
			shift += 2
			m <<= 1
		}
		q = q[32:]
	}
}

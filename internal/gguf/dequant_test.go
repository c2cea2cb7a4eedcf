package gguf

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/x448/float16"
)

func putF16(b []byte, f float32) {
	binary.LittleEndian.PutUint16(b, float16.Fromfloat32(f).Bits())
}

func near(a, b float32) bool { return math.Abs(float64(a-b)) <= 1e-4 }

func TestQ4KDequantization(t *testing.T) {
	block := make([]byte, 144)
	putF16(block[0:], 0.001)  // d
	putF16(block[2:], 0.0001) // dmin

	// scales for sub-blocks 0..3, then their mins
	copy(block[4:], []byte{10, 20, 30, 40})
	copy(block[8:], []byte{5, 15, 25, 30})
	block[16] = 0x21

	result := DequantizeQ4K(block, 256)
	if len(result) != 256 {
		t.Fatalf("Expected 256 weights, got %d", len(result))
	}

	// sub-block 0: 0.001*10*q - 0.0001*5
	if !near(result[0], 0.0095) {
		t.Errorf("Weight 0: expected 0.0095, got %.6f", result[0])
	}
	for i := 1; i < 32; i++ {
		if !near(result[i], -0.0005) {
			t.Errorf("Weight %d: expected -0.0005, got %.6f", i, result[i])
		}
	}
	// sub-block 1 shares the bytes of sub-block 0 through the high nibble
	if !near(result[32], 0.0385) {
		t.Errorf("Weight 32: expected 0.0385, got %.6f", result[32])
	}
	if !near(result[33], -0.0015) {
		t.Errorf("Weight 33: expected -0.0015, got %.6f", result[33])
	}
	if !near(result[64], -0.0025) {
		t.Errorf("Weight 64: expected -0.0025, got %.6f", result[64])
	}
}

func TestQ6KDequantization(t *testing.T) {
	block := make([]byte, 210)
	for i := 0; i < 16; i++ {
		block[192+i] = byte(i + 1)
	}
	putF16(block[208:], 1)
	block[0] = 0x0F   // low bits of weight 0
	block[128] = 0x03 // high bits of weight 0

	result := DequantizeQ6K(block, 256)
	tests := []struct {
		idx  int
		want float32
	}{
		{0, 31},
		{1, -32},
		{16, -64},
		{32, -96},
		{64, -160},
		{96, -224},
		{128, -288},
		{255, -32 * 16},
	}
	for _, tt := range tests {
		if result[tt.idx] != tt.want {
			t.Errorf("Weight %d: expected %v, got %v", tt.idx, tt.want, result[tt.idx])
		}
	}
}

func TestQ3KDequantization(t *testing.T) {
	block := make([]byte, 110)
	for i := 0; i < 32; i++ {
		block[i] = 0xFF
	}
	block[0] = 0xFE
	block[32] = 0xE4 // 2-bit values 0, 1, 2, 3 from low to high
	block[64] = 0x03
	// every packed scale decodes to 33, one step above the -32 bias
	for i := 96; i < 104; i++ {
		block[i] = 0x11
	}
	for i := 104; i < 108; i++ {
		block[i] = 0xAA
	}
	putF16(block[108:], 1)

	result := DequantizeQ3K(block, 256)
	tests := []struct {
		idx  int
		want float32
	}{
		{0, -4},
		{1, 0},
		{32, 1},
		{64, 2},
		{96, 3},
		{128, 3},
	}
	for _, tt := range tests {
		if result[tt.idx] != tt.want {
			t.Errorf("Weight %d: expected %v, got %v", tt.idx, tt.want, result[tt.idx])
		}
	}
}

func TestLegacyBlockDequantization(t *testing.T) {
	q8 := make([]byte, 34)
	putF16(q8, 0.5)
	q8[2], q8[4] = 0xFD, 0x7F

	q4 := make([]byte, 18)
	putF16(q4, 2)
	q4[2] = 0xF0

	q5 := make([]byte, 22)
	putF16(q5, 1)
	binary.LittleEndian.PutUint32(q5[2:], 1)
	q5[6] = 0x03

	tests := []struct {
		name string
		typ  GGMLType
		data []byte
		idx  []int
		want []float32
	}{
		{"Q8_0", GGMLTypeQ8_0, q8, []int{0, 1, 2}, []float32{-1.5, 0, 63.5}},
		{"Q4_0", GGMLTypeQ4_0, q4, []int{0, 16, 1}, []float32{-16, 14, -16}},
		{"Q5_0", GGMLTypeQ5_0, q5, []int{0, 16, 1}, []float32{3, -16, -16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &TensorInfo{Name: "w", Dimensions: []uint64{32}, Type: tt.typ, Data: tt.data}
			got, err := info.Float32s()
			if err != nil {
				t.Fatal(err)
			}
			for i, idx := range tt.idx {
				if got[idx] != tt.want[i] {
					t.Errorf("Weight %d: expected %v, got %v", idx, tt.want[i], got[idx])
				}
			}
		})
	}
}

func TestFloat32sQuantizedErrors(t *testing.T) {
	tests := []struct {
		name string
		info TensorInfo
		want error
	}{
		{"no decoder", TensorInfo{Dimensions: []uint64{256}, Type: GGMLTypeQ2_K, Data: make([]byte, 84)}, ErrUnsupportedTensorType},
		{"partial block", TensorInfo{Dimensions: []uint64{33}, Type: GGMLTypeQ8_0, Data: make([]byte, 68)}, ErrUnsupportedTensorType},
		{"truncated", TensorInfo{Dimensions: []uint64{256}, Type: GGMLTypeQ4_K, Data: make([]byte, 100)}, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.info.Float32s(); !errors.Is(err, tt.want) {
				t.Errorf("Float32s() error = %v, want %v", err, tt.want)
			}
		})
	}
}

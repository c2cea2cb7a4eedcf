// Package gguf reads GGUF model containers: header, metadata key/values
// and tensor directory, with tensor data served from a read-only mapping.
package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"
	"golang.org/x/sys/unix"

	"github.com/23skdu/longbow-sae/internal/logger"
)

// LoadFile maps a GGUF file into memory and parses headers/metadata.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	file, err := parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Log.Debug("gguf loaded", "path", path, "version", file.Header.Version,
		"tensors", file.Header.TensorCount, "kv", file.Header.KVCount)
	return file, nil
}

// parse never reads past len(data); truncated input yields io.ErrUnexpectedEOF.
func parse(data []byte) (*GGUFFile, error) {
	file := &GGUFFile{
		Data:   data,
		KV:     make(map[string]interface{}),
		byName: make(map[string]*TensorInfo),
	}
	r := &cursor{data: data}

	file.Header.Magic = r.u32()
	if r.err == nil && file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	file.Header.Version = r.u32()
	if r.err == nil && (file.Header.Version < 2 || file.Header.Version > 3) {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	file.Header.TensorCount = r.u64()
	file.Header.KVCount = r.u64()
	if r.err != nil {
		return nil, r.err
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k := r.str()
		typ := GGUFMetadataValueType(r.u32())
		v := r.value(typ)
		if r.err != nil {
			return nil, fmt.Errorf("metadata %d: %w", i, r.err)
		}
		file.KV[k] = v
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name := r.str()
		dims := r.u32()
		if r.err == nil && dims > 8 {
			return nil, fmt.Errorf("tensor %s: %d dimensions", name, dims)
		}
		dimArr := make([]uint64, dims)
		for j := range dimArr {
			dimArr[j] = r.u64()
		}
		typ := GGMLType(r.u32())
		off := r.u64()
		if r.err != nil {
			return nil, fmt.Errorf("tensor info %d: %w", i, r.err)
		}
		t := &TensorInfo{Name: name, Dimensions: dimArr, Type: typ, Offset: off}
		file.Tensors = append(file.Tensors, t)
		file.byName[name] = t
	}

	alignment := uint64(DefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if alignment == 0 {
		return nil, fmt.Errorf("invalid general.alignment 0")
	}

	offset := r.off
	if pad := offset % alignment; pad != 0 {
		offset += alignment - pad
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		abs := offset + t.Offset
		if abs > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s offset out of bounds", t.Name)
		}
		if sz := t.SizeBytes(); sz > 0 && abs+sz > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: %w", t.Name, io.ErrUnexpectedEOF)
		}
		t.Data = data[abs:]
	}
	return file, nil
}

type cursor struct {
	data []byte
	off  uint64
	err  error
}

func (c *cursor) take(n uint64) []byte {
	if c.err != nil {
		return nil
	}
	if n > uint64(len(c.data)) || c.off > uint64(len(c.data))-n {
		c.err = io.ErrUnexpectedEOF
		return nil
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (c *cursor) str() string {
	n := c.u64()
	return string(c.take(n))
}

func (c *cursor) value(typ GGUFMetadataValueType) interface{} {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return c.u8()
	case GGUFMetadataValueTypeInt8:
		return int8(c.u8())
	case GGUFMetadataValueTypeUint16:
		return c.u16()
	case GGUFMetadataValueTypeInt16:
		return int16(c.u16())
	case GGUFMetadataValueTypeUint32:
		return c.u32()
	case GGUFMetadataValueTypeInt32:
		return int32(c.u32())
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(c.u32())
	case GGUFMetadataValueTypeBool:
		return c.u8() != 0
	case GGUFMetadataValueTypeString:
		return c.str()
	case GGUFMetadataValueTypeUint64:
		return c.u64()
	case GGUFMetadataValueTypeInt64:
		return int64(c.u64())
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(c.u64())
	case GGUFMetadataValueTypeArray:
		elemType := GGUFMetadataValueType(c.u32())
		n := c.u64()
		if c.err != nil {
			return nil
		}
		if n > uint64(len(c.data)) {
			c.err = io.ErrUnexpectedEOF
			return nil
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n && c.err == nil; i++ {
			arr = append(arr, c.value(elemType))
		}
		return arr
	default:
		if c.err == nil {
			c.err = fmt.Errorf("unsupported metadata type: %d", typ)
		}
		return nil
	}
}

func (f *GGUFFile) Close() error {
	if f.Data == nil {
		return nil
	}
	err := unix.Munmap(f.Data)
	f.Data = nil
	return err
}

func (f *GGUFFile) Tensor(name string) (*TensorInfo, error) {
	t, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return t, nil
}

// Float32s decodes a tensor to float32 in storage order.
func (f *GGUFFile) Float32s(name string) ([]float32, error) {
	t, err := f.Tensor(name)
	if err != nil {
		return nil, err
	}
	return t.Float32s()
}

func (t *TensorInfo) Float32s() ([]float32, error) {
	n := t.NumElements()
	if bf, ok := blockFormats[t.Type]; ok {
		if n%uint64(bf.elems) != 0 {
			return nil, fmt.Errorf("%w: %s has %d values, not a multiple of the %s block size %d",
				ErrUnsupportedTensorType, t.Name, n, t.Type, bf.elems)
		}
		if uint64(len(t.Data)) < t.SizeBytes() {
			return nil, fmt.Errorf("tensor %s: %w", t.Name, io.ErrUnexpectedEOF)
		}
		return dequantize(bf, t.Data, int(n)), nil
	}

	out := make([]float32, n)
	switch t.Type {
	case GGMLTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
	case GGMLTypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}
	case GGMLTypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(t.Data[2*i:])) << 16)
		}
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedTensorType, t.Name, t.Type)
	}
	return out, nil
}

func (f *GGUFFile) GetString(key string) (string, error) {
	v, ok := f.KV[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("gguf: %s is %T, not a string", key, v)
	}
	return s, nil
}

// GetUint reads an integer key of any width. The first key present wins.
func (f *GGUFFile) GetUint(keys ...string) (uint64, error) {
	for _, key := range keys {
		v, ok := f.KV[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case uint8:
			return uint64(n), nil
		case uint16:
			return uint64(n), nil
		case uint32:
			return uint64(n), nil
		case uint64:
			return n, nil
		case int8:
			return uint64(n), nil
		case int16:
			return uint64(n), nil
		case int32:
			return uint64(n), nil
		case int64:
			return uint64(n), nil
		default:
			return 0, fmt.Errorf("gguf: %s is %T, not an integer", key, v)
		}
	}
	return 0, fmt.Errorf("%w: %v", ErrKeyNotFound, keys)
}

func (f *GGUFFile) GetFloat(key string) (float64, error) {
	v, ok := f.KV[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("gguf: %s is %T, not a float", key, v)
	}
}

func (f *GGUFFile) GetStrings(key string) ([]string, error) {
	v, ok := f.KV[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("gguf: %s is %T, not an array", key, v)
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("gguf: %s[%d] is %T, not a string", key, i, e)
		}
		out[i] = s
	}
	return out, nil
}

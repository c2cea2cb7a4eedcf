package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/x448/float16"
)

// Builder assembles a small GGUF v3 file in memory. It exists for fixtures
// and synthetic models; real checkpoints come from external converters.
type Builder struct {
	kv      []kvPair
	tensors []builderTensor
}

type kvPair struct {
	key string
	val interface{}
}

type builderTensor struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

func NewBuilder() *Builder { return &Builder{} }

// SetKV records a metadata value. Supported Go types: string, uint32,
// uint64, int32, float32, bool and []string.
func (b *Builder) SetKV(key string, val interface{}) *Builder {
	b.kv = append(b.kv, kvPair{key: key, val: val})
	return b
}

// AddF32 adds a tensor with dims innermost first.
func (b *Builder) AddF32(name string, dims []uint64, vals []float32) *Builder {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	b.tensors = append(b.tensors, builderTensor{name: name, dims: dims, typ: GGMLTypeF32, data: buf})
	return b
}

func (b *Builder) AddF16(name string, dims []uint64, vals []float32) *Builder {
	buf := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
	}
	b.tensors = append(b.tensors, builderTensor{name: name, dims: dims, typ: GGMLTypeF16, data: buf})
	return b
}

// AddRaw adds a tensor with pre-encoded bytes of any type.
func (b *Builder) AddRaw(name string, dims []uint64, typ GGMLType, data []byte) *Builder {
	b.tensors = append(b.tensors, builderTensor{name: name, dims: dims, typ: typ, data: data})
	return b
}

func (b *Builder) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	w := func(v interface{}) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	ws := func(s string) {
		w(uint64(len(s)))
		buf.WriteString(s)
	}

	w(uint32(GGUFMagic))
	w(uint32(GGUFVersion))
	w(uint64(len(b.tensors)))
	w(uint64(len(b.kv)))

	kv := append([]kvPair(nil), b.kv...)
	sort.SliceStable(kv, func(i, j int) bool { return kv[i].key < kv[j].key })
	for _, p := range kv {
		ws(p.key)
		switch v := p.val.(type) {
		case string:
			w(uint32(GGUFMetadataValueTypeString))
			ws(v)
		case uint32:
			w(uint32(GGUFMetadataValueTypeUint32))
			w(v)
		case uint64:
			w(uint32(GGUFMetadataValueTypeUint64))
			w(v)
		case int32:
			w(uint32(GGUFMetadataValueTypeInt32))
			w(v)
		case float32:
			w(uint32(GGUFMetadataValueTypeFloat32))
			w(v)
		case bool:
			w(uint32(GGUFMetadataValueTypeBool))
			if v {
				w(uint8(1))
			} else {
				w(uint8(0))
			}
		case []string:
			w(uint32(GGUFMetadataValueTypeArray))
			w(uint32(GGUFMetadataValueTypeString))
			w(uint64(len(v)))
			for _, s := range v {
				ws(s)
			}
		default:
			return nil, fmt.Errorf("gguf builder: unsupported value %T for %s", p.val, p.key)
		}
	}

	offset := uint64(0)
	offsets := make([]uint64, len(b.tensors))
	for i, t := range b.tensors {
		offsets[i] = offset
		offset += uint64(len(t.data))
		if pad := offset % DefaultAlignment; pad != 0 {
			offset += DefaultAlignment - pad
		}
	}
	for i, t := range b.tensors {
		ws(t.name)
		w(uint32(len(t.dims)))
		for _, d := range t.dims {
			w(d)
		}
		w(uint32(t.typ))
		w(offsets[i])
	}

	if pad := buf.Len() % DefaultAlignment; pad != 0 {
		buf.Write(make([]byte, DefaultAlignment-pad))
	}
	start := buf.Len()
	for i, t := range b.tensors {
		if gap := start + int(offsets[i]) - buf.Len(); gap > 0 {
			buf.Write(make([]byte, gap))
		}
		buf.Write(t.data)
	}
	return buf.Bytes(), nil
}

func (b *Builder) WriteFile(path string) error {
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

package sae

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/23skdu/longbow-sae/internal/tensor"
)

// Checkpoints use the safetensors layout: an 8-byte little-endian header
// length, a JSON header naming each tensor's dtype, shape and byte range,
// then the raw little-endian tensor bytes.

var ErrBadCheckpoint = errors.New("sae: malformed checkpoint")

const metadataKey = "__metadata__"

type tensorEntry struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// Save writes the model to path, replacing any existing file atomically.
// extra is stored alongside the dimensions in the header metadata.
func (m *Model) Save(path string, extra map[string]string) error {
	meta := map[string]string{
		"d_model":       strconv.Itoa(m.Cfg.DModel),
		"d_sae":         strconv.Itoa(m.Cfg.DSAE),
		"sparsity_mode": string(m.Cfg.Mode),
		"topk":          strconv.Itoa(m.Cfg.TopK),
	}
	for k, v := range extra {
		meta[k] = v
	}

	params := m.Params()
	header := map[string]interface{}{metadataKey: meta}
	offset := 0
	for _, p := range params {
		end := offset + 4*len(p.Data)
		header[p.Name] = tensorEntry{DType: "F32", Shape: p.Shape, DataOffsets: [2]int{offset, end}}
		offset = end
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode checkpoint header: %w", err)
	}
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeSafetensors(tmp, hdr, params); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", path, err)
	}
	return nil
}

func writeSafetensors(w io.Writer, hdr []byte, params []Param) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, p := range params {
		buf := make([]byte, 4*len(p.Data))
		for i, v := range p.Data {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint is a loaded model plus its header metadata.
type Checkpoint struct {
	Model    *Model
	Metadata map[string]string
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBadCheckpoint, path, len(raw))
	}
	n := binary.LittleEndian.Uint64(raw[:8])
	if n > uint64(len(raw)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrBadCheckpoint, n)
	}
	hdrBytes := raw[8 : 8+n]
	body := raw[8+n:]

	var header map[string]json.RawMessage
	if err := json.Unmarshal(hdrBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadCheckpoint, err)
	}
	meta := map[string]string{}
	if rawMeta, ok := header[metadataKey]; ok {
		if err := json.Unmarshal(rawMeta, &meta); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrBadCheckpoint, err)
		}
	}

	cfg := Config{Mode: Mode(meta["sparsity_mode"])}
	if cfg.DModel, err = strconv.Atoi(meta["d_model"]); err != nil {
		return nil, fmt.Errorf("%w: d_model: %v", ErrBadCheckpoint, err)
	}
	if cfg.DSAE, err = strconv.Atoi(meta["d_sae"]); err != nil {
		return nil, fmt.Errorf("%w: d_sae: %v", ErrBadCheckpoint, err)
	}
	if v, ok := meta["topk"]; ok {
		if cfg.TopK, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("%w: topk: %v", ErrBadCheckpoint, err)
		}
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeReLUL1
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}

	m := &Model{Cfg: cfg}
	m.EncW = tensor.New(cfg.DSAE, cfg.DModel)
	m.EncB = make([]float32, cfg.DSAE)
	m.DecW = tensor.New(cfg.DModel, cfg.DSAE)

	for _, p := range m.Params() {
		rawEntry, ok := header[p.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing tensor %s", ErrBadCheckpoint, p.Name)
		}
		var e tensorEntry
		if err := json.Unmarshal(rawEntry, &e); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrBadCheckpoint, p.Name, err)
		}
		if e.DType != "F32" {
			return nil, fmt.Errorf("%w: tensor %s has dtype %s", ErrBadCheckpoint, p.Name, e.DType)
		}
		if !sameShape(e.Shape, p.Shape) {
			return nil, fmt.Errorf("%w: tensor %s shape %v, want %v", ErrBadCheckpoint, p.Name, e.Shape, p.Shape)
		}
		lo, hi := e.DataOffsets[0], e.DataOffsets[1]
		if lo < 0 || hi > len(body) || hi-lo != 4*len(p.Data) {
			return nil, fmt.Errorf("%w: tensor %s offsets [%d,%d)", ErrBadCheckpoint, p.Name, lo, hi)
		}
		for i := range p.Data {
			p.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[lo+4*i:]))
		}
	}
	return &Checkpoint{Model: m, Metadata: meta}, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TensorNames lists the tensors stored in a checkpoint header, sorted.
func TensorNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n > 1<<26 {
		return nil, fmt.Errorf("%w: header length %d", ErrBadCheckpoint, n)
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadCheckpoint, err)
	}
	names := make([]string, 0, len(header))
	for k := range header {
		if k != metadataKey {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names, nil
}

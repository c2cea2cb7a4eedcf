// Package store persists captured activations as a fixed-capacity
// append log: a pre-sized fp16 matrix file written through a shared
// mapping, a token id file and a JSON metadata document recording how many
// rows are valid. Readers never look past tokens_collected.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/x448/float16"
	"golang.org/x/sys/unix"

	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/tensor"
)

var (
	ErrOutOfRange = errors.New("store: row index out of range")
	ErrClosed     = errors.New("store: writer closed")
	ErrCorrupt    = errors.New("store: files do not match metadata")
)

const bytesPerValue = 2

// Meta is the metadata document written next to every store.
type Meta struct {
	Label                  string    `json:"label"`
	TokensCollected        int       `json:"tokens_collected"`
	TokensTarget           int       `json:"tokens_target"`
	DModel                 int       `json:"d_model"`
	ActsPath               string    `json:"acts_path"`
	TokensPath             string    `json:"tokens_path"`
	DType                  string    `json:"dtype"`
	ThroughputTokensPerSec float64   `json:"throughput_tokens_per_sec"`
	StorageMB              float64   `json:"storage_mb"`
	ModelName              string    `json:"model_name"`
	LayerIndex             int       `json:"layer_index"`
	ActivationStream       string    `json:"activation_stream"`
	RunID                  string    `json:"run_id,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

func ActsPath(dir, label string) string { return filepath.Join(dir, "acts_"+label+".f16") }
func TokensPath(dir, label string) string { return filepath.Join(dir, "tokens_"+label+".i32") }
func MetaPath(dir, label string) string { return filepath.Join(dir, "meta_"+label+".json") }

// Writer fills one store. It is not safe for concurrent use.
type Writer struct {
	dir    string
	label  string
	target int
	dModel int

	f      *os.File
	data   []byte
	tokens []int32
	cursor int
	closed bool
}

// Create pre-allocates the activation file for target rows of width dModel.
func Create(dir, label string, target, dModel int) (*Writer, error) {
	if target <= 0 {
		return nil, config.Invalidf("invalid tokens target for %s: %d (must be positive)", label, target)
	}
	if dModel <= 0 {
		return nil, config.Invalidf("invalid d_model: %d (must be positive)", dModel)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	path := ActsPath(dir, label)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create activation file: %w", err)
	}
	size := int64(target) * int64(dModel) * bytesPerValue
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size activation file: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return &Writer{
		dir:    dir,
		label:  label,
		target: target,
		dModel: dModel,
		f:      f,
		data:   data,
		tokens: make([]int32, 0, target),
	}, nil
}

func (w *Writer) Len() int { return w.cursor }
func (w *Writer) Target() int { return w.target }
func (w *Writer) Full() bool { return w.cursor >= w.target }

// Append writes len(tokens) rows at the cursor, truncating to the remaining
// capacity. It returns the number of rows written.
func (w *Writer) Append(rows []float32, tokens []int32) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if len(rows) != len(tokens)*w.dModel {
		return 0, fmt.Errorf("store: %d values for %d tokens at d_model %d", len(rows), len(tokens), w.dModel)
	}
	n := len(tokens)
	if room := w.target - w.cursor; n > room {
		n = room
	}
	if n == 0 {
		return 0, nil
	}
	off := w.cursor * w.dModel * bytesPerValue
	for i, v := range rows[:n*w.dModel] {
		binary.LittleEndian.PutUint16(w.data[off+i*bytesPerValue:], float16.Fromfloat32(v).Bits())
	}
	w.tokens = append(w.tokens, tokens[:n]...)
	w.cursor += n
	return n, nil
}

// Close flushes the activation file and writes the token and metadata
// files. Label, counts, dims, paths, dtype and storage size in meta are
// overwritten from the writer's state; the caller supplies the rest.
func (w *Writer) Close(meta Meta) (*Meta, error) {
	if w.closed {
		return nil, ErrClosed
	}
	w.closed = true

	if err := unix.Msync(w.data, unix.MS_SYNC); err != nil {
		unix.Munmap(w.data)
		w.f.Close()
		return nil, fmt.Errorf("msync activations: %w", err)
	}
	if err := unix.Munmap(w.data); err != nil {
		w.f.Close()
		return nil, fmt.Errorf("munmap activations: %w", err)
	}
	w.data = nil
	if err := w.f.Close(); err != nil {
		return nil, fmt.Errorf("close activations: %w", err)
	}

	tokPath := TokensPath(w.dir, w.label)
	buf := make([]byte, 4*len(w.tokens))
	for i, t := range w.tokens {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(t))
	}
	if err := os.WriteFile(tokPath, buf, 0o644); err != nil {
		return nil, fmt.Errorf("write tokens: %w", err)
	}

	meta.Label = w.label
	meta.TokensCollected = w.cursor
	meta.TokensTarget = w.target
	meta.DModel = w.dModel
	meta.ActsPath = ActsPath(w.dir, w.label)
	meta.TokensPath = tokPath
	meta.DType = "float16"
	meta.StorageMB = float64(w.cursor*w.dModel*bytesPerValue) / (1024 * 1024)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if err := WriteMeta(MetaPath(w.dir, w.label), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func WriteMeta(path string, meta interface{}) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func ReadMeta(path string) (*Meta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return &m, nil
}

// Reader is a read-only view of a closed store.
type Reader struct {
	meta   Meta
	data   []byte
	tokens []int32
}

// OpenLabel opens the store for label under dir.
func OpenLabel(dir, label string) (*Reader, error) {
	return Open(MetaPath(dir, label))
}

// Open maps the activation file described by the metadata at metaPath.
func Open(metaPath string) (*Reader, error) {
	meta, err := ReadMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if meta.TokensCollected < 0 || meta.TokensCollected > meta.TokensTarget || meta.DModel <= 0 {
		return nil, fmt.Errorf("%w: collected=%d target=%d d_model=%d",
			ErrCorrupt, meta.TokensCollected, meta.TokensTarget, meta.DModel)
	}

	raw, err := os.ReadFile(meta.TokensPath)
	if err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	if len(raw) != 4*meta.TokensCollected {
		return nil, fmt.Errorf("%w: token file has %d bytes, want %d", ErrCorrupt, len(raw), 4*meta.TokensCollected)
	}
	tokens := make([]int32, meta.TokensCollected)
	for i := range tokens {
		tokens[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}

	r := &Reader{meta: *meta, tokens: tokens}
	need := meta.TokensCollected * meta.DModel * bytesPerValue
	if need == 0 {
		return r, nil
	}
	f, err := os.Open(meta.ActsPath)
	if err != nil {
		return nil, fmt.Errorf("open activations: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(need) {
		return nil, fmt.Errorf("%w: activation file has %d bytes, need %d", ErrCorrupt, info.Size(), need)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, need, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	r.data = data
	return r, nil
}

func (r *Reader) Meta() Meta { return r.meta }
func (r *Reader) Len() int { return r.meta.TokensCollected }
func (r *Reader) DModel() int { return r.meta.DModel }
func (r *Reader) Tokens() []int32 { return r.tokens }
func (r *Reader) Token(i int) int32 { return r.tokens[i] }

// Row decodes row i into dst, which must hold DModel values.
func (r *Reader) Row(i int, dst []float32) error {
	if i < 0 || i >= r.Len() {
		return fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, i, r.Len())
	}
	d := r.meta.DModel
	off := i * d * bytesPerValue
	for j := 0; j < d; j++ {
		dst[j] = float16.Frombits(binary.LittleEndian.Uint16(r.data[off+j*bytesPerValue:])).Float32()
	}
	return nil
}

// Rows decodes rows [lo, hi) into a new matrix.
func (r *Reader) Rows(lo, hi int) (*tensor.Matrix, error) {
	if lo < 0 || hi > r.Len() || lo > hi {
		return nil, fmt.Errorf("%w: [%d, %d) (len %d)", ErrOutOfRange, lo, hi, r.Len())
	}
	m := tensor.New(hi-lo, r.meta.DModel)
	for i := lo; i < hi; i++ {
		if err := r.Row(i, m.Row(i-lo)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Matrix decodes every valid row.
func (r *Reader) Matrix() *tensor.Matrix {
	m, _ := r.Rows(0, r.Len())
	return m
}

func (r *Reader) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

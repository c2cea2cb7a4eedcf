package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-sae/internal/config"
)

// fill appends n rows whose values encode (row, col) exactly in fp16.
func fill(t *testing.T, w *Writer, start, n, dModel int) int {
	t.Helper()
	rows := make([]float32, n*dModel)
	toks := make([]int32, n)
	for i := 0; i < n; i++ {
		toks[i] = int32(start + i)
		for j := 0; j < dModel; j++ {
			rows[i*dModel+j] = float32(start+i) + float32(j)/4
		}
	}
	written, err := w.Append(rows, toks)
	require.NoError(t, err)
	return written
}

func TestPartialCollection(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "A", 100, 4)
	require.NoError(t, err)

	assert.Equal(t, 60, fill(t, w, 0, 60, 4))
	assert.False(t, w.Full())

	meta, err := w.Close(Meta{ModelName: "tiny", LayerIndex: 2, ActivationStream: "mlp_output"})
	require.NoError(t, err)
	assert.Equal(t, 60, meta.TokensCollected)
	assert.Equal(t, 100, meta.TokensTarget)
	assert.Equal(t, "float16", meta.DType)
	assert.InDelta(t, float64(60*4*2)/(1024*1024), meta.StorageMB, 1e-12, "storage counts collected rows, not capacity")

	info, err := os.Stat(TokensPath(dir, "A"))
	require.NoError(t, err)
	assert.Equal(t, int64(60*4), info.Size(), "token file holds exactly the collected ids")

	r, err := OpenLabel(dir, "A")
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 60, r.Len())
	assert.Equal(t, "tiny", r.Meta().ModelName)

	row := make([]float32, 4)
	require.NoError(t, r.Row(59, row))
	assert.Equal(t, []float32{59, 59.25, 59.5, 59.75}, row)
	assert.Equal(t, int32(59), r.Token(59))

	assert.ErrorIs(t, r.Row(60, row), ErrOutOfRange)
	_, err = r.Rows(50, 61)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestAppendTruncatesAtCapacity(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "B", 10, 2)
	require.NoError(t, err)

	assert.Equal(t, 8, fill(t, w, 0, 8, 2))
	assert.Equal(t, 2, fill(t, w, 8, 8, 2))
	assert.True(t, w.Full())
	assert.Equal(t, 0, fill(t, w, 16, 3, 2))

	meta, err := w.Close(Meta{})
	require.NoError(t, err)
	assert.Equal(t, 10, meta.TokensCollected)

	_, err = w.Append(nil, nil)
	assert.ErrorIs(t, err, ErrClosed)

	r, err := Open(MetaPath(dir, "B"))
	require.NoError(t, err)
	defer r.Close()
	m := r.Matrix()
	assert.Equal(t, 10, m.Rows)
	assert.Equal(t, float32(9.25), m.Row(9)[1])
}

func TestAppendRejectsRaggedInput(t *testing.T) {
	w, err := Create(t.TempDir(), "A", 4, 3)
	require.NoError(t, err)
	_, err = w.Append(make([]float32, 5), []int32{1, 2})
	assert.Error(t, err)
	_, err = w.Close(Meta{})
	require.NoError(t, err)
}

func TestCreateValidates(t *testing.T) {
	_, err := Create(t.TempDir(), "A", 0, 4)
	assert.True(t, config.IsConfigError(err))
	_, err = Create(t.TempDir(), "A", 4, 0)
	assert.True(t, config.IsConfigError(err))
}

func TestEmptyStoreOpens(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "A", 5, 2)
	require.NoError(t, err)
	_, err = w.Close(Meta{})
	require.NoError(t, err)

	r, err := OpenLabel(dir, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Matrix().Rows)
	assert.NoError(t, r.Close())
}

func TestOpenDetectsTokenMismatch(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "A", 5, 2)
	require.NoError(t, err)
	fill(t, w, 0, 3, 2)
	_, err = w.Close(Meta{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(TokensPath(dir, "A"), make([]byte, 8), 0o644))
	_, err = OpenLabel(dir, "A")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestExportArrow(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "A", 10, 3)
	require.NoError(t, err)
	fill(t, w, 0, 7, 3)
	_, err = w.Close(Meta{LayerIndex: 1})
	require.NoError(t, err)

	r, err := OpenLabel(dir, "A")
	require.NoError(t, err)
	defer r.Close()

	path := filepath.Join(dir, "A.arrow")
	require.NoError(t, ExportArrow(r, path, 3))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	fr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	require.NoError(t, err)
	defer fr.Close()

	assert.Equal(t, 3, fr.NumRecords())
	total := 0
	var lastToken int32
	var lastValue float32
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		require.NoError(t, err)
		n := int(rec.NumRows())
		total += n
		toks := rec.Column(0).(*array.Int32)
		vals := rec.Column(1).(*array.FixedSizeList).ListValues().(*array.Float32)
		lastToken = toks.Value(n - 1)
		lastValue = vals.Value(vals.Len() - 1)
	}
	assert.Equal(t, 7, total)
	assert.Equal(t, int32(6), lastToken)
	assert.Equal(t, float32(6.5), lastValue)
}

func TestExportArrowCreatesMissingDirs(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "A", 100, 4)
	require.NoError(t, err)
	fill(t, w, 0, 60, 4)
	_, err = w.Close(Meta{})
	require.NoError(t, err)

	r, err := OpenLabel(dir, "A")
	require.NoError(t, err)
	defer r.Close()

	path := filepath.Join(dir, "outputs", "arrow", "acts_A.arrow")
	require.NoError(t, ExportArrow(r, path, 0))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	fr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	require.NoError(t, err)
	defer fr.Close()
	rows := 0
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		require.NoError(t, err)
		rows += int(rec.NumRows())
	}
	assert.Equal(t, 60, rows)
}

package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DefaultChunkRows is the record batch size used by ExportArrow and the
// Flight server.
const DefaultChunkRows = 4096

// Schema describes a store as Arrow columns: one row per token.
func Schema(meta Meta) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{"label", "model_name", "layer_index", "activation_stream"},
		[]string{meta.Label, meta.ModelName, fmt.Sprint(meta.LayerIndex), meta.ActivationStream},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "token_id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "activation", Type: arrow.FixedSizeListOf(int32(meta.DModel), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// Record builds a record batch for rows [lo, hi). The caller releases it.
func (r *Reader) Record(mem memory.Allocator, schema *arrow.Schema, lo, hi int) (arrow.Record, error) {
	rows, err := r.Rows(lo, hi)
	if err != nil {
		return nil, err
	}
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	b.Field(0).(*array.Int32Builder).AppendValues(r.tokens[lo:hi], nil)
	lb := b.Field(1).(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder().(*array.Float32Builder)
	vb.Reserve(len(rows.Data))
	for i := 0; i < rows.Rows; i++ {
		lb.Append(true)
		vb.AppendValues(rows.Row(i), nil)
	}
	return b.NewRecord(), nil
}

// ExportArrow writes every valid row to an Arrow IPC file at path.
func ExportArrow(r *Reader, path string, chunkRows int) error {
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create arrow dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create arrow file: %w", err)
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	schema := Schema(r.Meta())
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("arrow writer: %w", err)
	}
	for lo := 0; lo < r.Len(); lo += chunkRows {
		hi := lo + chunkRows
		if hi > r.Len() {
			hi = r.Len()
		}
		rec, err := r.Record(mem, schema, lo, hi)
		if err != nil {
			w.Close()
			return err
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			w.Close()
			return fmt.Errorf("write record batch: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close arrow writer: %w", err)
	}
	return f.Close()
}

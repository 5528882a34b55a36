package sink

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/replayflow/replayflow/pkg/errors"
	"github.com/replayflow/replayflow/pkg/schema"
	"github.com/replayflow/replayflow/pkg/widerow"
)

// Result summarizes one finalized artifact.
type Result struct {
	Path  string
	Rows  int64
	Bytes int64
}

// WideWriter streams wide rows into <stem>_game_state.parquet. Rows may
// be narrower than the schema: columns they lack are back-filled with
// missing markers (count columns with zero), which is how buffered
// single-pass rows become rectangular against the final grown schema. A
// row carrying a column outside the schema is a desync and aborts the
// match.
type WideWriter struct {
	cfg      Config
	path     string
	tempPath string
	cols     []schema.Column

	mu      sync.Mutex
	file    *os.File
	writer  *pqarrow.FileWriter
	builder *array.RecordBuilder

	rowsBuffered int
	rowsWritten  int64
}

// NewWideWriter opens the wide table for one replay against a closed
// schema.
func NewWideWriter(cfg Config, replayPath string, s *schema.Schema, meta Meta) (*WideWriter, error) {
	path := cfg.WideTablePath(replayPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "creating output directory")
	}

	fields := make([]arrow.Field, s.Len())
	for i, c := range s.Columns() {
		fields[i] = arrowField(c)
	}
	footer := footerMetadata(meta, s.Len())
	arrowSchema := arrow.NewSchema(fields, &footer)

	tempPath := path + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	file, err := os.Create(tempPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "creating temp file")
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(codec(cfg.Compression)),
		parquet.WithDictionaryDefault(true),
		parquet.WithCreatedBy(GeneratedBy),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)

	writer, err := pqarrow.NewFileWriter(arrowSchema, file, writerProps, arrowProps)
	if err != nil {
		file.Close()
		os.Remove(tempPath)
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "creating parquet writer")
	}

	builder := array.NewRecordBuilder(memory.NewGoAllocator(), arrowSchema)
	for _, fb := range builder.Fields() {
		fb.Reserve(cfg.batchSize())
	}

	return &WideWriter{
		cfg:      cfg,
		path:     path,
		tempPath: tempPath,
		cols:     s.Columns(),
		file:     file,
		writer:   writer,
		builder:  builder,
	}, nil
}

// Append adds one row in schema order.
func (w *WideWriter) Append(row widerow.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return errors.New(errors.CodeRowAppend, "wide writer not open")
	}

	hits := 0
	for i, c := range w.cols {
		v, ok := row[c.Name]
		if !ok {
			v = backfill(c)
		} else {
			hits++
			if v.Type != c.Type {
				return errors.SchemaDesync(rowTick(row), fmt.Sprintf("column %s is %s, row holds %s", c.Name, c.Type, v.Type))
			}
		}
		appendValue(w.builder.Field(i), c.Type, v)
	}
	if hits != len(row) {
		return errors.SchemaDesync(rowTick(row), "row carries columns outside the schema")
	}

	w.rowsBuffered++
	if w.rowsBuffered >= w.cfg.batchSize() {
		return w.flush()
	}
	return nil
}

// flush writes the buffered rows as one record batch. Callers hold mu.
func (w *WideWriter) flush() error {
	if w.rowsBuffered == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	if err := w.writer.Write(rec); err != nil {
		return errors.Wrap(err, errors.CodeRowAppend, "writing record batch")
	}
	w.rowsWritten += int64(w.rowsBuffered)
	w.rowsBuffered = 0
	return nil
}

// Close flushes, finalizes the parquet footer and renames the temp file
// into place.
func (w *WideWriter) Close() (*Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return nil, errors.New(errors.CodeSinkFinalize, "wide writer not open")
	}
	if err := w.flush(); err != nil {
		return nil, err
	}
	if err := w.writer.Close(); err != nil {
		os.Remove(w.tempPath)
		w.writer = nil
		return nil, errors.Wrap(err, errors.CodeSinkFinalize, "closing parquet writer")
	}
	w.writer = nil
	w.file = nil
	w.builder.Release()

	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return nil, errors.Wrap(err, errors.CodeSinkFinalize, "renaming temp file")
	}

	res := &Result{Path: w.path, Rows: w.rowsWritten}
	if info, err := os.Stat(w.path); err == nil {
		res.Bytes = info.Size()
	}
	return res, nil
}

// Abort discards the temp file. Safe to call after a failed Close.
func (w *WideWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		w.writer.Close()
		w.writer = nil
		w.builder.Release()
	}
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if w.tempPath != "" {
		os.Remove(w.tempPath)
	}
	return nil
}

// RowsWritten returns the number of rows flushed so far.
func (w *WideWriter) RowsWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowsWritten + int64(w.rowsBuffered)
}

// backfill is the value for a schema column the row does not carry.
func backfill(c schema.Column) widerow.Value {
	if c.Kind == schema.KindCount {
		return widerow.Int64(0)
	}
	return widerow.Missing(c.Type)
}

func rowTick(row widerow.Row) int64 {
	if v, ok := row[schema.ColGameLoop]; ok {
		return v.Int
	}
	return -1
}

func appendValue(b array.Builder, t schema.Type, v widerow.Value) {
	switch t {
	case schema.TypeInt64:
		fb := b.(*array.Int64Builder)
		if v.Null {
			fb.AppendNull()
		} else {
			fb.Append(v.Int)
		}
	case schema.TypeFloat64:
		fb := b.(*array.Float64Builder)
		if v.Null {
			fb.Append(math.NaN())
		} else {
			fb.Append(v.Float)
		}
	case schema.TypeString:
		fb := b.(*array.StringBuilder)
		if v.Null {
			fb.AppendNull()
		} else {
			fb.Append(v.Str)
		}
	case schema.TypeBool:
		b.(*array.BooleanBuilder).Append(v.Bool)
	}
}

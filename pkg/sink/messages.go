package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/errors"
)

// messagesSchema is the chat table layout.
func messagesSchema(meta Meta) *arrow.Schema {
	footer := footerMetadata(meta, 3)
	return arrow.NewSchema([]arrow.Field{
		{Name: "game_loop", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "player_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "message", Type: arrow.BinaryTypes.String, Nullable: false},
	}, &footer)
}

// MessagesWriter writes the chat table for one replay.
type MessagesWriter struct {
	cfg      Config
	path     string
	tempPath string

	mu     sync.Mutex
	file   *os.File
	writer *pqarrow.FileWriter
	schema *arrow.Schema

	loopBuilder *array.Int64Builder
	sideBuilder *array.Int64Builder
	textBuilder *array.StringBuilder

	rowsBuffered int
	rowsWritten  int64
}

// NewMessagesWriter opens the chat table for one replay.
func NewMessagesWriter(cfg Config, replayPath string, meta Meta) (*MessagesWriter, error) {
	path := cfg.MessagesPath(replayPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "creating output directory")
	}

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

	arrowSchema := messagesSchema(meta)
	writer, err := pqarrow.NewFileWriter(arrowSchema, file, writerProps, arrowProps)
	if err != nil {
		file.Close()
		os.Remove(tempPath)
		return nil, errors.Wrap(err, errors.CodeSinkOpen, "creating parquet writer")
	}

	alloc := memory.NewGoAllocator()
	return &MessagesWriter{
		cfg:         cfg,
		path:        path,
		tempPath:    tempPath,
		file:        file,
		writer:      writer,
		schema:      arrowSchema,
		loopBuilder: array.NewInt64Builder(alloc),
		sideBuilder: array.NewInt64Builder(alloc),
		textBuilder: array.NewStringBuilder(alloc),
	}, nil
}

// Append adds one chat line.
func (w *MessagesWriter) Append(msg model.ChatMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return errors.New(errors.CodeRowAppend, "messages writer not open")
	}

	w.loopBuilder.Append(msg.Tick)
	w.sideBuilder.Append(int64(msg.Side))
	w.textBuilder.Append(msg.Text)
	w.rowsBuffered++

	if w.rowsBuffered >= w.cfg.batchSize() {
		return w.flush()
	}
	return nil
}

func (w *MessagesWriter) flush() error {
	if w.rowsBuffered == 0 {
		return nil
	}

	loopArray := w.loopBuilder.NewArray()
	sideArray := w.sideBuilder.NewArray()
	textArray := w.textBuilder.NewArray()
	defer loopArray.Release()
	defer sideArray.Release()
	defer textArray.Release()

	batch := array.NewRecord(w.schema, []arrow.Array{loopArray, sideArray, textArray}, int64(w.rowsBuffered))
	defer batch.Release()

	if err := w.writer.Write(batch); err != nil {
		return errors.Wrap(err, errors.CodeRowAppend, "writing message batch")
	}
	w.rowsWritten += int64(w.rowsBuffered)
	w.rowsBuffered = 0
	return nil
}

// Close flushes and renames the temp file into place. The chat table is
// written even when empty, so downstream readers never have to probe.
func (w *MessagesWriter) Close() (*Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return nil, errors.New(errors.CodeSinkFinalize, "messages writer not open")
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
	w.loopBuilder.Release()
	w.sideBuilder.Release()
	w.textBuilder.Release()

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

// Abort discards the temp file.
func (w *MessagesWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		w.writer.Close()
		w.writer = nil
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

package sink

import (
	"context"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/replayflow/replayflow/pkg/errors"
	"github.com/replayflow/replayflow/pkg/schema"
	"github.com/replayflow/replayflow/pkg/widerow"
)

// Table is an in-memory readback of one parquet artifact, used by
// round-trip tests and structural verification. Cells reuse the row
// Value representation so missing markers compare directly.
type Table struct {
	Columns []string
	Meta    map[string]string
	Rows    []map[string]widerow.Value
}

// ReadParquet loads a whole artifact. Only the four wide-table cell
// types are supported; anything else fails.
func ReadParquet(ctx context.Context, path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeVerifyFailed, "opening artifact")
	}
	defer f.Close()

	pqReader, err := file.NewParquetReader(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeVerifyFailed, "reading parquet footer")
	}
	defer pqReader.Close()

	arrowReader, err := pqarrow.NewFileReader(pqReader, pqarrow.ArrowReadProperties{
		BatchSize: 8192,
	}, memory.DefaultAllocator)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeVerifyFailed, "creating arrow reader")
	}

	arrowSchema, err := arrowReader.Schema()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeVerifyFailed, "reading schema")
	}

	tbl := &Table{Meta: make(map[string]string)}
	md := arrowSchema.Metadata()
	for i, key := range md.Keys() {
		tbl.Meta[key] = md.Values()[i]
	}
	for _, field := range arrowSchema.Fields() {
		tbl.Columns = append(tbl.Columns, field.Name)
	}

	data, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeVerifyFailed, "reading table")
	}
	defer data.Release()

	tbl.Rows = make([]map[string]widerow.Value, data.NumRows())
	for i := range tbl.Rows {
		tbl.Rows[i] = make(map[string]widerow.Value, len(tbl.Columns))
	}

	for col := 0; col < int(data.NumCols()); col++ {
		name := tbl.Columns[col]
		rowIdx := 0
		for _, chunk := range data.Column(col).Data().Chunks() {
			if err := readChunk(tbl.Rows, name, chunk, &rowIdx); err != nil {
				return nil, err
			}
		}
	}
	return tbl, nil
}

func readChunk(rows []map[string]widerow.Value, name string, chunk arrow.Array, rowIdx *int) error {
	switch arr := chunk.(type) {
	case *array.Int64:
		for j := 0; j < arr.Len(); j++ {
			if arr.IsNull(j) {
				rows[*rowIdx][name] = widerow.Missing(schema.TypeInt64)
			} else {
				rows[*rowIdx][name] = widerow.Int64(arr.Value(j))
			}
			*rowIdx++
		}
	case *array.Float64:
		for j := 0; j < arr.Len(); j++ {
			if arr.IsNull(j) {
				rows[*rowIdx][name] = widerow.Missing(schema.TypeFloat64)
			} else {
				rows[*rowIdx][name] = widerow.Float64(arr.Value(j))
			}
			*rowIdx++
		}
	case *array.String:
		for j := 0; j < arr.Len(); j++ {
			if arr.IsNull(j) {
				rows[*rowIdx][name] = widerow.Missing(schema.TypeString)
			} else {
				rows[*rowIdx][name] = widerow.Str(arr.Value(j))
			}
			*rowIdx++
		}
	case *array.Boolean:
		for j := 0; j < arr.Len(); j++ {
			rows[*rowIdx][name] = widerow.Bool(arr.Value(j))
			*rowIdx++
		}
	default:
		return errors.New(errors.CodeVerifyFailed, "unsupported column type").
			WithContext("column", name)
	}
	return nil
}

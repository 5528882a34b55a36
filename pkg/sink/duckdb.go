package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/replayflow/replayflow/pkg/errors"
)

// VerifyResult is the outcome of checking one wide table against its
// schema document.
type VerifyResult struct {
	Path    string
	Rows    int64
	Columns int
	Issues  []string
}

// Passed reports whether no structural issue was found.
func (r *VerifyResult) Passed() bool {
	return len(r.Issues) == 0
}

// VerifyWideTable cross-checks a wide artifact against its schema
// document using DuckDB: column list equality, base-column nullness,
// and game_loop uniqueness. Query failures return an error; structural
// findings land in Issues.
func VerifyWideTable(ctx context.Context, path string, doc *SchemaDoc) (*VerifyResult, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDuckDBQuery, "opening duckdb")
	}
	defer db.Close()

	res := &VerifyResult{Path: path}
	quoted := "'" + strings.ReplaceAll(path, "'", "''") + "'"

	names, err := describeColumns(ctx, db, quoted)
	if err != nil {
		return nil, err
	}
	res.Columns = len(names)

	if len(names) != len(doc.Columns) {
		res.Issues = append(res.Issues,
			fmt.Sprintf("column count %d, schema document has %d", len(names), len(doc.Columns)))
	}
	for i := 0; i < len(names) && i < len(doc.Columns); i++ {
		if names[i] != doc.Columns[i].Name {
			res.Issues = append(res.Issues,
				fmt.Sprintf("column %d is %q, schema document has %q", i, names[i], doc.Columns[i].Name))
			break
		}
	}

	var total, loopNonNull, tsNonNull, loopDistinct int64
	q := fmt.Sprintf(
		"SELECT count(*), count(game_loop), count(timestamp_seconds), count(DISTINCT game_loop) FROM read_parquet(%s)",
		quoted)
	if err := db.QueryRowContext(ctx, q).Scan(&total, &loopNonNull, &tsNonNull, &loopDistinct); err != nil {
		return nil, errors.Wrap(err, errors.CodeDuckDBQuery, "counting rows")
	}
	res.Rows = total

	if loopNonNull != total {
		res.Issues = append(res.Issues,
			fmt.Sprintf("game_loop has %d nulls", total-loopNonNull))
	}
	if tsNonNull != total {
		res.Issues = append(res.Issues,
			fmt.Sprintf("timestamp_seconds has %d nulls", total-tsNonNull))
	}
	if loopDistinct != total {
		res.Issues = append(res.Issues,
			fmt.Sprintf("%d duplicate game_loop values", total-loopDistinct))
	}

	return res, nil
}

// Query runs one SQL statement against an in-memory DuckDB and returns
// column names plus stringified rows. Artifacts are addressed in the
// SQL itself, either via read_parquet or a quoted glob path.
func Query(ctx context.Context, query string) ([]string, [][]string, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeDuckDBQuery, "opening duckdb")
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeDuckDBQuery, "running query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeDuckDBQuery, "reading column names")
	}

	var out [][]string
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, errors.Wrap(err, errors.CodeDuckDBQuery, "scanning row")
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = renderValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeDuckDBQuery, "iterating rows")
	}
	return cols, out, nil
}

func renderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func describeColumns(ctx context.Context, db *sql.DB, quoted string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("DESCRIBE SELECT * FROM read_parquet(%s)", quoted))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDuckDBQuery, "describing wide table")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name, typ string
		var null, key, def, extra sql.NullString
		if err := rows.Scan(&name, &typ, &null, &key, &def, &extra); err != nil {
			return nil, errors.Wrap(err, errors.CodeDuckDBQuery, "scanning describe row")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDuckDBQuery, "iterating describe rows")
	}
	return names, nil
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/replayflow/replayflow/pkg/config"
	"github.com/replayflow/replayflow/pkg/sink"
	"github.com/replayflow/replayflow/pkg/tui"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [dir]",
	Short: "Check wide tables against their schema documents",
	Long: `Cross-check every wide table in a dataset directory against its schema
document using DuckDB: column list, base-column nullness, and game_loop
uniqueness. Defaults to the configured output directory.

Examples:
  replayflow verify
  replayflow verify out/`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

var queryCmd = &cobra.Command{
	Use:   "query [sql]",
	Short: "Run ad-hoc SQL over dataset artifacts with DuckDB",
	Long: `Execute one SQL statement against the dataset with an in-memory DuckDB.
Artifacts are addressed directly in the SQL, by path or glob.

Examples:
  replayflow query "SELECT count(*) FROM 'out/*_game_state.parquet'"
  replayflow query "SELECT game_loop, p1_minerals FROM 'out/match_game_state.parquet' LIMIT 10"`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

var schemaCmd = &cobra.Command{
	Use:   "schema [replay or schema document]",
	Short: "Display the column schema of an extracted match",
	Long: `Print the ordered column list of a match's schema document: name, type,
kind, and missing marker per column. Accepts either a schema JSON path
or a replay name, which is resolved against the output directory.

Examples:
  replayflow schema out/match_schema.json
  replayflow schema match.SC2Replay -o out/`,
	Args: cobra.ExactArgs(1),
	RunE: runSchema,
}

func init() {
	schemaCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory the artifacts live in")
}

func runVerify(cmd *cobra.Command, args []string) error {
	dir := config.Global().Get().Extract.Output
	if len(args) > 0 {
		dir = args[0]
	}

	docs, err := filepath.Glob(filepath.Join(dir, "*_schema.json"))
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no schema documents under %s", dir)
	}

	ctx, cancel := signalContext()
	defer cancel()

	failed := 0
	for _, docPath := range docs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		doc, err := sink.ReadSchemaDoc(docPath)
		if err != nil {
			failed++
			tui.PrintFailure(docPath, err)
			continue
		}

		widePath := strings.TrimSuffix(docPath, "_schema.json") + "_game_state.parquet"
		res, err := sink.VerifyWideTable(ctx, widePath, doc)
		if err != nil {
			failed++
			tui.PrintFailure(widePath, err)
			continue
		}
		if res.Passed() {
			tui.PrintSuccess(filepath.Base(widePath),
				fmt.Sprintf("%s rows, %d columns", tui.FormatNumber(res.Rows), res.Columns))
			continue
		}
		failed++
		tui.PrintFailure(filepath.Base(widePath), fmt.Errorf("%d issues", len(res.Issues)))
		for _, issue := range res.Issues {
			fmt.Printf("      %s\n", issue)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d artifacts failed verification", failed, len(docs))
	}
	fmt.Printf("\nverified %d artifacts\n", len(docs))
	return nil
}

func runSchema(cmd *cobra.Command, args []string) error {
	path := args[0]
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		s, err := resolveSettings(cmd)
		if err != nil {
			return err
		}
		path = s.sinkConfig().SchemaDocPath(path)
	}

	doc, err := sink.ReadSchemaDoc(path)
	if err != nil {
		return err
	}

	fmt.Printf("Schema for %s:\n", doc.Replay)
	fmt.Printf("  %s mode, stride %d, %.1f ticks/s, %d columns\n\n",
		doc.Mode, doc.Stride, doc.TicksPerSecond, len(doc.Columns))

	fmt.Printf("%-44s %-8s %-10s %-8s %s\n", "Column", "Type", "Kind", "Missing", "Description")
	fmt.Printf("%-44s %-8s %-10s %-8s %s\n",
		strings.Repeat("-", 44), strings.Repeat("-", 8), strings.Repeat("-", 10),
		strings.Repeat("-", 8), strings.Repeat("-", 20))
	for _, c := range doc.Columns {
		fmt.Printf("%-44s %-8s %-10s %-8s %s\n", c.Name, c.Type, c.Kind, c.MissingValue, c.Description)
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cols, rows, err := sink.Query(ctx, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	seps := make([]string, len(cols))
	for i, c := range cols {
		seps[i] = strings.Repeat("-", len(c))
	}
	fmt.Fprintln(w, strings.Join(seps, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%s rows\n", tui.FormatNumber(int64(len(rows))))
	return nil
}

// Package report renders a batch run summary as an Excel workbook so a
// run can be reviewed without querying the Parquet artifacts. The
// workbook carries an overview sheet and one row per match with status,
// row and tick counts, duration and the failure message if any.
package report

import (
	"fmt"
	"os"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/replayflow/replayflow/pkg/batch"
	"github.com/replayflow/replayflow/pkg/tui"
)

const (
	overviewSheet = "Overview"
	matchesSheet  = "Matches"
)

// Write renders the summary to an xlsx workbook at path. The file is
// written to a temp name and renamed into place, matching the write
// discipline of the dataset artifacts.
func Write(path string, sum *batch.Summary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := buildOverview(f, sum); err != nil {
		return fmt.Errorf("report overview: %w", err)
	}
	if err := buildMatches(f, sum); err != nil {
		return fmt.Errorf("report matches: %w", err)
	}

	// The workbook opens on the overview.
	idx, err := f.GetSheetIndex(overviewSheet)
	if err != nil {
		return err
	}
	f.SetActiveSheet(idx)

	tempPath := path + ".tmp"
	if err := f.SaveAs(tempPath); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("finalize report: %w", err)
	}
	return nil
}

func buildOverview(f *excelize.File, sum *batch.Summary) error {
	// Rename the default sheet instead of leaving an empty Sheet1 behind.
	if err := f.SetSheetName(f.GetSheetName(0), overviewSheet); err != nil {
		return err
	}

	rows := [][]interface{}{
		{"Run ID", sum.RunID},
		{"Generated", time.Now().UTC().Format(time.RFC3339)},
		{"Replays", sum.Attempted() + len(sum.Skipped)},
		{"Successful", len(sum.Successful)},
		{"Failed", len(sum.Failed)},
		{"Skipped", len(sum.Skipped)},
		{"Rows written", sum.RowsWritten},
		{"Total duration", tui.FormatDuration(sum.TotalDuration)},
		{"Average per match", tui.FormatDuration(sum.AverageDuration)},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(overviewSheet, cell, &row); err != nil {
			return err
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(overviewSheet, "A1", fmt.Sprintf("A%d", len(rows)), bold); err != nil {
		return err
	}
	return f.SetColWidth(overviewSheet, "A", "A", 20)
}

func buildMatches(f *excelize.File, sum *batch.Summary) error {
	if _, err := f.NewSheet(matchesSheet); err != nil {
		return err
	}

	header := []interface{}{"Replay", "Status", "Rows", "Ticks", "Warnings", "Duration", "Error"}
	if err := f.SetSheetRow(matchesSheet, "A1", &header); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(matchesSheet, "A1", "G1", bold); err != nil {
		return err
	}

	rowNum := 1
	for _, res := range sum.Matches {
		rowNum++
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		row := []interface{}{
			res.Replay,
			string(res.State),
			res.Rows,
			res.Ticks,
			res.WarningCount,
			tui.FormatDuration(res.Duration),
			errText,
		}
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(matchesSheet, cell, &row); err != nil {
			return err
		}
	}
	for _, replay := range sum.Skipped {
		rowNum++
		row := []interface{}{replay, "skipped", "", "", "", "", ""}
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(matchesSheet, cell, &row); err != nil {
			return err
		}
	}

	if err := f.SetColWidth(matchesSheet, "A", "A", 36); err != nil {
		return err
	}
	return f.SetColWidth(matchesSheet, "G", "G", 60)
}

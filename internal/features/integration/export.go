package integration

import (
	"strings"

	"github.com/xuri/excelize/v2"
)

const exportLimit = 1000

var exportColumns = []string{
	"Run ID", "Type", "Started", "Finished", "Duration (ms)", "Success", "Cancelled",
	"Processed", "Succeeded", "Failed", "Skipped", "Conflicts", "Errors",
}

// exportResults renders one row per run, newest first.
func exportResults(cfg *IntegrationConfig, results []SyncResult) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Sync Runs"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})

	title, _ := excelize.CoordinatesToCellName(1, 1)
	f.SetCellValue(sheetName, title, cfg.Name+" ("+string(cfg.CRMType)+")")

	for i, col := range exportColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		f.SetCellValue(sheetName, cell, col)
		f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for rowIdx, r := range results {
		row := []interface{}{
			r.RunID,
			string(r.SyncType),
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.FinishedAt.Format("2006-01-02 15:04:05"),
			r.SyncDurationMs,
			r.Success,
			r.Cancelled,
			r.RecordsProcessed,
			r.RecordsSuccess,
			r.RecordsFailed,
			r.RecordsSkipped,
			r.Conflicts,
			strings.Join(r.Errors, "\n"),
		}
		cell, _ := excelize.CoordinatesToCellName(1, rowIdx+3)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, err
		}
	}

	for i := range exportColumns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheetName, col, col, 15)
	}

	buffer, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Package report exports a finished batch as an XLSX workbook with a
// Summary sheet and a Jobs sheet.
package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ChuLiYu/docflow/internal/ledger"
)

const (
	summarySheet = "Summary"
	jobsSheet    = "Jobs"
)

var jobHeaders = []string{
	"Job ID",
	"Input",
	"Status",
	"Phase",
	"Error Kind",
	"Reason",
	"Attempts",
	"Retries",
	"Duration (s)",
	"Confidence",
	"Finished At",
}

// Write renders the workbook for one batch to w
func Write(w io.Writer, batch ledger.BatchRecord, jobs []ledger.JobRecord) error {
	f, err := build(batch, jobs)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// WriteFile renders the workbook to path
func WriteFile(path string, batch ledger.BatchRecord, jobs []ledger.JobRecord) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := Write(out, batch, jobs); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func build(batch ledger.BatchRecord, jobs []ledger.JobRecord) (*excelize.File, error) {
	f := excelize.NewFile()
	// NewFile starts with "Sheet1"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(jobsSheet); err != nil {
		return nil, fmt.Errorf("add jobs sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}

	rows := [][2]any{
		{"Batch", batch.BatchID},
		{"Total", batch.Total},
		{"Succeeded", batch.Succeeded},
		{"Failed", batch.Failed},
		{"Cancelled", batch.Cancelled},
		{"Total Attempts", batch.TotalAttempts},
		{"Average Confidence", round(batch.AvgConfidence, 3)},
		{"Elapsed (s)", round(batch.Elapsed.Seconds(), 1)},
		{"Was Cancelled", batch.WasCancelled},
		{"State File", batch.StatePath},
		{"Started", formatTime(batch.StartedAt)},
		{"Finished", formatTime(batch.FinishedAt)},
	}
	for i, r := range rows {
		_ = f.SetCellValue(summarySheet, cell(1, i+1), r[0])
		_ = f.SetCellValue(summarySheet, cell(2, i+1), r[1])
	}
	_ = f.SetCellStyle(summarySheet, "A1", cell(1, len(rows)), bold)
	_ = f.SetColWidth(summarySheet, "A", "A", 22)
	_ = f.SetColWidth(summarySheet, "B", "B", 40)

	for i, h := range jobHeaders {
		_ = f.SetCellValue(jobsSheet, cell(i+1, 1), h)
	}
	_ = f.SetCellStyle(jobsSheet, "A1", cell(len(jobHeaders), 1), bold)

	for i, j := range jobs {
		row := i + 2
		values := []any{
			string(j.JobID),
			j.InputRef,
			string(j.Status),
			string(j.Phase),
			string(j.ErrorKind),
			j.Reason,
			j.Attempts,
			j.Retries,
			round(j.Duration.Seconds(), 2),
			round(j.Confidence, 3),
			formatTime(j.FinishedAt),
		}
		for col, v := range values {
			_ = f.SetCellValue(jobsSheet, cell(col+1, row), v)
		}
	}
	_ = f.SetColWidth(jobsSheet, "A", "A", 12)
	_ = f.SetColWidth(jobsSheet, "B", "B", 36)
	_ = f.SetColWidth(jobsSheet, "F", "F", 48)
	_ = f.SetColWidth(jobsSheet, "K", "K", 22)
	if len(jobs) > 0 {
		_ = f.AutoFilter(jobsSheet, "A1:"+cell(len(jobHeaders), len(jobs)+1), nil)
	}

	f.SetActiveSheet(0)
	return f, nil
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func round(v float64, places int) float64 {
	p := 1.0
	for i := 0; i < places; i++ {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

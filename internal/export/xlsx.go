package export

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
	"github.com/xuri/excelize/v2"
)

// Sheet names of an XLSX export.
const (
	ResultsSheet = "Results"
	SummarySheet = "Summary"
)

// XLSX builds a workbook with one row per result under CSVHeader on the
// Results sheet, and the job's metadata and totals on the Summary sheet.
func XLSX(job *models.BatchJob) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ResultsSheet); err != nil {
		return nil, fmt.Errorf("name results sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"6366F1"}},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	if err := writeRow(f, ResultsSheet, 1, toCells(CSVHeader)); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(ResultsSheet, "A1", "G1", header); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}
	for i, r := range job.Results {
		row := []any{r.PromptIndex, cellText(r.Prompt), cellText(r.Response), r.Tokens, r.DurationMs, r.Success, cellText(r.Error)}
		if err := writeRow(f, ResultsSheet, i+2, row); err != nil {
			return nil, err
		}
	}
	if err := f.SetColWidth(ResultsSheet, "B", "C", 60); err != nil {
		return nil, fmt.Errorf("size columns: %w", err)
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return nil, fmt.Errorf("create summary sheet: %w", err)
	}
	summary := summaryRows(job)
	for i, row := range summary {
		if err := writeRow(f, SummarySheet, i+1, row); err != nil {
			return nil, err
		}
	}
	if err := f.SetCellStyle(SummarySheet, "A1", fmt.Sprintf("A%d", len(summary)), header); err != nil {
		return nil, fmt.Errorf("style summary: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func summaryRows(job *models.BatchJob) [][]any {
	var succeeded, failed, tokens int
	var duration int64
	for _, r := range job.Results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
		tokens += r.Tokens
		duration += r.DurationMs
	}

	rows := [][]any{
		{"Job ID", job.ID},
		{"Name", cellText(job.Name)},
		{"Model", job.Model},
		{"Status", string(job.Status)},
		{"Prompts", len(job.Prompts)},
		{"Succeeded", succeeded},
		{"Failed", failed},
		{"Total tokens", tokens},
		{"Total duration (ms)", duration},
		{"Created", job.CreatedAt.UTC().Format(time.RFC3339)},
	}
	if job.CompletedAt != nil {
		rows = append(rows, []any{"Completed", job.CompletedAt.UTC().Format(time.RFC3339)})
	}
	return rows
}

func writeRow(f *excelize.File, sheet string, row int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("cell for row %d: %w", row, err)
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func toCells(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// cellText clips s to the most characters a spreadsheet cell holds.
func cellText(s string) string {
	r := []rune(s)
	if len(r) <= excelize.TotalCellChars {
		return s
	}
	return string(r[:excelize.TotalCellChars])
}

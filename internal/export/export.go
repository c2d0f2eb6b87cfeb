// Package export renders stored results as an XLSX workbook.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pdfsum/pdfsum/internal/job"
)

// Lister pages through stored results, newest first.
type Lister interface {
	List(ctx context.Context, limit, offset int) ([]*job.Result, int, error)
}

const (
	sheet = "Results"
	// excel rejects cells longer than this
	maxCellChars = 32767
	pageSize     = 100
)

var headers = []string{
	"Job ID", "Status", "Filename", "Source", "Pages", "Text Length",
	"Images", "Language", "Attempts", "Processed At", "Summary", "Error",
}

// ResultsXLSX returns a workbook with one row per result, up to max rows
// (0 means all).
func ResultsXLSX(ctx context.Context, l Lister, max int, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	f := excelize.NewFile()
	defer f.Close()
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for offset := 0; ; offset += pageSize {
		results, total, err := l.List(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list results: %w", err)
		}
		for _, r := range results {
			if max > 0 && row-1 > max {
				break
			}
			values := []any{
				r.JobID, string(r.Status), r.Filename, string(r.Source), r.Pages, r.TextLength,
				r.ImageCount, r.Language, r.Attempts, r.ProcessedAt.UTC().Format(time.RFC3339),
				clip(r.Summary), clip(r.Error),
			}
			for col, v := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				_ = f.SetCellValue(sheet, cell, v)
			}
			row++
		}
		if len(results) < pageSize || offset+pageSize >= total || (max > 0 && row-1 > max) {
			break
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 38)
	_ = f.SetColWidth(sheet, "C", "C", 30)
	_ = f.SetColWidth(sheet, "J", "J", 22)
	_ = f.SetColWidth(sheet, "K", "K", 80)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	logger.Info("results exported", "rows", row-2, "elapsed_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

func clip(s string) string {
	if len(s) <= maxCellChars {
		return s
	}
	r := []rune(s)
	if len(r) <= maxCellChars {
		return s
	}
	return string(r[:maxCellChars])
}

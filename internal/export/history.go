// internal/export/history.go
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/tendant/simple-invoice-cropper/internal/process"
)

const (
	jobsSheet     = "Jobs"
	invoicesSheet = "Invoices"
)

// RecordLister is the read side of the job store.
type RecordLister interface {
	List(ctx context.Context) []process.Record
}

// URLBuilder resolves crop filenames to download links.
type URLBuilder interface {
	CroppedDownloadURL(filename string) string
}

// Service renders the job history as an XLSX workbook.
type Service struct {
	records RecordLister
	urls    URLBuilder
	logger  *slog.Logger
}

func NewService(records RecordLister, urls URLBuilder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{records: records, urls: urls, logger: logger}
}

// ExportHistoryXLSX writes one row per job and one row per recognized invoice,
// newest jobs first. statuses narrows the jobs exported.
func (s *Service) ExportHistoryXLSX(ctx context.Context, statuses ...process.JobStatus) ([]byte, error) {
	start := time.Now()
	recs := process.SortByRecency(process.FilterStatus(s.records.List(ctx), statuses...))

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", jobsSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if index, _ := f.GetSheetIndex(invoicesSheet); index == -1 {
		if _, err := f.NewSheet(invoicesSheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(jobsSheet)
	f.SetActiveSheet(activeIndex)

	writeRow(f, jobsSheet, 1, "Task ID", "File", "Status", "Mode", "Invoices", "Created At", "Completed At", "Error")
	writeRow(f, invoicesSheet, 1, "Task ID", "Index", "Page", "X1", "Y1", "X2", "Y2", "Confidence", "Filename", "Merchant", "Download URL")

	jobRow, invRow := 2, 2
	for _, r := range recs {
		count := ""
		if r.InvoiceCount != nil {
			count = fmt.Sprint(*r.InvoiceCount)
		}
		completed := ""
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format(time.RFC3339)
		}
		writeRow(f, jobsSheet, jobRow,
			r.JobID, r.Filename, string(r.Status), string(r.Mode), count,
			r.CreatedAt.Format(time.RFC3339), completed, r.Error)
		jobRow++

		for _, inv := range r.Invoices {
			link := inv.DownloadURL
			if link == "" && s.urls != nil && inv.Filename != "" {
				link = s.urls.CroppedDownloadURL(inv.Filename)
			}
			writeRow(f, invoicesSheet, invRow,
				r.JobID, inv.Index, inv.Page,
				inv.BBox[0], inv.BBox[1], inv.BBox[2], inv.BBox[3],
				inv.Confidence, inv.Filename, inv.MerchantName, link)
			invRow++
		}
	}

	_ = f.SetColWidth(jobsSheet, "A", "A", 36) // task id
	_ = f.SetColWidth(jobsSheet, "B", "B", 32)
	_ = f.SetColWidth(jobsSheet, "F", "G", 22) // timestamps
	_ = f.SetColWidth(jobsSheet, "H", "H", 48)
	_ = f.SetColWidth(invoicesSheet, "A", "A", 36)
	_ = f.SetColWidth(invoicesSheet, "I", "I", 28)
	_ = f.SetColWidth(invoicesSheet, "K", "K", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("history exported", "jobs", jobRow-2, "invoices", invRow-2, "elapsed_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

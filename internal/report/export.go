package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"telemetry-control/internal/audit"
	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/observability/metrics"
)

// Export formats.
const (
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

// DefaultLimit caps the rows of one export.
const DefaultLimit = 5000

// ErrUnknownFormat is returned for formats other than xlsx and pdf.
var ErrUnknownFormat = errors.New("report: unknown format")

// Lister reads audit records by status.
type Lister interface {
	ListByStatus(ctx context.Context, status commands.Status, limit int) ([]audit.Record, error)
}

// Export renders the audit records in status as format.
func Export(ctx context.Context, lister Lister, status commands.Status, format string, limit int, now time.Time) (data []byte, err error) {
	start := time.Now()
	format = strings.ToLower(format)
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		metrics.ObserveExport(format, result, time.Since(start))
	}()

	if lister == nil {
		return nil, errors.New("report: nil lister")
	}
	if format != FormatXLSX && format != FormatPDF {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	records, err := lister.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	if format == FormatPDF {
		return BuildAuditPDF(status, records, now)
	}
	return BuildAuditXLSX(status, records, now)
}

var columns = []string{"Command", "Target", "Type", "Priority", "Status", "Reason", "Dry Run", "Requested By", "Source IP", "Created", "Updated", "Digest"}

func row(record audit.Record) []any {
	return []any{
		record.CommandID,
		record.TargetID,
		string(record.CommandType),
		string(record.Priority),
		string(record.Status),
		record.StatusReason,
		record.DryRun,
		record.RequestedBy,
		record.SourceIP,
		record.CreatedAt.UTC().Format(time.RFC3339),
		record.UpdatedAt.UTC().Format(time.RFC3339),
		record.PayloadDigest,
	}
}

// BuildAuditXLSX renders records as a workbook with a summary and a records sheet.
func BuildAuditXLSX(status commands.Status, records []audit.Record, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	recordsSheet := "commands"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(recordsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Command Audit Export")
	_ = f.SetCellValue(summarySheet, "A3", "Status")
	_ = f.SetCellValue(summarySheet, "B3", string(status))
	_ = f.SetCellValue(summarySheet, "A4", "Records")
	_ = f.SetCellValue(summarySheet, "B4", len(records))
	_ = f.SetCellValue(summarySheet, "A5", "Generated")
	_ = f.SetCellValue(summarySheet, "B5", generatedAt.UTC().Format(time.RFC3339))

	for i, name := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(recordsSheet, cell, name)
	}
	for r, record := range records {
		for c, value := range row(record) {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(recordsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAuditPDF renders a landscape table of records.
func BuildAuditPDF(status commands.Status, records []audit.Record, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Command Audit Export")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Status: %s", status))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Records: %d", len(records)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(8)

	widths := []float64{62, 40, 30, 22, 26, 40, 47}
	headers := []string{"Command", "Target", "Type", "Priority", "Status", "Requested By", "Created"}
	pdf.SetFont("Arial", "B", 9)
	for i, header := range headers {
		pdf.CellFormat(widths[i], 6, header, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, record := range records {
		values := []string{
			record.CommandID,
			record.TargetID,
			string(record.CommandType),
			string(record.Priority),
			string(record.Status),
			record.RequestedBy,
			record.CreatedAt.UTC().Format(time.RFC3339),
		}
		for i, value := range values {
			pdf.CellFormat(widths[i], 6, truncate(value, int(widths[i]/1.6)), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(value string, max int) string {
	if max <= 3 || len(value) <= max {
		return value
	}
	return value[:max-3] + "..."
}

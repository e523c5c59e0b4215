package report

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"telemetry-control/internal/audit"
	commands "telemetry-control/internal/commands/domain"
)

type stubLister struct {
	records []audit.Record
	err     error
	status  commands.Status
	limit   int
}

func (s *stubLister) ListByStatus(_ context.Context, status commands.Status, limit int) ([]audit.Record, error) {
	s.status = status
	s.limit = limit
	return s.records, s.err
}

var exportNow = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func sampleRecords() []audit.Record {
	return []audit.Record{
		{CommandID: "cmd-2", TargetID: "svc-b", CommandType: commands.TypeScale, Priority: commands.PriorityNormal, Status: commands.StatusPending, CreatedAt: exportNow.Add(-time.Minute)},
		{CommandID: "cmd-1", TargetID: "svc-a", CommandType: commands.TypeThrottle, Priority: commands.PriorityHigh, Status: commands.StatusPending, RequestedBy: "alice", CreatedAt: exportNow.Add(-time.Hour)},
	}
}

func TestExportXLSX(t *testing.T) {
	lister := &stubLister{records: sampleRecords()}
	data, err := Export(context.Background(), lister, commands.StatusPending, "XLSX", 0, exportNow)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if lister.limit != DefaultLimit || lister.status != commands.StatusPending {
		t.Fatalf("unexpected query: %s %d", lister.status, lister.limit)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	count, _ := f.GetCellValue("summary", "B4")
	if count != "2" {
		t.Fatalf("expected 2 records, got %q", count)
	}
	first, _ := f.GetCellValue("commands", "A2")
	if first != "cmd-1" {
		t.Fatalf("records must be ordered by creation, got %q", first)
	}
	header, _ := f.GetCellValue("commands", "H1")
	if header != "Requested By" {
		t.Fatalf("unexpected header %q", header)
	}
}

func TestExportPDF(t *testing.T) {
	data, err := Export(context.Background(), &stubLister{records: sampleRecords()}, commands.StatusPending, FormatPDF, 10, exportNow)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("expected pdf output")
	}
}

func TestExportErrors(t *testing.T) {
	if _, err := Export(context.Background(), &stubLister{}, commands.StatusPending, "csv", 0, exportNow); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected unknown format, got %v", err)
	}
	if _, err := Export(context.Background(), &stubLister{err: errors.New("db down")}, commands.StatusPending, FormatXLSX, 0, exportNow); err == nil {
		t.Fatalf("expected lister error")
	}
}

func TestHandler(t *testing.T) {
	h, err := NewHandler(&stubLister{records: sampleRecords()}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	cases := []struct {
		query string
		code  int
		ctype string
	}{
		{query: "?status=pending&format=pdf", code: http.StatusOK, ctype: "application/pdf"},
		{query: "?status=PENDING", code: http.StatusOK, ctype: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{query: "?format=pdf", code: http.StatusBadRequest},
		{query: "?status=PENDING&format=csv", code: http.StatusBadRequest},
		{query: "?status=PENDING&limit=-1", code: http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/admin/exports/commands"+tc.query, nil))
		if resp.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.query, tc.code, resp.Code)
		}
		if tc.ctype != "" && resp.Header().Get("Content-Type") != tc.ctype {
			t.Fatalf("%s: unexpected content type %q", tc.query, resp.Header().Get("Content-Type"))
		}
	}
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"telemetry-control/internal/audit"
	"telemetry-control/internal/auth"
	commandsapp "telemetry-control/internal/commands/application"
	commands "telemetry-control/internal/commands/domain"
)

type stubService struct {
	submitReq  commandsapp.SubmitRequest
	submitResp *commandsapp.SubmitResponse
	submitErr  error

	record    *audit.Record
	getErr    error
	rollback  *commandsapp.RollbackResult
	rbErr     error
	rbReason  string
	reported  commands.Status
	reportErr error
}

func (s *stubService) Submit(_ context.Context, req commandsapp.SubmitRequest) (*commandsapp.SubmitResponse, error) {
	s.submitReq = req
	return s.submitResp, s.submitErr
}

func (s *stubService) GetStatus(_ context.Context, _ string) (*audit.Record, error) {
	return s.record, s.getErr
}

func (s *stubService) Rollback(_ context.Context, _ string, reason string) (*commandsapp.RollbackResult, error) {
	s.rbReason = reason
	return s.rollback, s.rbErr
}

func (s *stubService) ReportStatus(_ context.Context, id string, status commands.Status, _ string) (*audit.Record, error) {
	s.reported = status
	if s.reportErr != nil {
		return nil, s.reportErr
	}
	return &audit.Record{CommandID: id, Status: status}, nil
}

func newTestHandler(t *testing.T, svc *stubService) *Handler {
	t.Helper()
	h, err := NewHandler(svc, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return h
}

func TestSubmitAccepted(t *testing.T) {
	svc := &stubService{submitResp: &commandsapp.SubmitResponse{CommandID: "c1", Status: commands.StatusPending}}
	h := newTestHandler(t, svc)

	body := `{"target_id":"svc-a","command_type":"THROTTLE","parameters":{"rate":"50"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewBufferString(body))
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.RoleOperator, "alice"))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.submitReq.RequestedBy != "alice" || svc.submitReq.SourceIP != "203.0.113.9" {
		t.Fatalf("identity not propagated: %+v", svc.submitReq)
	}
	if svc.submitReq.Parameters["rate"] != "50" {
		t.Fatalf("parameters not decoded: %+v", svc.submitReq)
	}
	var out commandsapp.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.CommandID != "c1" {
		t.Fatalf("unexpected body: %+v %v", out, err)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   int
		reason string
	}{
		{name: "rejected", err: commands.Reject(commands.ReasonBlastRadius, "150 > 100"), code: http.StatusBadRequest, reason: commands.ReasonBlastRadius},
		{name: "duplicate", err: commands.ErrDuplicateCommand, code: http.StatusConflict},
		{name: "not found", err: commands.ErrNotFound, code: http.StatusNotFound},
		{name: "transition", err: commands.ErrInvalidTransition, code: http.StatusConflict},
		{name: "dispatch", err: &commands.DispatchError{CommandID: "c1", Err: errors.New("down")}, code: http.StatusBadGateway},
		{name: "internal", err: errors.New("db down"), code: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{submitErr: tc.err})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewBufferString(`{}`))
			resp := httptest.NewRecorder()
			h.ServeHTTP(resp, req)
			if resp.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, resp.Code)
			}
			var body errorBody
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if body.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, body.Reason)
			}
		})
	}
}

func TestSubmitDispatchFailureReturnsID(t *testing.T) {
	svc := &stubService{
		submitResp: &commandsapp.SubmitResponse{CommandID: "c9", Status: commands.StatusPending},
		submitErr:  &commands.DispatchError{CommandID: "c9", Err: errors.New("outbox down")},
	}
	h := newTestHandler(t, svc)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewBufferString(`{"target_id":"a","command_type":"RESTART"}`))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["command_id"] != "c9" {
		t.Fatalf("expected command id in body, got %v %v", body, err)
	}
}

func TestGetStatus(t *testing.T) {
	svc := &stubService{record: &audit.Record{CommandID: "c1", TargetID: "svc-a", Status: commands.StatusExecuting}}
	h := newTestHandler(t, svc)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/commands/c1", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var view recordView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != commands.StatusExecuting || view.TargetID != "svc-a" {
		t.Fatalf("unexpected view: %+v", view)
	}

	svc.getErr = commands.ErrNotFound
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/commands/missing", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestRollbackRoute(t *testing.T) {
	svc := &stubService{rollback: &commandsapp.RollbackResult{CommandID: "c1", RollbackCommandID: "rollback_c1", Status: commands.StatusRolledBack}}
	h := newTestHandler(t, svc)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/commands/c1/rollback", nil))
	if resp.Code != http.StatusOK || svc.rbReason != commandsapp.ReasonManual {
		t.Fatalf("expected manual rollback, got %d reason=%q", resp.Code, svc.rbReason)
	}

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/commands/c1/rollback", bytes.NewBufferString(`{"reason":"latency spike"}`)))
	if svc.rbReason != "latency spike" {
		t.Fatalf("expected custom reason, got %q", svc.rbReason)
	}

	svc.rbErr = commands.ErrInvalidTransition
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/commands/c1/rollback", nil))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestStatusCallback(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/commands/c1/status", bytes.NewBufferString(`{"status":"completed"}`)))
	if resp.Code != http.StatusOK || svc.reported != commands.StatusCompleted {
		t.Fatalf("expected COMPLETED report, got %d %s", resp.Code, svc.reported)
	}

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/commands/c1/status", bytes.NewBufferString(`{"status":"done"}`)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", resp.Code)
	}
}

func TestRouting(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	cases := []struct {
		method string
		path   string
		code   int
	}{
		{method: http.MethodGet, path: "/api/v1/commands", code: http.StatusMethodNotAllowed},
		{method: http.MethodDelete, path: "/api/v1/commands/c1", code: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/api/v1/commands/c1/rollback", code: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/api/v1/commands/c1/a/b", code: http.StatusNotFound},
		{method: http.MethodPost, path: "/api/v1/commands", code: http.StatusBadRequest},
	}
	for _, tc := range cases {
		var body io.Reader
		if tc.method == http.MethodPost {
			body = bytes.NewBufferString(`{not json`)
		}
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(tc.method, tc.path, body))
		if resp.Code != tc.code {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.code, resp.Code)
		}
	}
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"telemetry-control/internal/audit"
	"telemetry-control/internal/auth"
	commandsapp "telemetry-control/internal/commands/application"
	commands "telemetry-control/internal/commands/domain"
)

const (
	basePath     = "/api/v1/commands"
	maxBodyBytes = 1 << 20
)

// CommandService is the lifecycle surface served over HTTP.
type CommandService interface {
	Submit(ctx context.Context, req commandsapp.SubmitRequest) (*commandsapp.SubmitResponse, error)
	GetStatus(ctx context.Context, commandID string) (*audit.Record, error)
	Rollback(ctx context.Context, commandID, reason string) (*commandsapp.RollbackResult, error)
	ReportStatus(ctx context.Context, commandID string, status commands.Status, reason string) (*audit.Record, error)
}

// Handler provides command HTTP endpoints.
type Handler struct {
	service CommandService
	logger  *log.Logger
}

// NewHandler constructs a handler.
func NewHandler(service CommandService, logger *log.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{service: service, logger: logger}, nil
}

// ServeHTTP routes /api/v1/commands and /api/v1/commands/{id}[/rollback|/status].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, basePath), "/")
	if rest == "" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleSubmit(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	commandID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, commandID)
	case len(parts) == 2 && parts[1] == "rollback" && r.Method == http.MethodPost:
		h.handleRollback(w, r, commandID)
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodPost:
		h.handleStatus(w, r, commandID)
	case len(parts) <= 2:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req commandsapp.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestedBy = auth.SubjectFromContext(r.Context())
	req.SourceIP = audit.ClientIP(r)

	resp, err := h.service.Submit(r.Context(), req)
	if err != nil {
		var dispatchErr *commands.DispatchError
		if errors.As(err, &dispatchErr) && resp != nil {
			// audited but undelivered: the caller needs the id to follow up
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":      err.Error(),
				"command_id": resp.CommandID,
				"status":     resp.Status,
			})
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, commandID string) {
	record, err := h.service.GetStatus(r.Context(), commandID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(record))
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request, commandID string) {
	var req rollbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = commandsapp.ReasonManual
	}
	result, err := h.service.Rollback(r.Context(), commandID, reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Printf("rollback requested: command=%s by=%s reason=%q", commandID, auth.SubjectFromContext(r.Context()), reason)
	writeJSON(w, http.StatusOK, result)
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, commandID string) {
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, ok := commands.ParseStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown status", Reason: commands.ReasonInvalid})
		return
	}
	record, err := h.service.ReportStatus(r.Context(), commandID, status, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(record))
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rejection *commands.Rejection
	switch {
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: rejection.Error(), Reason: rejection.Reason})
	case errors.Is(err, commands.ErrDuplicateCommand):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, commands.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, commands.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, commands.ErrDispatch):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	default:
		h.logger.Printf("commands handler error: method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Reason: commands.ReasonInvalid})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type recordView struct {
	CommandID         string                   `json:"command_id"`
	TargetID          string                   `json:"target_id"`
	CommandType       commands.CommandType     `json:"command_type"`
	Parameters        map[string]string        `json:"parameters"`
	Priority          commands.Priority        `json:"priority"`
	Expiry            *time.Time               `json:"expiry,omitempty"`
	RollbackConfig    *commands.RollbackConfig `json:"rollback_config,omitempty"`
	DryRun            bool                     `json:"dry_run"`
	Status            commands.Status          `json:"status"`
	StatusReason      string                   `json:"status_reason,omitempty"`
	RollbackCommandID string                   `json:"rollback_command_id,omitempty"`
	RequestedBy       string                   `json:"requested_by"`
	SourceIP          string                   `json:"source_ip,omitempty"`
	PayloadDigest     string                   `json:"payload_digest"`
	DispatchedAt      *time.Time               `json:"dispatched_at,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

func toView(record *audit.Record) recordView {
	return recordView{
		CommandID:         record.CommandID,
		TargetID:          record.TargetID,
		CommandType:       record.CommandType,
		Parameters:        record.Parameters,
		Priority:          record.Priority,
		Expiry:            record.Expiry,
		RollbackConfig:    record.RollbackConfig,
		DryRun:            record.DryRun,
		Status:            record.Status,
		StatusReason:      record.StatusReason,
		RollbackCommandID: record.RollbackCommandID,
		RequestedBy:       record.RequestedBy,
		SourceIP:          record.SourceIP,
		PayloadDigest:     record.PayloadDigest,
		DispatchedAt:      record.DispatchedAt,
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
}

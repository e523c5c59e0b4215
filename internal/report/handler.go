package report

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	commands "telemetry-control/internal/commands/domain"
)

// Handler serves GET /api/v1/admin/exports/commands?status=&format=&limit=.
type Handler struct {
	lister Lister
	logger *log.Logger
	now    func() time.Time
}

// NewHandler constructs an export handler.
func NewHandler(lister Lister, logger *log.Logger) (*Handler, error) {
	if lister == nil {
		return nil, errors.New("report handler: nil lister")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{lister: lister, logger: logger, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	status, ok := commands.ParseStatus(strings.ToUpper(query.Get("status")))
	if !ok {
		http.Error(w, "status required", http.StatusBadRequest)
		return
	}
	format := strings.ToLower(query.Get("format"))
	if format == "" {
		format = FormatXLSX
	}
	limit := 0
	if value := query.Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	data, err := Export(r.Context(), h.lister, status, format, limit, h.now())
	if errors.Is(err, ErrUnknownFormat) {
		http.Error(w, "format must be xlsx or pdf", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Printf("audit export failed: status=%s format=%s err=%v", status, format, err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	contentType := "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	if format == FormatPDF {
		contentType = "application/pdf"
	}
	filename := "commands-" + strings.ToLower(string(status)) + "." + format
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	_, _ = w.Write(data)
}

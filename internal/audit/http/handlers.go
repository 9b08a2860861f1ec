package audithttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/httpx"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// LedgerService defines the business contract the handlers need.
type LedgerService interface {
	Query(ctx context.Context, filters audit.Filters) (audit.Result, error)
	Purge(ctx context.Context, actor shared.Principal) (int64, error)
}

// Handler menangani permintaan audit trail.
type Handler struct {
	logger  *slog.Logger
	service LedgerService
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service LedgerService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

func (h *Handler) handleTrail(w http.ResponseWriter, r *http.Request) {
	p, ok := httpx.Principal(w, r)
	if !ok {
		return
	}
	if !p.Role.CanReadAudit() {
		httpx.RespondError(w, shared.ErrForbidden)
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Query(r.Context(), filters)
	if err != nil {
		h.logger.Error("load audit trail", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	p, ok := httpx.Principal(w, r)
	if !ok {
		return
	}
	deleted, err := h.service.Purge(r.Context(), p)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	var f audit.Filters
	var err error
	if f.From, err = parseDate(q.Get("from"), "from"); err != nil {
		return audit.Filters{}, err
	}
	if f.To, err = parseDate(q.Get("to"), "to"); err != nil {
		return audit.Filters{}, err
	}
	if !f.To.IsZero() {
		// "to" is inclusive of the whole day.
		f.To = f.To.Add(24 * time.Hour)
	}
	f.Table = strings.TrimSpace(q.Get("table"))
	// The logs viewer calls the action filter "level".
	action := q.Get("action")
	if action == "" {
		action = q.Get("level")
	}
	if strings.TrimSpace(action) != "" {
		if f.Action, err = audit.ParseAction(action); err != nil {
			return audit.Filters{}, err
		}
	}
	if f.PerformedBy, err = parsePositive(q.Get("performed_by"), "performed_by"); err != nil {
		return audit.Filters{}, err
	}
	page, err := parsePositive(q.Get("page"), "page")
	if err != nil {
		return audit.Filters{}, err
	}
	size, err := parsePositive(q.Get("page_size"), "page_size")
	if err != nil {
		return audit.Filters{}, err
	}
	f.Page, f.PageSize = int(page), int(size)
	return f, nil
}

func parseDate(raw, field string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, shared.Validation(field, "must be YYYY-MM-DD")
	}
	return t, nil
}

func parsePositive(raw, field string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, shared.Validation(field, fmt.Sprintf("must be a positive integer, got %q", raw))
	}
	return v, nil
}

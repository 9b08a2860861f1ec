package sequencehttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/fiscaldesk/internal/fiscal"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/httpx"
	"github.com/odyssey-erp/fiscaldesk/internal/sequence"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// CounterReader is the part of sequence.Generator exposed over HTTP.
type CounterReader interface {
	Counter(ctx context.Context, entityType, fiscalYear string) (sequence.Counter, error)
}

// NumberIssuer issues numbers into a named fiscal year, which must be the
// current one.
type NumberIssuer interface {
	IssueNumberIn(ctx context.Context, entityType, fiscalYear string) (fiscal.Issued, error)
}

// Handler serves counter inspection and explicit-year issuance for admins.
type Handler struct {
	logger   *slog.Logger
	counters CounterReader
	issuer   NumberIssuer
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, counters CounterReader, issuer NumberIssuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, counters: counters, issuer: issuer}
}

// MountRoutes registers the counter routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/sequences/{entityType}/{fiscalYear}", h.counter)
	r.Post("/sequences/{entityType}/{fiscalYear}/next", h.generate)
}

type counterResponse struct {
	EntityType string `json:"entity_type"`
	FiscalYear string `json:"fiscal_year"`
	LastIssued int    `json:"last_issued"`
	Max        int    `json:"max"`
	Remaining  int    `json:"remaining"`
	Next       string `json:"next,omitempty"`
}

func (h *Handler) counter(w http.ResponseWriter, r *http.Request) {
	if !h.admin(w, r) {
		return
	}
	c, err := h.counters.Counter(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "fiscalYear"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := counterResponse{
		EntityType: c.EntityType,
		FiscalYear: c.FiscalYear,
		LastIssued: c.LastIssued,
		Max:        c.Max,
		Remaining:  c.Remaining(),
	}
	if next, err := c.Next(); err == nil {
		resp.Next = next.Number()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	if !h.admin(w, r) {
		return
	}
	entityType, fiscalYear := chi.URLParam(r, "entityType"), chi.URLParam(r, "fiscalYear")
	issued, err := h.issuer.IssueNumberIn(r.Context(), entityType, fiscalYear)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("number issued for explicit fiscal year",
		slog.String("entity_type", issued.EntityType), slog.String("fiscal_year", issued.FiscalYear), slog.String("number", issued.Number))
	httpx.JSON(w, http.StatusCreated, issued)
}

func (h *Handler) admin(w http.ResponseWriter, r *http.Request) bool {
	p, ok := httpx.Principal(w, r)
	if !ok {
		return false
	}
	if !p.Role.CanManageFiscalYears() {
		httpx.RespondError(w, shared.ErrForbidden)
		return false
	}
	return true
}

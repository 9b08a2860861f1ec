package invoiceshttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscaldesk/internal/invoices"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/httpx"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// WorkflowService is the slice of invoices.Workflow the handlers call.
type WorkflowService interface {
	Create(ctx context.Context, in invoices.CreateInput) (invoices.Invoice, error)
	Approve(ctx context.Context, invoiceID, reviewerID int64) (invoices.Invoice, error)
	Reject(ctx context.Context, invoiceID, reviewerID int64, note string) (invoices.Invoice, error)
	Get(ctx context.Context, id int64) (invoices.Invoice, error)
	List(ctx context.Context, filter invoices.ListFilter) ([]invoices.Invoice, error)
}

// Handler exposes the DFC review endpoints.
type Handler struct {
	logger    *slog.Logger
	service   WorkflowService
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service WorkflowService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/reject", h.reject)
	})
}

type createRequest struct {
	SupplierID int64           `json:"supplier_id" validate:"required,gt=0"`
	Amount     decimal.Decimal `json:"amount"`
}

type rejectRequest struct {
	Note string `json:"note" validate:"required,max=2000"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	if _, ok := httpx.Principal(w, r); !ok {
		return
	}
	q := r.URL.Query()
	filter := invoices.ListFilter{
		FiscalYear: q.Get("fiscal_year"),
		Status:     invoices.DFCStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if rows == nil {
		rows = []invoices.Invoice{}
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	p, ok := httpx.Principal(w, r)
	if !ok {
		return
	}
	if !p.Role.CanCreateInvoices() {
		httpx.RespondError(w, shared.ErrForbidden)
		return
	}
	var req createRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.Create(r.Context(), invoices.CreateInput{
		SupplierID:     req.SupplierID,
		Amount:         req.Amount,
		CreatedBy:      p.UserID,
		IdempotencyKey: r.Header.Get(shared.IdempotencyHeader),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	if _, ok := httpx.Principal(w, r); !ok {
		return
	}
	id, err := invoiceID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.reviewer(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Approve(r.Context(), id, p.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.reviewer(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.Reject(r.Context(), id, p.UserID, req.Note)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) reviewer(w http.ResponseWriter, r *http.Request) (shared.Principal, int64, bool) {
	p, ok := httpx.Principal(w, r)
	if !ok {
		return shared.Principal{}, 0, false
	}
	if !p.Role.CanReviewInvoices() {
		httpx.RespondError(w, shared.ErrForbidden)
		return shared.Principal{}, 0, false
	}
	id, err := invoiceID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Principal{}, 0, false
	}
	return p, id, true
}

func invoiceID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Validation("id", "must be a positive integer")
	}
	return id, nil
}

func intParam(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, shared.Validation(field, "must be a non-negative integer")
	}
	return v, nil
}

package fiscalhttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/fiscaldesk/internal/fiscal"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/httpx"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// PeriodService defines what the handlers need from fiscal.Manager.
type PeriodService interface {
	Status(ctx context.Context) (fiscal.Status, error)
	Candidates(ctx context.Context) ([]fiscal.Year, error)
	SetAutoSwitch(ctx context.Context, enable bool, actorID int64) (fiscal.Year, error)
	SwitchTo(ctx context.Context, target string, actorID int64) (fiscal.SwitchResult, error)
	RegisterYear(ctx context.Context, value string, canActivate bool, actorID int64) (fiscal.Year, error)
	IssueNumber(ctx context.Context, entityType string) (fiscal.Issued, error)
}

// Handler serves fiscal year governance endpoints.
type Handler struct {
	logger    *slog.Logger
	service   PeriodService
	validator *validator.Validate
}

// NewHandler membuat handler periode fiskal.
func NewHandler(logger *slog.Logger, service PeriodService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers fiscal and sequence routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/fiscal", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/years", h.candidates)
		r.Post("/years", h.register)
		r.Put("/auto-switch", h.autoSwitch)
		r.Post("/switch", h.switchYear)
	})
	r.Post("/sequences/{entityType}/next", h.issueNumber)
}

type autoSwitchRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type switchRequest struct {
	Target string `json:"target" validate:"required,max=32"`
}

type registerRequest struct {
	Value       string `json:"value" validate:"required,max=32"`
	CanActivate bool   `json:"can_activate"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if _, ok := httpx.Principal(w, r); !ok {
		return
	}
	st, err := h.service.Status(r.Context())
	if err != nil {
		h.logger.Error("load fiscal status", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) candidates(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	years, err := h.service.Candidates(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, years)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	p, ok := h.admin(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	y, err := h.service.RegisterYear(r.Context(), req.Value, req.CanActivate, p.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, y)
}

func (h *Handler) autoSwitch(w http.ResponseWriter, r *http.Request) {
	p, ok := h.admin(w, r)
	if !ok {
		return
	}
	var req autoSwitchRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	y, err := h.service.SetAutoSwitch(r.Context(), *req.Enabled, p.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, y)
}

func (h *Handler) switchYear(w http.ResponseWriter, r *http.Request) {
	p, ok := h.admin(w, r)
	if !ok {
		return
	}
	var req switchRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.SwitchTo(r.Context(), req.Target, p.UserID)
	if err != nil {
		h.logger.Warn("fiscal switch refused", slog.String("target", req.Target), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) issueNumber(w http.ResponseWriter, r *http.Request) {
	p, ok := httpx.Principal(w, r)
	if !ok {
		return
	}
	if !p.Role.CanCreateInvoices() {
		httpx.RespondError(w, shared.ErrForbidden)
		return
	}
	issued, err := h.service.IssueNumber(r.Context(), chi.URLParam(r, "entityType"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, issued)
}

func (h *Handler) admin(w http.ResponseWriter, r *http.Request) (shared.Principal, bool) {
	p, ok := httpx.Principal(w, r)
	if !ok {
		return p, false
	}
	if !p.Role.CanManageFiscalYears() {
		httpx.RespondError(w, shared.ErrForbidden)
		return p, false
	}
	return p, true
}

package users

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/fiscaldesk/internal/platform/httpx"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listUsers)
	r.Put("/{id}/role", h.changeRole)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	p, ok := httpx.Principal(w, r)
	if !ok {
		return
	}
	if !p.Role.CanManageUsers() {
		httpx.RespondError(w, shared.ErrForbidden)
		return
	}
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list users failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if users == nil {
		users = []User{}
	}
	httpx.JSON(w, http.StatusOK, users)
}

type roleRequest struct {
	Role string `json:"role" validate:"required,oneof=admin invoice_manager dfc_agent"`
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	p, ok := httpx.Principal(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.Validation("id", "must be a positive integer"))
		return
	}
	var req roleRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := shared.ParseRole(req.Role)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.ChangeRole(r.Context(), p, id, role)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

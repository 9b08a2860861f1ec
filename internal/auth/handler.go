package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/fiscaldesk/internal/platform/httpx"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// ActivityTracker is the liveness registry consulted on every request.
type ActivityTracker interface {
	Touch(userID int64)
	Forget(userID int64)
	LastSeen(userID int64) (time.Time, bool)
	Remaining(userID int64, rememberMe bool) (time.Duration, bool)
	Window(rememberMe bool) time.Duration
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	tracker        ActivityTracker
	validator      *validator.Validate
	now            func() time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, tracker ActivityTracker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		tracker:        tracker,
		validator:      validator.New(),
		now:            time.Now,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/session", h.handleSession)
}

type loginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=8"`
	RememberMe bool   `json:"remember_me"`
}

type loginResponse struct {
	UserID     int64       `json:"user_id"`
	Name       string      `json:"name"`
	Role       shared.Role `json:"role"`
	RememberMe bool        `json:"remember_me"`
	IdleWindow int64       `json:"idle_window_seconds"`
}

type sessionResponse struct {
	UserID           int64 `json:"user_id"`
	RememberMe       bool  `json:"remember_me"`
	RemainingSeconds int64 `json:"remaining_seconds"`
	WindowSeconds    int64 `json:"window_seconds"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	var req loginRequest
	if err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("login refused", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	sess.SignIn(shared.Principal{UserID: user.ID, Role: user.Role, RememberMe: req.RememberMe}, h.now())
	ttl := h.tracker.Window(req.RememberMe)
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, ttl, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	h.tracker.Touch(user.ID)
	h.logger.Info("user signed in", slog.Int64("user_id", user.ID), slog.String("role", user.Role.String()), slog.Bool("remember_me", req.RememberMe))

	httpx.JSON(w, http.StatusOK, loginResponse{
		UserID:     user.ID,
		Name:       user.Name,
		Role:       user.Role,
		RememberMe: req.RememberMe,
		IdleWindow: int64(ttl / time.Second),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if p, ok := sess.Principal(); ok {
			h.tracker.Forget(p.UserID)
			if err := h.service.RemoveSession(r.Context(), sess.ID, p.UserID); err != nil {
				h.logger.Warn("remove session", slog.Any("error", err))
			}
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSession reports the idle time left without counting as activity.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	p, ok := shared.SessionFromContext(r.Context()).Principal()
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	if _, seen := h.tracker.LastSeen(p.UserID); !seen {
		// Activity is process-local; a restart forgets it while the session survives.
		h.tracker.Touch(p.UserID)
	}
	remaining, ok := h.tracker.Remaining(p.UserID, p.RememberMe)
	if !ok {
		h.expire(w, r, p)
		return
	}
	httpx.JSON(w, http.StatusOK, sessionResponse{
		UserID:           p.UserID,
		RememberMe:       p.RememberMe,
		RemainingSeconds: int64(remaining / time.Second),
		WindowSeconds:    int64(h.tracker.Window(p.RememberMe) / time.Second),
	})
}

// expire ends a session whose idle window has lapsed.
func (h *Handler) expire(w http.ResponseWriter, r *http.Request, p shared.Principal) {
	sess := shared.SessionFromContext(r.Context())
	h.tracker.Forget(p.UserID)
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID, p.UserID); err != nil {
			h.logger.Warn("remove expired session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	h.logger.Info("session expired", slog.Int64("user_id", p.UserID))
	httpx.Problem(w, http.StatusUnauthorized, "Session Expired", "idle window elapsed, sign in again")
}

// Guard resolves the signed-in principal for API routes. A request inside the
// idle window counts as activity; one outside it ends the session.
func (h *Handler) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := shared.SessionFromContext(r.Context()).Principal()
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if _, seen := h.tracker.LastSeen(p.UserID); seen {
			if _, alive := h.tracker.Remaining(p.UserID, p.RememberMe); !alive {
				h.expire(w, r, p)
				return
			}
		}
		h.tracker.Touch(p.UserID)
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), p)))
	})
}

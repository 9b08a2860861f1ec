package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/fiscaldesk/internal/audit/http"
	"github.com/odyssey-erp/fiscaldesk/internal/auth"
	fiscalhttp "github.com/odyssey-erp/fiscaldesk/internal/fiscal/http"
	invoiceshttp "github.com/odyssey-erp/fiscaldesk/internal/invoices/http"
	"github.com/odyssey-erp/fiscaldesk/internal/observability"
	sequencehttp "github.com/odyssey-erp/fiscaldesk/internal/sequence/http"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
	"github.com/odyssey-erp/fiscaldesk/internal/users"
	"github.com/odyssey-erp/fiscaldesk/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	SessionManager  *shared.SessionManager
	AuthHandler     *auth.Handler
	UsersHandler    *users.Handler
	AuditHandler    *audithttp.Handler
	FiscalHandler   *fiscalhttp.Handler
	SequenceHandler *sequencehttp.Handler
	InvoiceHandler  *invoiceshttp.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with fiscaldesk defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}

	r.Route("/api", func(r chi.Router) {
		if params.AuthHandler != nil {
			r.Use(params.AuthHandler.Guard)
		}
		if params.FiscalHandler != nil {
			params.FiscalHandler.MountRoutes(r)
		}
		if params.SequenceHandler != nil {
			params.SequenceHandler.MountRoutes(r)
		}
		if params.InvoiceHandler != nil {
			params.InvoiceHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r)
		}
		if params.UsersHandler != nil {
			r.Route("/users", params.UsersHandler.MountRoutes)
		}
	})

	return r
}

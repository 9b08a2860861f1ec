package audithttp

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/fiscaldesk/internal/platform/httpx"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes mendaftarkan endpoint audit trail dan purge.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(httpx.RateLimitKey),
		httprate.WithLimitHandler(httpx.TooManyRequests),
	)
	r.Get("/audit", h.handleTrail)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Delete("/audit", h.handlePurge)
	})
}

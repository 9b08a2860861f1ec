package httpx

import (
	"net/http"
	"strconv"

	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// RateLimitKey keys httprate buckets by signed-in user, falling back to the
// client IP for anonymous callers.
func RateLimitKey(r *http.Request) (string, error) {
	if p, ok := shared.PrincipalFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(p.UserID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

// TooManyRequests is the httprate limit handler shared by mutating routes.
func TooManyRequests(w http.ResponseWriter, _ *http.Request) {
	Problem(w, http.StatusTooManyRequests, "Too Many Requests", "")
}

// Principal resolves the signed-in actor or responds 401.
func Principal(w http.ResponseWriter, r *http.Request) (shared.Principal, bool) {
	p, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		RespondError(w, shared.ErrUnauthorized)
		return shared.Principal{}, false
	}
	return p, true
}

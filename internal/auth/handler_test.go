package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/fiscaldesk/internal/activity"
	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	"github.com/odyssey-erp/fiscaldesk/internal/auth"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/httpx"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
	"github.com/odyssey-erp/fiscaldesk/internal/users"
	_ "github.com/odyssey-erp/fiscaldesk/testing"
)

type stubRepo struct {
	mu       sync.Mutex
	user     users.User
	sessions map[string]auth.SessionRecord
}

func (s *stubRepo) FindByEmail(_ context.Context, email string) (users.User, error) {
	if s.user.ID == 0 || !strings.EqualFold(email, s.user.Email) {
		return users.User{}, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(_ context.Context, rec auth.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = rec
	return nil
}

func (s *stubRepo) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAuditor) Append(_ context.Context, e audit.Entry) (audit.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return e, nil
}

type fixture struct {
	router   http.Handler
	sessions *shared.SessionManager
	tracker  *activity.Tracker
	repo     *stubRepo
	auditor  *recordingAuditor
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)

	f := &fixture{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	f.repo = &stubRepo{
		user:     users.User{ID: 7, Email: "dfc@test.local", Name: "Agent", Role: shared.RoleDfcAgent, PasswordHash: string(hashed), IsActive: true},
		sessions: make(map[string]auth.SessionRecord),
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.sessions = shared.NewSessionManager(client, "test_session", "secret", 30*time.Minute, 24*time.Hour, false)
	f.tracker = activity.NewTracker(activity.Config{}, nil)
	f.tracker.WithNow(func() time.Time { return f.now })

	f.auditor = &recordingAuditor{}
	svc := auth.NewService(f.repo)
	svc.SetAuditor(f.auditor)
	h := auth.NewHandler(nil, svc, f.sessions, f.tracker)
	r := chi.NewRouter()
	r.Use(f.sessionMiddleware)
	r.Route("/auth", h.MountRoutes)
	r.Group(func(r chi.Router) {
		r.Use(h.Guard)
		r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
			p, ok := httpx.Principal(w, r)
			if !ok {
				return
			}
			httpx.JSON(w, http.StatusOK, map[string]int64{"user_id": p.UserID})
		})
		r.Post("/review", func(w http.ResponseWriter, r *http.Request) {
			p, ok := httpx.Principal(w, r)
			if !ok {
				return
			}
			if !p.Role.CanReviewInvoices() {
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})
	f.router = r
	return f
}

// sessionMiddleware mirrors the application stack: load, serve, commit.
func (f *fixture) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := f.sessions.Load(r.Context(), r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rec := httptest.NewRecorder()
		next.ServeHTTP(rec, r.WithContext(shared.ContextWithSession(r.Context(), sess)))
		if err := f.sessions.Commit(r.Context(), w, sess); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		_, _ = w.Write(rec.Body.Bytes())
	})
}

func (f *fixture) do(method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) login(t *testing.T, rememberMe bool) []*http.Cookie {
	t.Helper()
	body := `{"email":"dfc@test.local","password":"correctpass","remember_me":false}`
	if rememberMe {
		body = strings.Replace(body, `"remember_me":false`, `"remember_me":true`, 1)
	}
	rr := f.do(http.MethodPost, "/auth/login", body, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return rr.Result().Cookies()
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/auth/login", `{"email":"dfc@test.local","password":"wrongpass"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Zero(t, f.tracker.Len())

	rr = f.do(http.MethodPost, "/auth/login", `{"email":"nobody@test.local","password":"whatever1"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLoginValidatesPayload(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/auth/login", `{"email":"not-an-email","password":"correctpass"}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginTouchesActivityAndRecordsSession(t *testing.T) {
	f := newFixture(t)
	cookies := f.login(t, false)
	require.NotEmpty(t, cookies)

	seen, ok := f.tracker.LastSeen(7)
	require.True(t, ok)
	require.Equal(t, f.now, seen)
	require.Len(t, f.repo.sessions, 1)

	rr := f.do(http.MethodGet, "/whoami", "", cookies)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"user_id":7}`, rr.Body.String())
}

func TestGuardWithoutSession(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/whoami", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSessionRemainingDoesNotTouch(t *testing.T) {
	f := newFixture(t)
	cookies := f.login(t, false)

	f.now = f.now.Add(10 * time.Minute)
	rr := f.do(http.MethodGet, "/auth/session", "", cookies)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"user_id":7,"remember_me":false,"remaining_seconds":1200,"window_seconds":1800}`, rr.Body.String())

	f.now = f.now.Add(5 * time.Minute)
	rr = f.do(http.MethodGet, "/auth/session", "", cookies)
	require.Contains(t, rr.Body.String(), `"remaining_seconds":900`)
}

func TestIdleSessionExpires(t *testing.T) {
	f := newFixture(t)
	cookies := f.login(t, false)

	f.now = f.now.Add(31 * time.Minute)
	rr := f.do(http.MethodGet, "/whoami", "", cookies)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	_, ok := f.tracker.LastSeen(7)
	require.False(t, ok)
	require.Empty(t, f.repo.sessions)

	rr = f.do(http.MethodGet, "/whoami", "", cookies)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRememberMeKeepsSessionAlive(t *testing.T) {
	f := newFixture(t)
	cookies := f.login(t, true)

	f.now = f.now.Add(23 * time.Hour)
	rr := f.do(http.MethodGet, "/whoami", "", cookies)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestLogoutForgetsActivity(t *testing.T) {
	f := newFixture(t)
	cookies := f.login(t, false)

	rr := f.do(http.MethodPost, "/auth/logout", "", cookies)
	require.Equal(t, http.StatusNoContent, rr.Code)
	_, ok := f.tracker.LastSeen(7)
	require.False(t, ok)
	require.Empty(t, f.repo.sessions)

	rr = f.do(http.MethodGet, "/whoami", "", cookies)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

// directory serves the fixture's single user to users.Service.
type directory struct{ repo *stubRepo }

func (d directory) ListUsers(context.Context) ([]users.User, error) {
	return []users.User{d.repo.user}, nil
}

func (d directory) FindByID(_ context.Context, id int64) (users.User, error) {
	if id != d.repo.user.ID {
		return users.User{}, shared.ErrNotFound
	}
	return d.repo.user, nil
}

func (d directory) ChangeRole(_ context.Context, _ int64, role shared.Role, _ audit.Entry) error {
	d.repo.user.Role = role
	return nil
}

func TestDemotedReviewerLosesReviewRights(t *testing.T) {
	f := newFixture(t)
	cookies := f.login(t, true)
	rr := f.do(http.MethodPost, "/review", "", cookies)
	require.Equal(t, http.StatusNoContent, rr.Code)

	svc := users.NewService(directory{repo: f.repo}, nil)
	svc.SetSessionRevoker(f.sessions)
	admin := shared.Principal{UserID: 1, Role: shared.RoleAdmin}
	_, err := svc.ChangeRole(context.Background(), admin, 7, shared.RoleInvoiceManager)
	require.NoError(t, err)

	rr = f.do(http.MethodPost, "/review", "", cookies)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	cookies = f.login(t, true)
	rr = f.do(http.MethodPost, "/review", "", cookies)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestSignInAndSignOutAreAudited(t *testing.T) {
	f := newFixture(t)
	cookies := f.login(t, false)
	rr := f.do(http.MethodPost, "/auth/logout", "", cookies)
	require.Equal(t, http.StatusNoContent, rr.Code)

	require.Len(t, f.auditor.entries, 2)
	in, out := f.auditor.entries[0], f.auditor.entries[1]
	require.Equal(t, "user_sessions", in.TableName)
	require.Equal(t, audit.ActionInsert, in.Action)
	require.Equal(t, "7", in.RecordID)
	require.Equal(t, int64(7), *in.PerformedBy)
	require.Equal(t, audit.ActionDelete, out.Action)
	for _, e := range f.auditor.entries {
		for _, c := range cookies {
			require.NotContains(t, e.RecordID+e.Description, c.Value)
		}
	}
}

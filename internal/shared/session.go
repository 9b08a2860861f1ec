package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionManager orchestrates cookie based sessions backed by Redis.
type SessionManager struct {
	client      *redis.Client
	cookieName  string
	ttl         time.Duration
	rememberTTL time.Duration
	secure      bool
	secret      []byte
}

// Session holds per-request session data.
type Session struct {
	ID         string
	userID     int64
	role       string
	rememberMe bool
	issuedAt   time.Time
	manager    *SessionManager
	isNew      bool
	dirty      bool
	destroyed  bool
}

type sessionPayload struct {
	UserID     int64     `json:"user_id"`
	Role       string    `json:"role"`
	RememberMe bool      `json:"remember_me"`
	IssuedAt   time.Time `json:"issued_at"`
}

// NewSessionManager constructs a SessionManager. rememberTTL applies to
// sessions opened with "remember me".
func NewSessionManager(client *redis.Client, cookieName string, secret string, ttl, rememberTTL time.Duration, secure bool) *SessionManager {
	if rememberTTL < ttl {
		rememberTTL = ttl
	}
	return &SessionManager{
		client:      client,
		cookieName:  cookieName,
		ttl:         ttl,
		rememberTTL: rememberTTL,
		secure:      secure,
		secret:      []byte(secret),
	}
}

// Load loads or creates a new session for request.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return sm.newSession(), nil
		}
		return nil, err
	}

	payload, err := sm.client.Get(ctx, sm.redisKey(cookie.Value)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sm.newSession(), nil
		}
		return nil, err
	}

	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}

	sess := sm.newSession()
	sess.ID = cookie.Value
	sess.userID = stored.UserID
	sess.role = stored.Role
	sess.rememberMe = stored.RememberMe
	sess.issuedAt = stored.IssuedAt
	sess.isNew = false
	sess.dirty = false
	return sess, nil
}

// Commit persists the session and writes cookie headers as needed.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess == nil {
		return nil
	}

	if sess.destroyed {
		if err := sm.client.Del(ctx, sm.redisKey(sess.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if sess.userID != 0 {
			if err := sm.client.SRem(ctx, sm.userKey(sess.userID), sess.ID).Err(); err != nil {
				return err
			}
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteStrictMode,
		})
		return nil
	}

	// Anonymous sessions are never persisted.
	if sess.userID == 0 {
		return nil
	}

	ttl := sm.ttlFor(sess)
	if sess.dirty || sess.isNew {
		data, err := json.Marshal(sessionPayload{UserID: sess.userID, Role: sess.role, RememberMe: sess.rememberMe, IssuedAt: sess.issuedAt})
		if err != nil {
			return err
		}
		_, err = sm.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sm.redisKey(sess.ID), data, ttl)
			pipe.SAdd(ctx, sm.userKey(sess.userID), sess.ID)
			pipe.Expire(ctx, sm.userKey(sess.userID), sm.rememberTTL)
			return nil
		})
		if err != nil {
			return err
		}
		sess.dirty = false
		sess.isNew = false
	} else {
		_, err := sm.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Expire(ctx, sm.redisKey(sess.ID), ttl)
			pipe.Expire(ctx, sm.userKey(sess.userID), sm.rememberTTL)
			return nil
		})
		if err != nil {
			return err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(ttl),
	})
	return nil
}

// Destroy marks the session for deletion.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess == nil {
		return
	}
	sess.destroyed = true
}

// RevokeUser deletes every stored session of userID. Their cookies resolve to
// anonymous sessions from the next request on.
func (sm *SessionManager) RevokeUser(ctx context.Context, userID int64) (int, error) {
	index := sm.userKey(userID)
	ids, err := sm.client.SMembers(ctx, index).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sm.redisKey(id))
	}
	keys = append(keys, index)
	removed, err := sm.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	if removed > 0 && len(ids) > 0 {
		removed-- // the index itself
	}
	return int(removed), nil
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

func (sm *SessionManager) ttlFor(sess *Session) time.Duration {
	if sess.rememberMe {
		return sm.rememberTTL
	}
	return sm.ttl
}

// SignIn binds the session to an authenticated principal and rotates its ID.
func (s *Session) SignIn(p Principal, at time.Time) {
	s.ID = s.manager.generateSessionID()
	s.userID = p.UserID
	s.role = p.Role.String()
	s.rememberMe = p.RememberMe
	s.issuedAt = at
	s.isNew = true
	s.dirty = true
}

// Principal returns the signed-in actor; ok is false for anonymous or
// corrupted sessions.
func (s *Session) Principal() (Principal, bool) {
	if s == nil || s.userID == 0 || s.destroyed {
		return Principal{}, false
	}
	role, err := ParseRole(s.role)
	if err != nil {
		return Principal{}, false
	}
	return Principal{UserID: s.userID, Role: role, RememberMe: s.rememberMe}, true
}

// IssuedAt returns when the session was signed in.
func (s *Session) IssuedAt() time.Time {
	return s.issuedAt
}

func (sm *SessionManager) newSession() *Session {
	return &Session{
		ID:      sm.generateSessionID(),
		manager: sm,
		isNew:   true,
	}
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}

func (sm *SessionManager) userKey(userID int64) string {
	return "session:user:" + strconv.FormatInt(userID, 10)
}

func (sm *SessionManager) generateSessionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	if len(sm.secret) > 0 {
		for i := range b {
			b[i] ^= sm.secret[i%len(sm.secret)]
		}
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

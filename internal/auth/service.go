package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
	"github.com/odyssey-erp/fiscaldesk/internal/users"
)

// Auditor records sign-ins and sign-outs in the audit ledger.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo    Repository
	auditor Auditor
	now     func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// SetAuditor installs the audit ledger.
func (s *Service) SetAuditor(a Auditor) {
	s.auditor = a
}

// Authenticate validates email/password credentials. Unknown, inactive and
// mismatched accounts all yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (users.User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return users.User{}, shared.ErrInvalidCredentials
		}
		return users.User{}, shared.Persistence("auth: find user", err)
	}
	if !user.IsActive {
		return users.User{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return users.User{}, shared.ErrInvalidCredentials
	}
	if !user.Role.Valid() {
		return users.User{}, fmt.Errorf("auth: user %d has no role: %w", user.ID, shared.ErrForbidden)
	}
	return user, nil
}

// RegisterSession persists the session metadata in postgres and audits the
// sign-in. The session id is a bearer secret and never reaches the ledger.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, ttl time.Duration, ip, ua string) error {
	now := s.now().UTC()
	err := s.repo.CreateSession(ctx, SessionRecord{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		IP:        ip,
		UserAgent: ua,
	})
	if err != nil {
		return err
	}
	return s.record(ctx, audit.ActionInsert, userID, now, fmt.Sprintf("signed in, idle window %s", ttl))
}

// RemoveSession deletes a session record from postgres and audits the
// sign-out.
func (s *Service) RemoveSession(ctx context.Context, id string, userID int64) error {
	if err := s.repo.DeleteSession(ctx, id); err != nil {
		return err
	}
	return s.record(ctx, audit.ActionDelete, userID, s.now().UTC(), "signed out")
}

func (s *Service) record(ctx context.Context, action audit.Action, userID int64, at time.Time, description string) error {
	if s.auditor == nil {
		return nil
	}
	_, err := s.auditor.Append(ctx, audit.Entry{
		TableName:   "user_sessions",
		Action:      action,
		RecordID:    strconv.FormatInt(userID, 10),
		PerformedBy: audit.Actor(userID),
		Timestamp:   at,
		Description: description,
	})
	return err
}

package users

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	ChangeRole(ctx context.Context, userID int64, role shared.Role, entry audit.Entry) error
}

// SessionRevoker drops every live session of a user.
type SessionRevoker interface {
	RevokeUser(ctx context.Context, userID int64) (int, error)
}

// Service handles user business logic.
type Service struct {
	repo     RepositoryPort
	sessions SessionRevoker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// SetSessionRevoker installs the session store consulted on role changes.
func (s *Service) SetSessionRevoker(r SessionRevoker) {
	s.sessions = r
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, db.Classify("users: list", err)
	}
	return users, nil
}

// ChangeRole migrates a user to another role. Invoices the user created keep
// the role recorded at creation. The user's sessions carry the old role and
// are revoked once the change commits, so the next request must sign in again.
// Repeating a change is not audited again but does revoke again, which
// recovers from a failed revocation.
func (s *Service) ChangeRole(ctx context.Context, actor shared.Principal, userID int64, role shared.Role) (User, error) {
	if !actor.Role.CanManageUsers() {
		return User{}, fmt.Errorf("users: change role: %w", shared.ErrForbidden)
	}
	if !role.Valid() {
		return User{}, shared.Validation("role", "is invalid")
	}
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return User{}, db.Classify("users: change role", err)
	}
	if user.Role != role {
		entry := audit.Entry{
			TableName:   "users",
			Action:      audit.ActionUpdate,
			RecordID:    strconv.FormatInt(userID, 10),
			PerformedBy: audit.Actor(actor.UserID),
			Timestamp:   s.now().UTC(),
			Description: fmt.Sprintf("role changed from %s to %s", user.Role, role),
		}
		if err := s.repo.ChangeRole(ctx, userID, role, entry); err != nil {
			return User{}, db.Classify("users: change role", err)
		}
		user.Role = role
		s.logger.Info("user role changed", slog.Int64("user_id", userID), slog.String("role", role.String()), slog.Int64("actor_id", actor.UserID))
	}
	if s.sessions == nil {
		return user, nil
	}
	revoked, err := s.sessions.RevokeUser(ctx, userID)
	if err != nil {
		s.logger.Error("revoke sessions after role change", slog.Int64("user_id", userID), slog.Any("error", err))
		return user, shared.Persistence("users: revoke sessions", err)
	}
	if revoked > 0 {
		s.logger.Info("user sessions revoked", slog.Int64("user_id", userID), slog.Int("count", revoked))
	}
	return user, nil
}

package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service is the append-only audit ledger.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService membuat service audit baru.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Append writes one entry outside any other transaction. Components that
// change state write their entry through Insert on their own transaction.
func (s *Service) Append(ctx context.Context, e Entry) (Entry, error) {
	if s.repo == nil {
		return Entry{}, errors.New("audit: repository not configured")
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	written, err := s.repo.Append(ctx, e)
	if err != nil {
		return Entry{}, shared.Persistence("audit: append", err)
	}
	return written, nil
}

// Query mengambil data audit dengan paging.
func (s *Service) Query(ctx context.Context, filters Filters) (Result, error) {
	if s.repo == nil {
		return Result{}, errors.New("audit: repository not configured")
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.From.After(filters.To) {
		return Result{}, shared.Validation("range", "from must not be after to")
	}
	if filters.Action != "" && !filters.Action.Valid() {
		return Result{}, shared.Validation("action", "is invalid")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.List(ctx, ListParams{
		From:        filters.From,
		To:          filters.To,
		Table:       filters.Table,
		Action:      filters.Action,
		PerformedBy: filters.PerformedBy,
		Offset:      (page - 1) * pageSize,
		Limit:       pageSize + 1,
	})
	if err != nil {
		return Result{}, shared.Persistence("audit: query", err)
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []Entry{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Purge clears the ledger. Only administrators may do so, and the purge
// itself is recorded as the first row of the new ledger.
func (s *Service) Purge(ctx context.Context, actor shared.Principal) (int64, error) {
	if s.repo == nil {
		return 0, errors.New("audit: repository not configured")
	}
	if !actor.Role.CanPurgeAudit() {
		return 0, fmt.Errorf("audit: purge: %w", shared.ErrForbidden)
	}
	at := s.now().UTC()
	_, deleted, err := s.repo.Purge(ctx, func(deleted int64) Entry {
		return Entry{
			TableName:   "audit_logs",
			Action:      ActionDelete,
			RecordID:    "*",
			PerformedBy: Actor(actor.UserID),
			Timestamp:   at,
			Description: fmt.Sprintf("purged %d audit entries", deleted),
		}
	})
	if err != nil {
		return 0, shared.Persistence("audit: purge", err)
	}
	s.logger.Warn("audit ledger purged", slog.Int64("actor_id", actor.UserID), slog.Int64("deleted", deleted))
	return deleted, nil
}

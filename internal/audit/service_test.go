package audit

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

type memoryRepo struct {
	entries    []Entry
	nextID     int64
	lastParams ListParams
	failWith   error
}

func (r *memoryRepo) Append(_ context.Context, e Entry) (Entry, error) {
	if r.failWith != nil {
		return Entry{}, r.failWith
	}
	r.nextID++
	e.ID = r.nextID
	r.entries = append(r.entries, e)
	return e, nil
}

func (r *memoryRepo) List(_ context.Context, params ListParams) ([]Entry, error) {
	r.lastParams = params
	matched := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !params.From.IsZero() && e.Timestamp.Before(params.From) {
			continue
		}
		if !params.To.IsZero() && !e.Timestamp.Before(params.To) {
			continue
		}
		if params.Table != "" && e.TableName != params.Table {
			continue
		}
		if params.Action != "" && e.Action != params.Action {
			continue
		}
		if params.PerformedBy > 0 && (e.PerformedBy == nil || *e.PerformedBy != params.PerformedBy) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if params.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[params.Offset:]
	if len(matched) > params.Limit {
		matched = matched[:params.Limit]
	}
	return matched, nil
}

func (r *memoryRepo) Purge(ctx context.Context, record func(int64) Entry) (Entry, int64, error) {
	deleted := int64(len(r.entries))
	r.entries = nil
	e, err := r.Append(ctx, record(deleted))
	return e, deleted, err
}

var fixedNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestService(repo *memoryRepo) *Service {
	svc := NewService(repo, nil)
	svc.WithNow(func() time.Time { return fixedNow })
	return svc
}

func seed(t *testing.T, svc *Service, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.Append(context.Background(), Entry{
			TableName: "invoices",
			Action:    ActionUpdate,
			RecordID:  "1",
			Timestamp: fixedNow.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func TestAppendStampsTimestamp(t *testing.T) {
	repo := &memoryRepo{}
	svc := newTestService(repo)
	e, err := svc.Append(context.Background(), Entry{TableName: "fiscal_years", Action: ActionUpdate, RecordID: "2025"})
	require.NoError(t, err)
	require.Equal(t, fixedNow, e.Timestamp)
	require.Len(t, repo.entries, 1)
}

func TestAppendRejectsInvalidEntry(t *testing.T) {
	repo := &memoryRepo{}
	svc := newTestService(repo)

	_, err := svc.Append(context.Background(), Entry{Action: ActionInsert})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Append(context.Background(), Entry{TableName: "invoices", Action: "TRUNCATE"})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, repo.entries)
}

func TestAppendWrapsStoreFailure(t *testing.T) {
	cause := errors.New("connection reset")
	svc := newTestService(&memoryRepo{failWith: cause})
	_, err := svc.Append(context.Background(), Entry{TableName: "invoices", Action: ActionInsert})
	require.ErrorIs(t, err, shared.ErrPersistence)
	require.ErrorIs(t, err, cause)
}

func TestQueryPaging(t *testing.T) {
	repo := &memoryRepo{}
	svc := newTestService(repo)
	seed(t, svc, 5)

	result, err := svc.Query(context.Background(), Filters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)
	require.Equal(t, 3, repo.lastParams.Limit)
	require.Equal(t, 0, repo.lastParams.Offset)

	result, err = svc.Query(context.Background(), Filters{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.False(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.PrevPage)
	require.Equal(t, 4, repo.lastParams.Offset)
}

func TestQueryPageSizeDefaultsAndClamp(t *testing.T) {
	repo := &memoryRepo{}
	svc := newTestService(repo)

	result, err := svc.Query(context.Background(), Filters{})
	require.NoError(t, err)
	require.Equal(t, defaultPageSize, result.Paging.PageSize)
	require.Equal(t, defaultPageSize+1, repo.lastParams.Limit)
	require.NotNil(t, result.Rows)

	result, err = svc.Query(context.Background(), Filters{PageSize: 1000})
	require.NoError(t, err)
	require.Equal(t, maxPageSize, result.Paging.PageSize)
}

func TestQueryFilters(t *testing.T) {
	repo := &memoryRepo{}
	svc := newTestService(repo)
	seed(t, svc, 3)
	_, err := svc.Append(context.Background(), Entry{TableName: "fiscal_years", Action: ActionInsert, RecordID: "2026", PerformedBy: Actor(9)})
	require.NoError(t, err)

	result, err := svc.Query(context.Background(), Filters{Table: "fiscal_years"})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)

	result, err = svc.Query(context.Background(), Filters{PerformedBy: 9, Action: ActionInsert})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, "2026", result.Rows[0].RecordID)

	_, err = svc.Query(context.Background(), Filters{From: fixedNow, To: fixedNow.Add(-time.Hour)})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPurgeRequiresAdmin(t *testing.T) {
	repo := &memoryRepo{}
	svc := newTestService(repo)
	seed(t, svc, 2)

	_, err := svc.Purge(context.Background(), shared.Principal{UserID: 4, Role: shared.RoleDfcAgent})
	require.ErrorIs(t, err, shared.ErrForbidden)
	require.Len(t, repo.entries, 2)
}

func TestPurgeRecordsItself(t *testing.T) {
	repo := &memoryRepo{}
	svc := newTestService(repo)
	seed(t, svc, 3)

	deleted, err := svc.Purge(context.Background(), shared.Principal{UserID: 1, Role: shared.RoleAdmin})
	require.NoError(t, err)
	require.Equal(t, int64(3), deleted)
	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]
	require.Equal(t, ActionDelete, entry.Action)
	require.Equal(t, "audit_logs", entry.TableName)
	require.NotNil(t, entry.PerformedBy)
	require.Equal(t, int64(1), *entry.PerformedBy)
	require.Contains(t, entry.Description, "3")
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" update ")
	require.NoError(t, err)
	require.Equal(t, ActionUpdate, a)
	_, err = ParseAction("drop")
	require.ErrorIs(t, err, shared.ErrValidation)
}

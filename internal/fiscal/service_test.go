package fiscal

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	"github.com/odyssey-erp/fiscaldesk/internal/sequence"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

type memoryState struct {
	years    map[string]Year
	counters map[sequence.Key]sequence.Counter
	audits   []audit.Entry
}

func (s memoryState) clone() memoryState {
	return memoryState{
		years:    maps.Clone(s.years),
		counters: maps.Clone(s.counters),
		audits:   slices.Clone(s.audits),
	}
}

// memoryRepo publishes a transaction's writes only when fn succeeds.
type memoryRepo struct {
	mu           sync.Mutex
	state        memoryState
	failAudit    error
	lockConflict bool
}

type memoryTx struct {
	repo  *memoryRepo
	state *memoryState
}

func newMemoryRepo(current Year) *memoryRepo {
	return &memoryRepo{state: memoryState{
		years:    map[string]Year{current.Value: current},
		counters: make(map[sequence.Key]sequence.Counter),
	}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r, state: &work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) Current(context.Context) (Year, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return currentOf(r.state)
}

func (r *memoryRepo) List(context.Context) ([]Year, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Year, 0, len(r.state.years))
	for _, k := range slices.Sorted(maps.Keys(r.state.years)) {
		out = append(out, r.state.years[k])
	}
	return out, nil
}

func (r *memoryRepo) Counter(_ context.Context, key sequence.Key) (sequence.Counter, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.state.counters[key]
	return c, ok, nil
}

func (r *memoryRepo) snapshot() memoryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func currentOf(s memoryState) (Year, error) {
	for _, y := range s.years {
		if y.Status == StatusCurrent {
			return y, nil
		}
	}
	return Year{}, shared.ErrNotFound
}

func (t *memoryTx) Current(context.Context) (Year, error) { return currentOf(*t.state) }

func (t *memoryTx) LockCurrent(ctx context.Context) (Year, error) {
	if t.repo.lockConflict {
		return Year{}, &pgconn.PgError{Code: "55P03"}
	}
	return t.Current(ctx)
}

func (t *memoryTx) CurrentShared(ctx context.Context) (Year, error) { return t.Current(ctx) }

func (t *memoryTx) Get(_ context.Context, value string) (Year, bool, error) {
	y, ok := t.state.years[value]
	return y, ok, nil
}

func (t *memoryTx) Insert(_ context.Context, y Year) error {
	if _, ok := t.state.years[y.Value]; ok {
		return &pgconn.PgError{Code: "23505"}
	}
	t.state.years[y.Value] = y
	return nil
}

func (t *memoryTx) SetAutoSwitch(_ context.Context, value string, enabled bool) error {
	y := t.state.years[value]
	y.AutoSwitchEnabled = enabled
	t.state.years[value] = y
	return nil
}

func (t *memoryTx) MarkPast(_ context.Context, value string, at time.Time) error {
	y, ok := t.state.years[value]
	if !ok || y.Status != StatusCurrent {
		return shared.ErrConcurrencyConflict
	}
	y.Status = StatusPast
	y.AutoSwitchEnabled = false
	y.ClosedAt = &at
	t.state.years[value] = y
	return nil
}

func (t *memoryTx) Activate(_ context.Context, y Year) error {
	for v, other := range t.state.years {
		if v != y.Value && other.Status == StatusCurrent {
			return &pgconn.PgError{Code: "23505"}
		}
	}
	t.state.years[y.Value] = y
	return nil
}

func (t *memoryTx) LockCounter(_ context.Context, key sequence.Key) (sequence.Counter, bool, error) {
	c, ok := t.state.counters[key]
	return c, ok, nil
}

func (t *memoryTx) ArmCounters(_ context.Context, fiscalYear string, entityTypes []string, limits sequence.Limits) error {
	for _, et := range entityTypes {
		key := sequence.Key{EntityType: et, FiscalYear: fiscalYear}
		if _, ok := t.state.counters[key]; !ok {
			t.state.counters[key] = sequence.NewCounter(key, limits)
		}
	}
	return nil
}

func (t *memoryTx) IssueNumber(_ context.Context, key sequence.Key, limits sequence.Limits) (sequence.Counter, error) {
	c, ok := t.state.counters[key]
	if !ok {
		c = sequence.NewCounter(key, limits)
	}
	next, err := c.Next()
	if err != nil {
		return sequence.Counter{}, err
	}
	t.state.counters[key] = next
	return next, nil
}

func (t *memoryTx) AppendAudit(_ context.Context, e audit.Entry) error {
	if t.repo.failAudit != nil {
		return t.repo.failAudit
	}
	if err := e.Validate(); err != nil {
		return err
	}
	t.state.audits = append(t.state.audits, e)
	return nil
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func year2025(auto bool) Year {
	return Year{
		Value:               "2025",
		Status:              StatusCurrent,
		AutoSwitchEnabled:   auto,
		TransitionThreshold: DefaultTransitionThreshold,
		MaxSequence:         sequence.DefaultMax,
		Padding:             sequence.DefaultPadding,
		CanActivate:         true,
	}
}

func newTestManager(t *testing.T, repo *memoryRepo) *Manager {
	t.Helper()
	m, err := NewManager(repo, Config{EntityTypes: []string{"invoice", "credit_note"}}, nil)
	require.NoError(t, err)
	m.WithNow(func() time.Time { return testNow })
	return m
}

func registerFuture(t *testing.T, repo *memoryRepo, value string, canActivate bool) {
	t.Helper()
	repo.state.years[value] = Year{
		Value:               value,
		Status:              StatusFuture,
		TransitionThreshold: DefaultTransitionThreshold,
		MaxSequence:         sequence.DefaultMax,
		Padding:             sequence.DefaultPadding,
		CanActivate:         canActivate,
	}
}

func TestSwitchToBlockedWhileAutoSwitchEnabled(t *testing.T) {
	repo := newMemoryRepo(year2025(true))
	registerFuture(t, repo, "2026", true)
	m := newTestManager(t, repo)

	for _, target := range []string{"2026", "2025", "1999", "", "not-a-year"} {
		_, err := m.SwitchTo(context.Background(), target, 1)
		require.ErrorIs(t, err, shared.ErrManualSwitchBlocked, "target %q", target)
	}
	cur, err := m.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2025", cur.Value)
}

func TestSwitchToActivatesTargetWithFreshCounters(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	registerFuture(t, repo, "2026", true)
	m := newTestManager(t, repo)
	ctx := context.Background()

	_, err := m.IssueNumber(ctx, "invoice")
	require.NoError(t, err)

	res, err := m.SwitchTo(ctx, "2026", 7)
	require.NoError(t, err)
	require.True(t, res.Switched)
	require.Equal(t, "2025", res.From)
	require.Equal(t, ModeManual, res.Mode)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "2026", st.FiscalYear)
	require.Equal(t, sequence.DefaultMax, st.Remaining)
	for _, c := range st.Counters {
		require.Equal(t, c.Max, c.Remaining, c.EntityType)
		require.Zero(t, c.LastNumber)
	}

	state := repo.snapshot()
	require.Equal(t, StatusPast, state.years["2025"].Status)
	require.NotNil(t, state.years["2025"].ClosedAt)
	current := 0
	for _, y := range state.years {
		if y.Status == StatusCurrent {
			current++
		}
	}
	require.Equal(t, 1, current)
	for _, et := range []string{"invoice", "credit_note"} {
		_, ok := state.counters[sequence.Key{EntityType: et, FiscalYear: "2026"}]
		require.True(t, ok, "counter armed for %s", et)
	}
	last := state.audits[len(state.audits)-1]
	require.Equal(t, "fiscal_years", last.TableName)
	require.Equal(t, "2026", last.RecordID)
	require.Equal(t, int64(7), *last.PerformedBy)
}

func TestSwitchRejectsTargetWithIssuedNumbers(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	registerFuture(t, repo, "2026", true)
	key := sequence.Key{EntityType: "invoice", FiscalYear: "2026"}
	used := sequence.NewCounter(key, sequence.DefaultLimits())
	used.LastIssued = 5
	repo.state.counters[key] = used
	m := newTestManager(t, repo)
	ctx := context.Background()

	_, err := m.SwitchTo(ctx, "2026", 1)
	require.ErrorIs(t, err, shared.ErrInvalidTarget)

	state := repo.snapshot()
	require.Equal(t, StatusCurrent, state.years["2025"].Status)
	require.Equal(t, 5, state.counters[key].LastIssued)
	require.Empty(t, state.audits)
}

func TestSwitchAcceptsTargetWithArmedZeroCounters(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	registerFuture(t, repo, "2026", true)
	key := sequence.Key{EntityType: "invoice", FiscalYear: "2026"}
	repo.state.counters[key] = sequence.NewCounter(key, sequence.DefaultLimits())
	m := newTestManager(t, repo)

	res, err := m.SwitchTo(context.Background(), "2026", 1)
	require.NoError(t, err)
	require.True(t, res.Switched)
	remaining, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, sequence.DefaultMax, remaining.Remaining)
}

func TestIssueNumberInOnlyServesCurrentYear(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	registerFuture(t, repo, "2026", true)
	repo.state.years["2024"] = Year{Value: "2024", Status: StatusPast, CanActivate: true, MaxSequence: 9999, Padding: 4}
	m := newTestManager(t, repo)
	ctx := context.Background()

	for _, year := range []string{"2026", "2024", "2031"} {
		_, err := m.IssueNumberIn(ctx, "invoice", year)
		require.ErrorIs(t, err, shared.ErrStaleFiscalYear, "year %s", year)
	}
	require.Empty(t, repo.snapshot().counters)

	_, err := m.IssueNumberIn(ctx, "invoice", " ")
	require.ErrorIs(t, err, shared.ErrValidation)

	issued, err := m.IssueNumberIn(ctx, "invoice", "2025")
	require.NoError(t, err)
	require.Equal(t, Issued{EntityType: "invoice", FiscalYear: "2025", Number: "0001"}, issued)

	res, err := m.SwitchTo(ctx, "2026", 1)
	require.NoError(t, err)
	require.True(t, res.Switched)
}

func TestSwitchToCurrentIsNoOp(t *testing.T) {
	m := newTestManager(t, newMemoryRepo(year2025(false)))
	_, err := m.SwitchTo(context.Background(), "2025", 1)
	require.ErrorIs(t, err, shared.ErrNoOpSwitch)
}

func TestSwitchToRejectsIneligibleTargets(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	registerFuture(t, repo, "2027", false)
	repo.state.years["2024"] = Year{Value: "2024", Status: StatusPast, CanActivate: true, MaxSequence: 9999, Padding: 4}
	m := newTestManager(t, repo)

	for _, target := range []string{"2030", "2027", "2024", "  "} {
		_, err := m.SwitchTo(context.Background(), target, 1)
		require.ErrorIs(t, err, shared.ErrInvalidTarget, "target %q", target)
	}
	require.Empty(t, repo.snapshot().audits)
}

func TestSwitchRollsBackWhenAuditFails(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	registerFuture(t, repo, "2026", true)
	repo.failAudit = errors.New("disk full")
	m := newTestManager(t, repo)

	_, err := m.SwitchTo(context.Background(), "2026", 1)
	require.ErrorIs(t, err, shared.ErrPersistence)

	state := repo.snapshot()
	require.Equal(t, StatusCurrent, state.years["2025"].Status)
	require.Equal(t, StatusFuture, state.years["2026"].Status)
	require.Empty(t, state.counters)
}

func TestSwitchRowLockConflict(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	registerFuture(t, repo, "2026", true)
	repo.lockConflict = true
	m := newTestManager(t, repo)

	_, err := m.SwitchTo(context.Background(), "2026", 1)
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
}

func newRedisLocker(t *testing.T) (*RedisLocker, *redislock.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rl := redislock.New(client)
	return NewRedisLocker(rl), rl
}

func TestSwitchLosesToHeldLock(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	registerFuture(t, repo, "2026", true)
	m := newTestManager(t, repo)
	locker, rl := newRedisLocker(t)
	m.SetLocker(locker)
	ctx := context.Background()

	held, err := rl.Obtain(ctx, shared.FiscalSwitchLockKey, time.Minute, nil)
	require.NoError(t, err)

	_, err = m.SwitchTo(ctx, "2026", 1)
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	require.Equal(t, StatusCurrent, repo.snapshot().years["2025"].Status)

	require.NoError(t, held.Release(ctx))
	res, err := m.SwitchTo(ctx, "2026", 1)
	require.NoError(t, err)
	require.True(t, res.Switched)

	// The manager released its own lock.
	again, err := rl.Obtain(ctx, shared.FiscalSwitchLockKey, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestScheduledAutoSwitchIsIdempotent(t *testing.T) {
	repo := newMemoryRepo(year2025(true))
	m := newTestManager(t, repo)
	ctx := context.Background()
	boundary := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)

	res, err := m.ScheduledAutoSwitch(ctx, boundary)
	require.NoError(t, err)
	require.True(t, res.Switched)
	require.Equal(t, "2026", res.To)

	res, err = m.ScheduledAutoSwitch(ctx, boundary.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, res.Switched)

	state := repo.snapshot()
	require.Len(t, state.audits, 1)
	next := state.years["2026"]
	require.Equal(t, StatusCurrent, next.Status)
	require.True(t, next.AutoSwitchEnabled, "auto-switch carries over")
	require.Equal(t, 9999, next.MaxSequence)
	require.Nil(t, state.audits[0].PerformedBy)
}

func TestScheduledAutoSwitchNoOpCases(t *testing.T) {
	ctx := context.Background()

	off := newMemoryRepo(year2025(false))
	res, err := newTestManager(t, off).ScheduledAutoSwitch(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.False(t, res.Switched)
	require.Equal(t, StatusCurrent, off.snapshot().years["2025"].Status)

	earlier := newMemoryRepo(year2025(true))
	res, err = newTestManager(t, earlier).ScheduledAutoSwitch(ctx, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.False(t, res.Switched)
}

func TestScheduledAutoSwitchLoserReportsNoOpOnceApplied(t *testing.T) {
	repo := newMemoryRepo(year2025(true))
	m := newTestManager(t, repo)
	locker, rl := newRedisLocker(t)
	m.SetLocker(locker)
	ctx := context.Background()
	boundary := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)

	held, err := rl.Obtain(ctx, shared.FiscalSwitchLockKey, time.Minute, nil)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	// Winner still in flight: the loser sees a conflict.
	_, err = m.ScheduledAutoSwitch(ctx, boundary)
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	// Winner committed while the lock is still held.
	repo.mu.Lock()
	y := repo.state.years["2025"]
	y.Status = StatusPast
	repo.state.years["2025"] = y
	repo.state.years["2026"] = successor(year2025(true), "2026", boundary)
	repo.mu.Unlock()

	res, err := m.ScheduledAutoSwitch(ctx, boundary)
	require.NoError(t, err)
	require.False(t, res.Switched)
}

func TestSetAutoSwitchIsAudited(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	m := newTestManager(t, repo)

	y, err := m.SetAutoSwitch(context.Background(), true, 3)
	require.NoError(t, err)
	require.True(t, y.AutoSwitchEnabled)

	state := repo.snapshot()
	require.True(t, state.years["2025"].AutoSwitchEnabled)
	require.Len(t, state.audits, 1)
	require.Equal(t, audit.ActionUpdate, state.audits[0].Action)
	require.Equal(t, "auto-switch enabled", state.audits[0].Description)
}

func TestIssueNumber(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	m := newTestManager(t, repo)
	ctx := context.Background()

	issued, err := m.IssueNumber(ctx, "invoice")
	require.NoError(t, err)
	require.Equal(t, Issued{EntityType: "invoice", FiscalYear: "2025", Number: "0001"}, issued)

	issued, err = m.IssueNumber(ctx, "invoice")
	require.NoError(t, err)
	require.Equal(t, "0002", issued.Number)

	_, err = m.IssueNumber(ctx, "purchase_order")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestIssueNumberCapacity(t *testing.T) {
	y := year2025(false)
	y.MaxSequence = 2
	m := newTestManager(t, newMemoryRepo(y))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := m.IssueNumber(ctx, "invoice")
		require.NoError(t, err)
	}
	_, err := m.IssueNumber(ctx, "invoice")
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)
}

func TestStatusThresholdWarning(t *testing.T) {
	y := year2025(false)
	y.MaxSequence = 10
	y.TransitionThreshold = 3
	m := newTestManager(t, newMemoryRepo(y))
	ctx := context.Background()

	st, err := m.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, st.Remaining)
	require.False(t, st.ThresholdWarning)
	require.Len(t, st.Counters, 2)

	for i := 0; i < 7; i++ {
		_, err := m.IssueNumber(ctx, "invoice")
		require.NoError(t, err)
	}
	st, err = m.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, st.LastNumber)
	require.Equal(t, 3, st.Remaining)
	require.True(t, st.ThresholdWarning)
	require.False(t, st.Counters[1].ThresholdWarning)
}

func TestRegisterYearAndCandidates(t *testing.T) {
	repo := newMemoryRepo(year2025(false))
	m := newTestManager(t, repo)
	ctx := context.Background()

	y, err := m.RegisterYear(ctx, "2026", true, 1)
	require.NoError(t, err)
	require.Equal(t, StatusFuture, y.Status)
	_, err = m.RegisterYear(ctx, "2027", false, 1)
	require.NoError(t, err)

	_, err = m.RegisterYear(ctx, "2026", true, 1)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = m.RegisterYear(ctx, "2020", true, 1)
	require.ErrorIs(t, err, shared.ErrValidation)

	candidates, err := m.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "2026", candidates[0].Value)
	require.Len(t, repo.snapshot().audits, 2)
}

func TestNewManagerValidatesEntityTypes(t *testing.T) {
	_, err := NewManager(newMemoryRepo(year2025(false)), Config{}, nil)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = NewManager(newMemoryRepo(year2025(false)), Config{EntityTypes: []string{"Bad Type"}}, nil)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPrecedes(t *testing.T) {
	require.True(t, precedes("2025", "2026"))
	require.True(t, precedes("999", "2025"))
	require.False(t, precedes("2026", "2025"))
	require.True(t, precedes("FY24", "FY25"))
}

package sequence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// memoryStore applies Counter.Next under one mutex, the in-process analogue
// of the single upsert statement.
type memoryStore struct {
	mu       sync.Mutex
	counters map[Key]Counter
	failWith error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{counters: make(map[Key]Counter)}
}

func (s *memoryStore) Increment(_ context.Context, key Key, limits Limits) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return Counter{}, s.failWith
	}
	c, ok := s.counters[key]
	if !ok {
		c = NewCounter(key, limits)
	}
	next, err := c.Next()
	if err != nil {
		return Counter{}, err
	}
	s.counters[key] = next
	return next, nil
}

func (s *memoryStore) Get(_ context.Context, key Key) (Counter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	return c, ok, nil
}

func newTestGenerator(t *testing.T, store Store, limits Limits) *Generator {
	t.Helper()
	g, err := NewGenerator(store, limits, nil)
	require.NoError(t, err)
	return g
}

type countingObserver struct{ n int }

func (o *countingObserver) SequenceIssued(string) { o.n++ }

func TestGenerateNumberStrictlyIncreasingWithoutGaps(t *testing.T) {
	g := newTestGenerator(t, newMemoryStore(), DefaultLimits())
	obs := &countingObserver{}
	g.SetObserver(obs)
	for want := 1; want <= 50; want++ {
		got, err := g.GenerateNumber(context.Background(), "invoice", "2025")
		require.NoError(t, err)
		n, err := strconv.Atoi(got)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
	require.Equal(t, 50, obs.n)

	remaining, err := g.Remaining(context.Background(), "invoice", "2025")
	require.NoError(t, err)
	require.Equal(t, DefaultMax-50, remaining)
}

func TestCountersAreIndependentPerKey(t *testing.T) {
	g := newTestGenerator(t, newMemoryStore(), DefaultLimits())
	ctx := context.Background()

	a, err := g.GenerateNumber(ctx, "invoice", "2025")
	require.NoError(t, err)
	b, err := g.GenerateNumber(ctx, "invoice", "2026")
	require.NoError(t, err)
	c, err := g.GenerateNumber(ctx, "credit_note", "2025")
	require.NoError(t, err)
	require.Equal(t, []string{"0001", "0001", "0001"}, []string{a, b, c})
}

func TestCapacityExceededLeavesCounterUntouched(t *testing.T) {
	store := newMemoryStore()
	g := newTestGenerator(t, store, Limits{Max: 3, Padding: 2})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := g.GenerateNumber(ctx, "invoice", "2025")
		require.NoError(t, err)
	}

	_, err := g.GenerateNumber(ctx, "invoice", "2025")
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)
	_, err = g.GenerateNumber(ctx, "invoice", "2025")
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)

	c, ok, err := store.Get(ctx, Key{EntityType: "invoice", FiscalYear: "2025"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, c.LastIssued)

	remaining, err := g.Remaining(ctx, "invoice", "2025")
	require.NoError(t, err)
	require.Zero(t, remaining)
}

func TestFullYearScenario(t *testing.T) {
	g := newTestGenerator(t, newMemoryStore(), Limits{Max: 9999, Padding: 4})
	ctx := context.Background()

	var last string
	for i := 1; i <= 9999; i++ {
		n, err := g.GenerateNumber(ctx, "invoice", "2025")
		require.NoError(t, err)
		if i == 1 {
			require.Equal(t, "0001", n)
		}
		last = n
	}
	require.Equal(t, "9999", last)

	_, err := g.GenerateNumber(ctx, "invoice", "2025")
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)
}

func TestConcurrentIssuanceIsContiguous(t *testing.T) {
	const n = 100
	g := newTestGenerator(t, newMemoryStore(), DefaultLimits())

	results := make([]string, n)
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			num, err := g.GenerateNumber(context.Background(), "invoice", "2025")
			results[i] = num
			return err
		})
	}
	require.NoError(t, eg.Wait())

	ints := make([]int, n)
	for i, s := range results {
		v, err := strconv.Atoi(s)
		require.NoError(t, err)
		ints[i] = v
	}
	sort.Ints(ints)
	for i, v := range ints {
		require.Equal(t, i+1, v, "duplicate or gap at position %d", i)
	}
}

func TestRemainingForUnseenKeyIsFullCapacity(t *testing.T) {
	g := newTestGenerator(t, newMemoryStore(), Limits{Max: 500, Padding: 3})
	remaining, err := g.Remaining(context.Background(), "invoice", "2030")
	require.NoError(t, err)
	require.Equal(t, 500, remaining)
}

func TestGenerateNumberValidatesKey(t *testing.T) {
	g := newTestGenerator(t, newMemoryStore(), DefaultLimits())
	_, err := g.GenerateNumber(context.Background(), "Invoice!", "2025")
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = g.GenerateNumber(context.Background(), "invoice", " ")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestGenerateNumberWrapsStoreFailure(t *testing.T) {
	store := newMemoryStore()
	store.failWith = errors.New("connection refused")
	g := newTestGenerator(t, store, DefaultLimits())
	_, err := g.GenerateNumber(context.Background(), "invoice", "2025")
	require.ErrorIs(t, err, shared.ErrPersistence)
}

func TestNewGeneratorRejectsBadLimits(t *testing.T) {
	_, err := NewGenerator(newMemoryStore(), Limits{Max: 0, Padding: 4}, nil)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "0042", Format(42, 4))
	require.Equal(t, "12345", Format(12345, 4))
	require.Equal(t, "7", Format(7, 1))
}

package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// Store persists counters.
type Store interface {
	Increment(ctx context.Context, key Key, limits Limits) (Counter, error)
	Get(ctx context.Context, key Key) (Counter, bool, error)
}

// The first issuance inserts the row already at 1, which is the lazily created
// zero counter plus its first increment in one statement. When the counter is
// full the WHERE clause suppresses the update and no row is returned.
const incrementSQL = `INSERT INTO sequence_counters (entity_type, fiscal_year, last_number, max_number, padding)
VALUES ($1, $2, 1, $3, $4)
ON CONFLICT (entity_type, fiscal_year) DO UPDATE
SET last_number = sequence_counters.last_number + 1, updated_at = NOW()
WHERE sequence_counters.last_number < sequence_counters.max_number
RETURNING last_number, max_number, padding`

const armSQL = `INSERT INTO sequence_counters (entity_type, fiscal_year, last_number, max_number, padding)
VALUES ($1, $2, 0, $3, $4)
ON CONFLICT (entity_type, fiscal_year) DO NOTHING`

const getSQL = `SELECT last_number, max_number, padding FROM sequence_counters
WHERE entity_type = $1 AND fiscal_year = $2`

// Increment issues the next number for key on q. Run it on the transaction
// that persists the numbered document so a rollback returns the number.
func Increment(ctx context.Context, q db.Querier, key Key, limits Limits) (Counter, error) {
	c := Counter{Key: key}
	err := q.QueryRow(ctx, incrementSQL, key.EntityType, key.FiscalYear, limits.Max, limits.Padding).
		Scan(&c.LastIssued, &c.Max, &c.Padding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counter{}, fmt.Errorf("sequence %s/%s: %w", key.EntityType, key.FiscalYear, shared.ErrCapacityExceeded)
		}
		return Counter{}, fmt.Errorf("sequence: increment: %w", err)
	}
	return c, nil
}

// Arm creates zeroed counters for every entity type of fiscalYear. Existing
// counters are left alone so issued numbers are never handed out twice.
func Arm(ctx context.Context, q db.Querier, fiscalYear string, entityTypes []string, limits Limits) error {
	for _, et := range entityTypes {
		if _, err := q.Exec(ctx, armSQL, et, fiscalYear, limits.Max, limits.Padding); err != nil {
			return fmt.Errorf("sequence: arm %s/%s: %w", et, fiscalYear, err)
		}
	}
	return nil
}

// Load reads the counter for key on q.
func Load(ctx context.Context, q db.Querier, key Key) (Counter, bool, error) {
	return load(ctx, q, getSQL, key)
}

// LoadForUpdate reads the counter for key and holds its row lock until q's
// transaction ends.
func LoadForUpdate(ctx context.Context, q db.Querier, key Key) (Counter, bool, error) {
	return load(ctx, q, getSQL+` FOR UPDATE`, key)
}

func load(ctx context.Context, q db.Querier, query string, key Key) (Counter, bool, error) {
	c := Counter{Key: key}
	err := q.QueryRow(ctx, query, key.EntityType, key.FiscalYear).Scan(&c.LastIssued, &c.Max, &c.Padding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counter{}, false, nil
		}
		return Counter{}, false, fmt.Errorf("sequence: load: %w", err)
	}
	return c, true, nil
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore returns the Postgres counter store. Each call runs as its own
// autocommit statement.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Increment(ctx context.Context, key Key, limits Limits) (Counter, error) {
	return Increment(ctx, s.pool, key, limits)
}

func (s *pgStore) Get(ctx context.Context, key Key) (Counter, bool, error) {
	return Load(ctx, s.pool, key)
}

package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
	"github.com/odyssey-erp/fiscaldesk/internal/sequence"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// Repository exposes fiscal year persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Current(ctx context.Context) (Year, error)
	List(ctx context.Context) ([]Year, error)
	Counter(ctx context.Context, key sequence.Key) (sequence.Counter, bool, error)
}

// TxRepository is the transactional surface used by the manager.
type TxRepository interface {
	Current(ctx context.Context) (Year, error)
	// LockCurrent takes the current row FOR UPDATE NOWAIT; a concurrent
	// holder surfaces as shared.ErrConcurrencyConflict.
	LockCurrent(ctx context.Context) (Year, error)
	// CurrentShared takes the current row FOR SHARE so readers block a switch
	// until they commit.
	CurrentShared(ctx context.Context) (Year, error)
	Get(ctx context.Context, value string) (Year, bool, error)
	Insert(ctx context.Context, y Year) error
	SetAutoSwitch(ctx context.Context, value string, enabled bool) error
	MarkPast(ctx context.Context, value string, at time.Time) error
	Activate(ctx context.Context, y Year) error
	// LockCounter reads a counter FOR UPDATE so no number can be issued
	// between the check and the switch commit.
	LockCounter(ctx context.Context, key sequence.Key) (sequence.Counter, bool, error)
	ArmCounters(ctx context.Context, fiscalYear string, entityTypes []string, limits sequence.Limits) error
	IssueNumber(ctx context.Context, key sequence.Key, limits sequence.Limits) (sequence.Counter, error)
	AppendAudit(ctx context.Context, e audit.Entry) error
}

const yearColumns = `value, status, auto_switch_enabled, transition_threshold, max_sequence, padding, can_activate, activated_at, closed_at`

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the Postgres repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// WithTx runs fn at READ COMMITTED: every contended row is explicitly locked,
// and counter increments must queue rather than abort.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

func (r *pgRepository) Current(ctx context.Context) (Year, error) {
	return queryCurrent(ctx, r.pool, "")
}

func (r *pgRepository) List(ctx context.Context) ([]Year, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+yearColumns+` FROM fiscal_years ORDER BY value`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var years []Year
	for rows.Next() {
		y, err := scanYear(rows)
		if err != nil {
			return nil, err
		}
		years = append(years, y)
	}
	return years, rows.Err()
}

func (r *pgRepository) Counter(ctx context.Context, key sequence.Key) (sequence.Counter, bool, error) {
	return sequence.Load(ctx, r.pool, key)
}

// CurrentForShare reads the current year FOR SHARE on q. Other components'
// transactions use it to pin the period while they act on it.
func CurrentForShare(ctx context.Context, q db.Querier) (Year, error) {
	return queryCurrent(ctx, q, " FOR SHARE")
}

func queryCurrent(ctx context.Context, q db.Querier, suffix string) (Year, error) {
	row := q.QueryRow(ctx, `SELECT `+yearColumns+` FROM fiscal_years WHERE status = 'current'`+suffix)
	y, err := scanYear(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Year{}, fmt.Errorf("fiscal: current year: %w", shared.ErrNotFound)
		}
		return Year{}, err
	}
	return y, nil
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (t *pgTxRepository) Current(ctx context.Context) (Year, error) {
	return queryCurrent(ctx, t.tx, "")
}

func (t *pgTxRepository) LockCurrent(ctx context.Context) (Year, error) {
	y, err := queryCurrent(ctx, t.tx, " FOR UPDATE NOWAIT")
	if err != nil && db.IsConflict(err) {
		return Year{}, fmt.Errorf("fiscal: current year locked: %w: %w", shared.ErrConcurrencyConflict, err)
	}
	return y, err
}

func (t *pgTxRepository) CurrentShared(ctx context.Context) (Year, error) {
	return CurrentForShare(ctx, t.tx)
}

func (t *pgTxRepository) Get(ctx context.Context, value string) (Year, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+yearColumns+` FROM fiscal_years WHERE value = $1 FOR UPDATE`, value)
	y, err := scanYear(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Year{}, false, nil
		}
		return Year{}, false, err
	}
	return y, true, nil
}

func (t *pgTxRepository) Insert(ctx context.Context, y Year) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO fiscal_years (`+yearColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		y.Value, string(y.Status), y.AutoSwitchEnabled, y.TransitionThreshold, y.MaxSequence, y.Padding,
		y.CanActivate, toPgTime(y.ActivatedAt), toPgTime(y.ClosedAt))
	return err
}

func (t *pgTxRepository) SetAutoSwitch(ctx context.Context, value string, enabled bool) error {
	_, err := t.tx.Exec(ctx, `UPDATE fiscal_years SET auto_switch_enabled = $2, updated_at = NOW() WHERE value = $1`, value, enabled)
	return err
}

func (t *pgTxRepository) MarkPast(ctx context.Context, value string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE fiscal_years SET status = 'past', auto_switch_enabled = FALSE, closed_at = $2, updated_at = NOW()
WHERE value = $1 AND status = 'current'`, value, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("fiscal: %s is no longer current: %w", value, shared.ErrConcurrencyConflict)
	}
	return nil
}

// Activate upserts y as the current year. The partial unique index on
// status = 'current' rejects a second current row.
func (t *pgTxRepository) Activate(ctx context.Context, y Year) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO fiscal_years (`+yearColumns+`)
VALUES ($1, 'current', $2, $3, $4, $5, TRUE, $6, NULL)
ON CONFLICT (value) DO UPDATE SET
	status = 'current',
	auto_switch_enabled = EXCLUDED.auto_switch_enabled,
	transition_threshold = EXCLUDED.transition_threshold,
	max_sequence = EXCLUDED.max_sequence,
	padding = EXCLUDED.padding,
	activated_at = EXCLUDED.activated_at,
	closed_at = NULL,
	updated_at = NOW()`,
		y.Value, y.AutoSwitchEnabled, y.TransitionThreshold, y.MaxSequence, y.Padding, toPgTime(y.ActivatedAt))
	return err
}

func (t *pgTxRepository) LockCounter(ctx context.Context, key sequence.Key) (sequence.Counter, bool, error) {
	return sequence.LoadForUpdate(ctx, t.tx, key)
}

func (t *pgTxRepository) ArmCounters(ctx context.Context, fiscalYear string, entityTypes []string, limits sequence.Limits) error {
	return sequence.Arm(ctx, t.tx, fiscalYear, entityTypes, limits)
}

func (t *pgTxRepository) IssueNumber(ctx context.Context, key sequence.Key, limits sequence.Limits) (sequence.Counter, error) {
	return sequence.Increment(ctx, t.tx, key, limits)
}

func (t *pgTxRepository) AppendAudit(ctx context.Context, e audit.Entry) error {
	_, err := audit.Insert(ctx, t.tx, e)
	return err
}

func scanYear(row pgx.Row) (Year, error) {
	var (
		y         Year
		status    string
		activated pgtype.Timestamptz
		closed    pgtype.Timestamptz
	)
	if err := row.Scan(&y.Value, &status, &y.AutoSwitchEnabled, &y.TransitionThreshold, &y.MaxSequence,
		&y.Padding, &y.CanActivate, &activated, &closed); err != nil {
		return Year{}, err
	}
	y.Status = YearStatus(status)
	y.ActivatedAt = timestampToTime(activated)
	y.ClosedAt = timestampToTime(closed)
	return y, nil
}

func toPgTime(t *time.Time) pgtype.Timestamptz {
	if t == nil || t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timestampToTime(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

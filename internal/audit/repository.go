package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
)

// Repository is the storage port of the ledger.
type Repository interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	List(ctx context.Context, params ListParams) ([]Entry, error)
	// Purge removes every row and appends the entry built from the deleted
	// count, atomically.
	Purge(ctx context.Context, record func(deleted int64) Entry) (Entry, int64, error)
}

const insertSQL = `INSERT INTO audit_logs (table_name, action, record_id, performed_by, occurred_at, description)
VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), $6)
RETURNING id, occurred_at`

const listSQL = `SELECT id, table_name, action, record_id, performed_by, occurred_at, description
FROM audit_logs
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at < $2)
  AND ($3::text IS NULL OR table_name = $3)
  AND ($4::text IS NULL OR action = $4)
  AND ($5::bigint IS NULL OR performed_by = $5)
ORDER BY occurred_at DESC, id DESC
OFFSET $6 LIMIT $7`

// Insert writes e using q, which is usually the caller's open transaction so
// the ledger row commits or rolls back together with the change it records.
func Insert(ctx context.Context, q db.Querier, e Entry) (Entry, error) {
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	var performedBy pgtype.Int8
	if e.PerformedBy != nil {
		performedBy = pgtype.Int8{Int64: *e.PerformedBy, Valid: true}
	}
	var at pgtype.Timestamptz
	if err := q.QueryRow(ctx, insertSQL,
		e.TableName, string(e.Action), e.RecordID, performedBy, toPgTime(e.Timestamp), e.Description,
	).Scan(&e.ID, &at); err != nil {
		return Entry{}, fmt.Errorf("audit: insert: %w", err)
	}
	e.Timestamp = at.Time
	return e, nil
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres backed ledger store.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) Append(ctx context.Context, e Entry) (Entry, error) {
	return Insert(ctx, r.pool, e)
}

func (r *pgRepository) List(ctx context.Context, params ListParams) ([]Entry, error) {
	var performedBy pgtype.Int8
	if params.PerformedBy > 0 {
		performedBy = pgtype.Int8{Int64: params.PerformedBy, Valid: true}
	}
	rows, err := r.pool.Query(ctx, listSQL,
		toPgTime(params.From),
		toPgTime(params.To),
		optionalText(params.Table),
		optionalText(string(params.Action)),
		performedBy,
		params.Offset,
		params.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			action string
			by     pgtype.Int8
			at     pgtype.Timestamptz
		)
		if err := rows.Scan(&e.ID, &e.TableName, &action, &e.RecordID, &by, &at, &e.Description); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		if by.Valid {
			id := by.Int64
			e.PerformedBy = &id
		}
		e.Timestamp = at.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgRepository) Purge(ctx context.Context, record func(deleted int64) Entry) (Entry, int64, error) {
	var (
		written Entry
		deleted int64
	)
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM audit_logs`)
		if err != nil {
			return fmt.Errorf("audit: purge: %w", err)
		}
		deleted = tag.RowsAffected()
		written, err = Insert(ctx, tx, record(deleted))
		return err
	})
	if err != nil {
		return Entry{}, 0, err
	}
	return written, deleted, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

package invoices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	"github.com/odyssey-erp/fiscaldesk/internal/fiscal"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
	"github.com/odyssey-erp/fiscaldesk/internal/sequence"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
	"github.com/odyssey-erp/fiscaldesk/internal/users"
)

// Repository defines invoice persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Invoice, error)
	List(ctx context.Context, filter ListFilter) ([]Invoice, error)
}

// TxRepository is the transactional surface of the workflow.
type TxRepository interface {
	// CurrentFiscalYear reads the current year FOR SHARE.
	CurrentFiscalYear(ctx context.Context) (fiscal.Year, error)
	CreatorRole(ctx context.Context, userID int64) (shared.Role, error)
	IssueNumber(ctx context.Context, key sequence.Key, limits sequence.Limits) (sequence.Counter, error)
	Insert(ctx context.Context, inv Invoice) (Invoice, error)
	// LockForReview reads the invoice FOR UPDATE.
	LockForReview(ctx context.Context, id int64) (Invoice, error)
	SaveReview(ctx context.Context, inv Invoice) error
	AppendAudit(ctx context.Context, e audit.Entry) error
	// ClaimKey records an idempotency key; claimed is false when an earlier
	// transaction already committed it, and recordID is what it produced.
	ClaimKey(ctx context.Context, scope, key string, at time.Time) (recordID string, claimed bool, err error)
	BindKey(ctx context.Context, scope, key, recordID string) error
}

const invoiceColumns = `id, number, supplier_id, amount, fiscal_year, dfc_status, reviewed_by, reviewed_at, review_note, created_by, created_by_role, created_at`

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the Postgres repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// WithTx runs at READ COMMITTED so concurrent creations queue on the counter
// row instead of aborting; review rows are locked explicitly.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

func (r *pgRepository) Get(ctx context.Context, id int64) (Invoice, error) {
	return getInvoice(ctx, r.pool, id, "")
}

func (r *pgRepository) List(ctx context.Context, filter ListFilter) ([]Invoice, error) {
	var fy, status pgtype.Text
	if v := strings.TrimSpace(filter.FiscalYear); v != "" {
		fy = pgtype.Text{String: v, Valid: true}
	}
	if filter.Status != "" {
		status = pgtype.Text{String: string(filter.Status), Valid: true}
	}
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE ($1::text IS NULL OR fiscal_year = $1) AND ($2::text IS NULL OR dfc_status = $2)
ORDER BY id DESC OFFSET $3 LIMIT $4`, fy, status, filter.Offset, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (t *pgTxRepository) CurrentFiscalYear(ctx context.Context) (fiscal.Year, error) {
	return fiscal.CurrentForShare(ctx, t.tx)
}

func (t *pgTxRepository) CreatorRole(ctx context.Context, userID int64) (shared.Role, error) {
	return users.RoleOf(ctx, t.tx, userID)
}

func (t *pgTxRepository) IssueNumber(ctx context.Context, key sequence.Key, limits sequence.Limits) (sequence.Counter, error) {
	return sequence.Increment(ctx, t.tx, key, limits)
}

func (t *pgTxRepository) Insert(ctx context.Context, inv Invoice) (Invoice, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO invoices (number, supplier_id, amount, fiscal_year, dfc_status, created_by, created_by_role, created_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)
RETURNING id`,
		inv.Number, inv.SupplierID, inv.Amount.String(), inv.FiscalYear, string(inv.DFCStatus),
		inv.CreatedBy, inv.CreatedByRole.String(), inv.CreatedAt,
	).Scan(&inv.ID)
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (t *pgTxRepository) LockForReview(ctx context.Context, id int64) (Invoice, error) {
	return getInvoice(ctx, t.tx, id, " FOR UPDATE")
}

// SaveReview writes only the review columns; created_by_role and
// fiscal_year are never part of an update.
func (t *pgTxRepository) SaveReview(ctx context.Context, inv Invoice) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET dfc_status = $2, reviewed_by = $3, reviewed_at = $4, review_note = $5
WHERE id = $1`, inv.ID, string(inv.DFCStatus), inv.ReviewedBy, inv.ReviewedAt, inv.ReviewNote)
	return err
}

func (t *pgTxRepository) AppendAudit(ctx context.Context, e audit.Entry) error {
	_, err := audit.Insert(ctx, t.tx, e)
	return err
}

func (t *pgTxRepository) ClaimKey(ctx context.Context, scope, key string, at time.Time) (string, bool, error) {
	return shared.ClaimIdempotencyKey(ctx, t.tx, scope, key, at)
}

func (t *pgTxRepository) BindKey(ctx context.Context, scope, key, recordID string) error {
	return shared.BindIdempotencyKey(ctx, t.tx, scope, key, recordID)
}

func getInvoice(ctx context.Context, q db.Querier, id int64, suffix string) (Invoice, error) {
	inv, err := scanInvoice(q.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`+suffix, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, fmt.Errorf("invoice %d: %w", id, shared.ErrNotFound)
		}
		return Invoice{}, err
	}
	return inv, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv        Invoice
		amount     pgtype.Numeric
		status     string
		reviewedBy pgtype.Int8
		reviewedAt pgtype.Timestamptz
		note       pgtype.Text
		role       string
	)
	if err := row.Scan(&inv.ID, &inv.Number, &inv.SupplierID, &amount, &inv.FiscalYear, &status,
		&reviewedBy, &reviewedAt, &note, &inv.CreatedBy, &role, &inv.CreatedAt); err != nil {
		return Invoice{}, err
	}
	inv.Amount = numericToDecimal(amount)
	inv.DFCStatus = DFCStatus(status)
	if reviewedBy.Valid {
		v := reviewedBy.Int64
		inv.ReviewedBy = &v
	}
	if reviewedAt.Valid {
		v := reviewedAt.Time
		inv.ReviewedAt = &v
	}
	inv.ReviewNote = note.String
	parsed, err := shared.ParseRole(role)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice %d: %w", inv.ID, err)
	}
	inv.CreatedByRole = parsed
	return inv, nil
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}


package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	"github.com/odyssey-erp/fiscaldesk/internal/notify"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Notifier delivers review outcomes to the invoice creator.
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) error
}

// Observer receives workflow events for metrics.
type Observer interface {
	InvoiceReviewed(decision string)
	SequenceIssued(entityType string)
}

// Workflow drives the one-way DFC review state machine.
type Workflow struct {
	repo     Repository
	notifier Notifier
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorkflow constructs a Workflow. notifier may be nil.
func NewWorkflow(repo Repository, notifier Notifier, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{repo: repo, notifier: notifier, logger: logger, now: time.Now}
}

// WithNow overrides the clock (testing only).
func (w *Workflow) WithNow(now func() time.Time) {
	if now != nil {
		w.now = now
	}
}

// SetObserver installs the metrics hook.
func (w *Workflow) SetObserver(o Observer) {
	w.observer = o
}

// Create registers a PENDING invoice numbered in the current fiscal year.
func (w *Workflow) Create(ctx context.Context, in CreateInput) (Invoice, error) {
	if err := in.Validate(); err != nil {
		return Invoice{}, err
	}
	key, _ := shared.NormaliseIdempotencyKey(in.IdempotencyKey)
	scope := in.idempotencyScope()
	var (
		created  Invoice
		replayID int64
	)
	err := w.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if key != "" {
			recordID, claimed, err := tx.ClaimKey(ctx, scope, key, w.now().UTC())
			if err != nil {
				return err
			}
			if !claimed {
				id, err := strconv.ParseInt(recordID, 10, 64)
				if err != nil {
					return fmt.Errorf("invoices: idempotency key bound to %q", recordID)
				}
				replayID = id
				return nil
			}
		}
		year, err := tx.CurrentFiscalYear(ctx)
		if err != nil {
			return err
		}
		role, err := tx.CreatorRole(ctx, in.CreatedBy)
		if err != nil {
			return err
		}
		counter, err := tx.IssueNumber(ctx, sequenceKey(year.Value), year.Limits())
		if err != nil {
			return err
		}
		inv, err := tx.Insert(ctx, Invoice{
			Number:        counter.Number(),
			SupplierID:    in.SupplierID,
			Amount:        in.Amount,
			FiscalYear:    year.Value,
			DFCStatus:     StatusPending,
			CreatedBy:     in.CreatedBy,
			CreatedByRole: role,
			CreatedAt:     w.now().UTC(),
		})
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, audit.Entry{
			TableName:   "invoices",
			Action:      audit.ActionInsert,
			RecordID:    strconv.FormatInt(inv.ID, 10),
			PerformedBy: audit.Actor(in.CreatedBy),
			Timestamp:   inv.CreatedAt,
			Description: fmt.Sprintf("invoice %s created in fiscal year %s", inv.Number, inv.FiscalYear),
		}); err != nil {
			return err
		}
		if key != "" {
			if err := tx.BindKey(ctx, scope, key, strconv.FormatInt(inv.ID, 10)); err != nil {
				return err
			}
		}
		created = inv
		return nil
	})
	if err != nil {
		return Invoice{}, db.Classify("invoices: create", err)
	}
	if replayID != 0 {
		inv, err := w.repo.Get(ctx, replayID)
		if err != nil {
			return Invoice{}, db.Classify("invoices: create replay", err)
		}
		w.logger.InfoContext(ctx, "invoice create replayed",
			slog.Int64("invoice_id", inv.ID), slog.String("number", inv.Number))
		return inv, nil
	}
	if w.observer != nil {
		w.observer.SequenceIssued(EntityType)
	}
	w.logger.InfoContext(ctx, "invoice created",
		slog.Int64("invoice_id", created.ID), slog.String("number", created.Number),
		slog.String("fiscal_year", created.FiscalYear))
	return created, nil
}

// Approve moves a PENDING invoice of the current fiscal year to APPROVED.
func (w *Workflow) Approve(ctx context.Context, invoiceID, reviewerID int64) (Invoice, error) {
	return w.review(ctx, invoiceID, Review{Decision: StatusApproved, ReviewerID: reviewerID})
}

// Reject moves a PENDING invoice of the current fiscal year to REJECTED.
// The note is mandatory.
func (w *Workflow) Reject(ctx context.Context, invoiceID, reviewerID int64, note string) (Invoice, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return Invoice{}, shared.Validation("note", "is required to reject an invoice")
	}
	return w.review(ctx, invoiceID, Review{Decision: StatusRejected, ReviewerID: reviewerID, Note: note})
}

func (w *Workflow) review(ctx context.Context, invoiceID int64, r Review) (Invoice, error) {
	if invoiceID <= 0 {
		return Invoice{}, shared.Validation("invoice_id", "is required")
	}
	if r.ReviewerID <= 0 {
		return Invoice{}, shared.Validation("reviewer_id", "is required")
	}
	r.At = w.now().UTC()

	var reviewed Invoice
	err := w.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockForReview(ctx, invoiceID)
		if err != nil {
			return err
		}
		year, err := tx.CurrentFiscalYear(ctx)
		if err != nil {
			return err
		}
		if inv.FiscalYear != year.Value {
			return fmt.Errorf("invoice %d belongs to %s, current is %s: %w",
				inv.ID, inv.FiscalYear, year.Value, shared.ErrStaleFiscalYear)
		}
		next, err := inv.apply(r)
		if err != nil {
			return err
		}
		if err := tx.SaveReview(ctx, next); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, reviewEntry(next)); err != nil {
			return err
		}
		reviewed = next
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrAlreadyReviewed) {
			w.logger.InfoContext(ctx, "invoice review ignored",
				slog.Int64("invoice_id", invoiceID), slog.String("decision", string(r.Decision)))
		}
		return Invoice{}, db.Classify("invoices: review", err)
	}

	if w.observer != nil {
		w.observer.InvoiceReviewed(string(reviewed.DFCStatus))
	}
	w.logger.InfoContext(ctx, "invoice reviewed",
		slog.Int64("invoice_id", reviewed.ID), slog.String("decision", string(reviewed.DFCStatus)),
		slog.Int64("reviewer_id", r.ReviewerID))
	w.notify(ctx, reviewed)
	return reviewed, nil
}

// notify runs after commit; delivery failures never undo the review.
func (w *Workflow) notify(ctx context.Context, inv Invoice) {
	if w.notifier == nil {
		return
	}
	tmpl := notify.TemplateInvoiceApproved
	if inv.DFCStatus == StatusRejected {
		tmpl = notify.TemplateInvoiceRejected
	}
	reviewedAt := ""
	if inv.ReviewedAt != nil {
		reviewedAt = inv.ReviewedAt.Format("2006-01-02 15:04 MST")
	}
	msg := notify.Message{
		RecipientID: inv.CreatedBy,
		Template:    tmpl,
		Data: map[string]string{
			"number":      inv.Number,
			"fiscal_year": inv.FiscalYear,
			"amount":      inv.Amount.StringFixed(2),
			"reviewed_at": reviewedAt,
			"note":        inv.ReviewNote,
		},
		CorrelationID: correlationID(ctx),
	}
	if err := w.notifier.Send(context.WithoutCancel(ctx), msg); err != nil {
		w.logger.WarnContext(ctx, "invoice notification failed",
			slog.Int64("invoice_id", inv.ID), slog.Any("error", err))
	}
}

// Get returns a single invoice.
func (w *Workflow) Get(ctx context.Context, id int64) (Invoice, error) {
	inv, err := w.repo.Get(ctx, id)
	if err != nil {
		return Invoice{}, db.Classify("invoices: get", err)
	}
	return inv, nil
}

// List returns invoices newest first.
func (w *Workflow) List(ctx context.Context, filter ListFilter) ([]Invoice, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, shared.Validation("status", "is unknown")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	out, err := w.repo.List(ctx, filter)
	if err != nil {
		return nil, db.Classify("invoices: list", err)
	}
	return out, nil
}

func correlationID(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func reviewEntry(inv Invoice) audit.Entry {
	desc := fmt.Sprintf("invoice %s %s by DFC", inv.Number, strings.ToLower(string(inv.DFCStatus)))
	if inv.ReviewNote != "" {
		desc += ": " + inv.ReviewNote
	}
	e := audit.Entry{
		TableName:   "invoices",
		Action:      audit.ActionUpdate,
		RecordID:    strconv.FormatInt(inv.ID, 10),
		Description: desc,
	}
	if inv.ReviewedBy != nil {
		e.PerformedBy = audit.Actor(*inv.ReviewedBy)
	}
	if inv.ReviewedAt != nil {
		e.Timestamp = *inv.ReviewedAt
	}
	return e
}

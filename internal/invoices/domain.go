package invoices

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscaldesk/internal/sequence"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// EntityType is the sequence entity type of invoice numbers.
const EntityType = "invoice"

// DFCStatus is the financial-control review state.
type DFCStatus string

const (
	StatusPending  DFCStatus = "PENDING"
	StatusApproved DFCStatus = "APPROVED"
	StatusRejected DFCStatus = "REJECTED"
)

// Terminal reports whether no transition leaves s.
func (s DFCStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Valid reports whether s is a known state.
func (s DFCStatus) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Invoice is the workflow-relevant view of a supplier invoice.
type Invoice struct {
	ID         int64           `json:"id"`
	Number     string          `json:"number"`
	SupplierID int64           `json:"supplier_id"`
	Amount     decimal.Decimal `json:"amount"`
	// FiscalYear is the period that was current at creation; it never changes.
	FiscalYear string     `json:"fiscal_year"`
	DFCStatus  DFCStatus  `json:"dfc_status"`
	ReviewedBy *int64     `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ReviewNote string     `json:"review_note,omitempty"`
	CreatedBy  int64      `json:"created_by"`
	// CreatedByRole is the creator's role at creation time, copied once.
	CreatedByRole shared.Role `json:"created_by_role"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Review is a DFC decision on a pending invoice.
type Review struct {
	Decision   DFCStatus
	ReviewerID int64
	Note       string
	At         time.Time
}

// apply moves inv out of PENDING. Only the review fields change.
func (inv Invoice) apply(r Review) (Invoice, error) {
	if !r.Decision.Terminal() {
		return inv, fmt.Errorf("invoice %d: decision %q: %w", inv.ID, r.Decision, shared.ErrInvalidStateTransition)
	}
	if inv.DFCStatus != StatusPending {
		return inv, fmt.Errorf("invoice %d is %s: %w", inv.ID, inv.DFCStatus, shared.ErrAlreadyReviewed)
	}
	reviewer := r.ReviewerID
	at := r.At
	inv.DFCStatus = r.Decision
	inv.ReviewedBy = &reviewer
	inv.ReviewedAt = &at
	inv.ReviewNote = r.Note
	return inv, nil
}

// CreateInput registers a new invoice.
type CreateInput struct {
	SupplierID int64
	Amount     decimal.Decimal
	CreatedBy  int64
	// IdempotencyKey, when set, makes a retried Create return the invoice
	// the first attempt produced instead of consuming another number.
	IdempotencyKey string
}

// Amounts are stored as NUMERIC(18,2).
const amountScale = 2

var maxAmount = decimal.New(1, 16)

// Validate checks caller input.
func (in CreateInput) Validate() error {
	if in.SupplierID <= 0 {
		return shared.Validation("supplier_id", "is required")
	}
	if !in.Amount.IsPositive() {
		return shared.Validation("amount", "must be positive")
	}
	if !in.Amount.Equal(in.Amount.Round(amountScale)) {
		return shared.Validation("amount", "must not have more than 2 decimal places")
	}
	if in.Amount.GreaterThanOrEqual(maxAmount) {
		return shared.Validation("amount", "exceeds "+maxAmount.StringFixed(0))
	}
	if in.CreatedBy <= 0 {
		return shared.Validation("created_by", "is required")
	}
	if _, err := shared.NormaliseIdempotencyKey(in.IdempotencyKey); err != nil {
		return err
	}
	return nil
}

func (in CreateInput) idempotencyScope() string {
	return "invoice:" + strconv.FormatInt(in.CreatedBy, 10)
}

// ListFilter narrows List.
type ListFilter struct {
	FiscalYear string
	Status     DFCStatus
	Limit      int
	Offset     int
}

func sequenceKey(fiscalYear string) sequence.Key {
	return sequence.Key{EntityType: EntityType, FiscalYear: fiscalYear}
}

package sequence

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// Default capacity of a fiscal year's counter and the width of its numbers.
const (
	DefaultMax     = 9999
	DefaultPadding = 4
)

var entityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Key identifies one counter.
type Key struct {
	EntityType string
	FiscalYear string
}

// Validate checks both halves of the key.
func (k Key) Validate() error {
	if err := ValidateEntityType(k.EntityType); err != nil {
		return err
	}
	if strings.TrimSpace(k.FiscalYear) == "" {
		return shared.Validation("fiscal_year", "is required")
	}
	return nil
}

// ValidateEntityType accepts lower-case identifiers such as "invoice".
func ValidateEntityType(entityType string) error {
	if !entityTypePattern.MatchString(entityType) {
		return shared.Validation("entity_type", fmt.Sprintf("%q is not a valid identifier", entityType))
	}
	return nil
}

// Limits bound a counter: Max numbers per fiscal year, printed Padding digits wide.
type Limits struct {
	Max     int
	Padding int
}

// DefaultLimits returns the 9999 / 4-digit limits.
func DefaultLimits() Limits {
	return Limits{Max: DefaultMax, Padding: DefaultPadding}
}

// Validate rejects limits that cannot issue a single number.
func (l Limits) Validate() error {
	if l.Max < 1 {
		return shared.Validation("max", "must be at least 1")
	}
	if l.Padding < 1 {
		return shared.Validation("padding", "must be at least 1")
	}
	return nil
}

// Counter is the persisted state of one key.
type Counter struct {
	Key
	LastIssued int
	Max        int
	Padding    int
}

// NewCounter returns a fresh counter armed at zero.
func NewCounter(key Key, limits Limits) Counter {
	return Counter{Key: key, Max: limits.Max, Padding: limits.Padding}
}

// Remaining is the count of numbers still available.
func (c Counter) Remaining() int {
	return c.Max - c.LastIssued
}

// Next returns the counter advanced by one, or ErrCapacityExceeded when it is
// already at Max. The receiver is never modified.
func (c Counter) Next() (Counter, error) {
	if c.LastIssued >= c.Max {
		return c, fmt.Errorf("sequence %s/%s: %w (max %d)", c.EntityType, c.FiscalYear, shared.ErrCapacityExceeded, c.Max)
	}
	c.LastIssued++
	return c, nil
}

// Number renders LastIssued with the counter's padding.
func (c Counter) Number() string {
	return Format(c.LastIssued, c.Padding)
}

// Format zero-pads n to padding digits. Wider values are printed in full.
func Format(n, padding int) string {
	return fmt.Sprintf("%0*d", padding, n)
}

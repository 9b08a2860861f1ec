package sequence

import (
	"context"
	"errors"
	"log/slog"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// IssueObserver is notified of every issued number.
type IssueObserver interface {
	SequenceIssued(entityType string)
}

// Generator issues bounded, gapless numbers per (entity type, fiscal year).
type Generator struct {
	store    Store
	limits   Limits
	logger   *slog.Logger
	observer IssueObserver
}

// NewGenerator builds a Generator. limits apply to counters it creates lazily;
// counters armed by a fiscal switch keep the limits they were armed with.
func NewGenerator(store Store, limits Limits, logger *slog.Logger) (*Generator, error) {
	if store == nil {
		return nil, errors.New("sequence: store not configured")
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, limits: limits, logger: logger}, nil
}

// SetObserver injects the metrics hook.
func (g *Generator) SetObserver(o IssueObserver) {
	g.observer = o
}

// Limits returns the defaults used for lazily created counters.
func (g *Generator) Limits() Limits {
	return g.limits
}

// GenerateNumber issues the next number for the key, zero padded.
func (g *Generator) GenerateNumber(ctx context.Context, entityType, fiscalYear string) (string, error) {
	key := Key{EntityType: entityType, FiscalYear: fiscalYear}
	if err := key.Validate(); err != nil {
		return "", err
	}
	c, err := g.store.Increment(ctx, key, g.limits)
	if err != nil {
		if errors.Is(err, shared.ErrCapacityExceeded) {
			g.logger.Warn("sequence exhausted", slog.String("entity_type", entityType), slog.String("fiscal_year", fiscalYear))
			return "", err
		}
		return "", shared.Persistence("sequence: generate", err)
	}
	if g.observer != nil {
		g.observer.SequenceIssued(entityType)
	}
	return c.Number(), nil
}

// Remaining returns how many numbers are left; an unseen key reports the full
// capacity.
func (g *Generator) Remaining(ctx context.Context, entityType, fiscalYear string) (int, error) {
	c, err := g.Counter(ctx, entityType, fiscalYear)
	if err != nil {
		return 0, err
	}
	return c.Remaining(), nil
}

// Counter returns the state of one key, synthesising a zero counter when the
// key was never used.
func (g *Generator) Counter(ctx context.Context, entityType, fiscalYear string) (Counter, error) {
	key := Key{EntityType: entityType, FiscalYear: fiscalYear}
	if err := key.Validate(); err != nil {
		return Counter{}, err
	}
	c, ok, err := g.store.Get(ctx, key)
	if err != nil {
		return Counter{}, shared.Persistence("sequence: remaining", err)
	}
	if !ok {
		return NewCounter(key, g.limits), nil
	}
	return c, nil
}

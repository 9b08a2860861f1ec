package fiscal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
	"github.com/odyssey-erp/fiscaldesk/internal/sequence"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

const defaultLockTTL = 30 * time.Second

// Observer receives switch and issuance events for metrics.
type Observer interface {
	FiscalSwitched(mode string)
	SequenceIssued(entityType string)
}

// Config parameterises the manager.
type Config struct {
	// EntityTypes are armed on every switch; the first is the primary type
	// reported by Status.
	EntityTypes []string
	LockTTL     time.Duration
}

// Manager owns the single current fiscal year.
type Manager struct {
	repo        Repository
	locker      Locker
	observer    Observer
	logger      *slog.Logger
	entityTypes []string
	lockTTL     time.Duration
	now         func() time.Time
}

// NewManager constructs a Manager.
func NewManager(repo Repository, cfg Config, logger *slog.Logger) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("fiscal: repository not configured")
	}
	if len(cfg.EntityTypes) == 0 {
		return nil, shared.Validation("entity_types", "at least one entity type is required")
	}
	for _, et := range cfg.EntityTypes {
		if err := sequence.ValidateEntityType(et); err != nil {
			return nil, err
		}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:        repo,
		logger:      logger,
		entityTypes: slices.Clone(cfg.EntityTypes),
		lockTTL:     cfg.LockTTL,
		now:         time.Now,
	}, nil
}

// SetLocker installs the cross-process single-writer lock. Without one the
// manager relies on row locks and the unique index alone.
func (m *Manager) SetLocker(l Locker) {
	m.locker = l
}

// SetObserver installs the metrics hook.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// WithNow overrides the clock.
func (m *Manager) WithNow(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// EntityTypes returns the configured entity types.
func (m *Manager) EntityTypes() []string {
	return slices.Clone(m.entityTypes)
}

// Current returns the current fiscal year.
func (m *Manager) Current(ctx context.Context) (Year, error) {
	y, err := m.repo.Current(ctx)
	if err != nil {
		return Year{}, db.Classify("fiscal: current", err)
	}
	return y, nil
}

// Status reports the current year and the state of its counters.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	cur, err := m.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		FiscalYear:          cur.Value,
		TransitionThreshold: cur.TransitionThreshold,
		AutoSwitchEnabled:   cur.AutoSwitchEnabled,
		Counters:            make([]CounterStatus, 0, len(m.entityTypes)),
	}
	for _, et := range m.entityTypes {
		key := sequence.Key{EntityType: et, FiscalYear: cur.Value}
		c, ok, err := m.repo.Counter(ctx, key)
		if err != nil {
			return Status{}, db.Classify("fiscal: status", err)
		}
		if !ok {
			c = sequence.NewCounter(key, cur.Limits())
		}
		st.Counters = append(st.Counters, CounterStatus{
			EntityType:       et,
			LastNumber:       c.LastIssued,
			Max:              c.Max,
			Remaining:        c.Remaining(),
			ThresholdWarning: c.Remaining() <= cur.TransitionThreshold,
		})
	}
	primary := st.Counters[0]
	st.LastNumber = primary.LastNumber
	st.Max = primary.Max
	st.Remaining = primary.Remaining
	st.ThresholdWarning = primary.ThresholdWarning
	return st, nil
}

// Candidates lists the years a manual switch may target.
func (m *Manager) Candidates(ctx context.Context) ([]Year, error) {
	years, err := m.repo.List(ctx)
	if err != nil {
		return nil, db.Classify("fiscal: candidates", err)
	}
	out := make([]Year, 0, len(years))
	for _, y := range years {
		if y.Eligible() {
			out = append(out, y)
		}
	}
	return out, nil
}

// SetAutoSwitch toggles automatic rollover on the current year.
func (m *Manager) SetAutoSwitch(ctx context.Context, enable bool, actorID int64) (Year, error) {
	var updated Year
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.LockCurrent(ctx)
		if err != nil {
			return err
		}
		if err := tx.SetAutoSwitch(ctx, cur.Value, enable); err != nil {
			return err
		}
		cur.AutoSwitchEnabled = enable
		updated = cur
		state := "disabled"
		if enable {
			state = "enabled"
		}
		return tx.AppendAudit(ctx, audit.Entry{
			TableName:   "fiscal_years",
			Action:      audit.ActionUpdate,
			RecordID:    cur.Value,
			PerformedBy: audit.Actor(actorID),
			Timestamp:   m.now().UTC(),
			Description: "auto-switch " + state,
		})
	})
	if err != nil {
		return Year{}, db.Classify("fiscal: set auto-switch", err)
	}
	m.logger.Info("fiscal auto-switch updated", slog.String("fiscal_year", updated.Value), slog.Bool("enabled", enable), slog.Int64("actor_id", actorID))
	return updated, nil
}

// SwitchTo manually moves the current pointer to target.
func (m *Manager) SwitchTo(ctx context.Context, target string, actorID int64) (SwitchResult, error) {
	cur, err := m.Current(ctx)
	if err != nil {
		return SwitchResult{}, err
	}
	if err := checkManual(cur, target); err != nil {
		return SwitchResult{}, err
	}
	value, err := normaliseValue(target)
	if err != nil {
		return SwitchResult{}, fmt.Errorf("%w: %w", shared.ErrInvalidTarget, err)
	}

	release, err := m.acquire(ctx)
	if err != nil {
		return SwitchResult{}, err
	}
	defer release(context.WithoutCancel(ctx))

	result := SwitchResult{To: value, Mode: ModeManual}
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.LockCurrent(ctx)
		if err != nil {
			return err
		}
		if err := checkManual(cur, value); err != nil {
			return err
		}
		next, ok, err := tx.Get(ctx, value)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("fiscal year %s is unknown: %w", value, shared.ErrInvalidTarget)
		}
		if !next.Eligible() {
			return fmt.Errorf("fiscal year %s is %s and activatable=%t: %w", value, next.Status, next.CanActivate, shared.ErrInvalidTarget)
		}
		result.From = cur.Value
		return m.transition(ctx, tx, cur, value, ModeManual, audit.Actor(actorID))
	})
	if err != nil {
		return SwitchResult{}, db.Classify("fiscal: switch", err)
	}
	result.Switched = true
	m.switched(result, actorID)
	return result, nil
}

// checkManual applies the manual switch preconditions in their fixed order.
func checkManual(cur Year, target string) error {
	if cur.AutoSwitchEnabled {
		return fmt.Errorf("fiscal: switch to %q: %w", target, shared.ErrManualSwitchBlocked)
	}
	if target == cur.Value {
		return fmt.Errorf("fiscal: switch to %q: %w", target, shared.ErrNoOpSwitch)
	}
	return nil
}

// ScheduledAutoSwitch rolls the current year over to the calendar year of at.
// It is safe to fire repeatedly: every call after the first within a period
// returns Switched=false and no error.
func (m *Manager) ScheduledAutoSwitch(ctx context.Context, at time.Time) (SwitchResult, error) {
	target := strconv.Itoa(at.Year())
	result := SwitchResult{To: target, Mode: ModeAuto}

	cur, err := m.Current(ctx)
	if err != nil {
		return result, err
	}
	result.From = cur.Value
	if !autoSwitchDue(cur, target) {
		return result, nil
	}

	release, err := m.acquire(ctx)
	if err != nil {
		return m.settleAutoConflict(ctx, result, err)
	}
	defer release(context.WithoutCancel(ctx))

	err = m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.LockCurrent(ctx)
		if err != nil {
			return err
		}
		result.From = cur.Value
		if !autoSwitchDue(cur, target) {
			return nil
		}
		existing, ok, err := tx.Get(ctx, target)
		if err != nil {
			return err
		}
		if ok && existing.Status == StatusPast {
			return fmt.Errorf("fiscal year %s already closed: %w", target, shared.ErrInvalidTarget)
		}
		if err := m.transition(ctx, tx, cur, target, ModeAuto, nil); err != nil {
			return err
		}
		result.Switched = true
		return nil
	})
	if err != nil {
		result.Switched = false
		return m.settleAutoConflict(ctx, result, db.Classify("fiscal: auto-switch", err))
	}
	if result.Switched {
		m.switched(result, 0)
	}
	return result, nil
}

func autoSwitchDue(cur Year, target string) bool {
	return cur.AutoSwitchEnabled && cur.Value != target && precedes(cur.Value, target)
}

// settleAutoConflict turns a lost race into the no-op when the winner already
// moved the pointer to the same target.
func (m *Manager) settleAutoConflict(ctx context.Context, result SwitchResult, err error) (SwitchResult, error) {
	if !errors.Is(err, shared.ErrConcurrencyConflict) {
		return result, err
	}
	cur, curErr := m.Current(ctx)
	if curErr == nil && cur.Value == result.To {
		m.logger.Info("fiscal auto-switch already applied", slog.String("fiscal_year", cur.Value))
		return result, nil
	}
	return result, err
}

// transition performs the atomic switch body on an open transaction. The
// target must start with every counter at zero.
func (m *Manager) transition(ctx context.Context, tx TxRepository, cur Year, target string, mode SwitchMode, actor *int64) error {
	for _, et := range m.entityTypes {
		c, ok, err := tx.LockCounter(ctx, sequence.Key{EntityType: et, FiscalYear: target})
		if err != nil {
			return err
		}
		if ok && c.LastIssued > 0 {
			return fmt.Errorf("fiscal year %s already issued %d %s numbers: %w", target, c.LastIssued, et, shared.ErrInvalidTarget)
		}
	}
	at := m.now().UTC()
	if err := tx.MarkPast(ctx, cur.Value, at); err != nil {
		return err
	}
	next := successor(cur, target, at)
	if err := tx.Activate(ctx, next); err != nil {
		return err
	}
	if err := tx.ArmCounters(ctx, target, m.entityTypes, next.Limits()); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, audit.Entry{
		TableName:   "fiscal_years",
		Action:      audit.ActionUpdate,
		RecordID:    target,
		PerformedBy: actor,
		Timestamp:   at,
		Description: fmt.Sprintf("fiscal year switched from %s to %s (%s)", cur.Value, target, mode),
	})
}

// RegisterYear adds a future year that a manual switch may later activate.
func (m *Manager) RegisterYear(ctx context.Context, value string, canActivate bool, actorID int64) (Year, error) {
	v, err := normaliseValue(value)
	if err != nil {
		return Year{}, err
	}
	var created Year
	err = m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, exists, err := tx.Get(ctx, v); err != nil {
			return err
		} else if exists {
			return shared.Validation("fiscal_year", v+" already exists")
		}
		cur, err := tx.Current(ctx)
		if err != nil {
			return err
		}
		if !precedes(cur.Value, v) {
			return shared.Validation("fiscal_year", v+" must come after the current year "+cur.Value)
		}
		created = Year{
			Value:               v,
			Status:              StatusFuture,
			TransitionThreshold: cur.TransitionThreshold,
			MaxSequence:         cur.MaxSequence,
			Padding:             cur.Padding,
			CanActivate:         canActivate,
		}
		if err := tx.Insert(ctx, created); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, audit.Entry{
			TableName:   "fiscal_years",
			Action:      audit.ActionInsert,
			RecordID:    v,
			PerformedBy: audit.Actor(actorID),
			Timestamp:   m.now().UTC(),
			Description: fmt.Sprintf("fiscal year %s registered (activatable=%t)", v, canActivate),
		})
	})
	if err != nil {
		return Year{}, db.Classify("fiscal: register year", err)
	}
	return created, nil
}

// IssueNumber hands out the next number of entityType in the current year.
// The current row is held FOR SHARE so a switch cannot interleave.
func (m *Manager) IssueNumber(ctx context.Context, entityType string) (Issued, error) {
	return m.issue(ctx, entityType, "")
}

// IssueNumberIn is IssueNumber with the caller naming the year it expects to
// be current. Any other year fails with shared.ErrStaleFiscalYear: numbers are
// never issued ahead into a year a switch will arm, nor back into a closed one.
func (m *Manager) IssueNumberIn(ctx context.Context, entityType, fiscalYear string) (Issued, error) {
	v, err := normaliseValue(fiscalYear)
	if err != nil {
		return Issued{}, err
	}
	return m.issue(ctx, entityType, v)
}

func (m *Manager) issue(ctx context.Context, entityType, expected string) (Issued, error) {
	if !slices.Contains(m.entityTypes, entityType) {
		return Issued{}, shared.Validation("entity_type", fmt.Sprintf("%q is not a numbered entity type", entityType))
	}
	var issued Issued
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.CurrentShared(ctx)
		if err != nil {
			return err
		}
		if expected != "" && expected != cur.Value {
			return fmt.Errorf("fiscal year %s is not current (%s): %w", expected, cur.Value, shared.ErrStaleFiscalYear)
		}
		c, err := tx.IssueNumber(ctx, sequence.Key{EntityType: entityType, FiscalYear: cur.Value}, cur.Limits())
		if err != nil {
			return err
		}
		issued = Issued{EntityType: entityType, FiscalYear: cur.Value, Number: c.Number()}
		return nil
	})
	if err != nil {
		return Issued{}, db.Classify("fiscal: issue number", err)
	}
	if m.observer != nil {
		m.observer.SequenceIssued(entityType)
	}
	return issued, nil
}

func (m *Manager) acquire(ctx context.Context) (func(context.Context), error) {
	if m.locker == nil {
		return func(context.Context) {}, nil
	}
	return m.locker.Acquire(ctx, shared.FiscalSwitchLockKey, m.lockTTL)
}

func (m *Manager) switched(result SwitchResult, actorID int64) {
	m.logger.Info("fiscal year switched",
		slog.String("from", result.From),
		slog.String("to", result.To),
		slog.String("mode", string(result.Mode)),
		slog.Int64("actor_id", actorID),
	)
	if m.observer != nil {
		m.observer.FiscalSwitched(string(result.Mode))
	}
}

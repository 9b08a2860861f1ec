// Package activity tracks when each signed-in user was last active so
// sessions can expire after a period of inactivity.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default idle windows and sweep cadence.
const (
	DefaultStandardWindow   = 30 * time.Minute
	DefaultRememberMeWindow = 24 * time.Hour
	DefaultMaxInactivity    = 24 * time.Hour
	DefaultSweepInterval    = time.Hour
)

// Config tunes the tracker. Zero fields take the defaults above.
type Config struct {
	StandardWindow   time.Duration
	RememberMeWindow time.Duration
	MaxInactivity    time.Duration
	SweepInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.StandardWindow <= 0 {
		c.StandardWindow = DefaultStandardWindow
	}
	if c.RememberMeWindow <= 0 {
		c.RememberMeWindow = DefaultRememberMeWindow
	}
	if c.MaxInactivity <= 0 {
		c.MaxInactivity = DefaultMaxInactivity
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Tracker is the process-local last-activity map. Construct one in main and
// pass it to the handlers that need it.
type Tracker struct {
	mu     sync.RWMutex
	seen   map[int64]time.Time
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewTracker returns an empty tracker.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		seen:   make(map[int64]time.Time),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// WithNow overrides the clock.
func (t *Tracker) WithNow(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

// Touch records activity for userID now.
func (t *Tracker) Touch(userID int64) {
	at := t.now()
	t.mu.Lock()
	t.seen[userID] = at
	t.mu.Unlock()
}

// Forget drops userID, as on logout.
func (t *Tracker) Forget(userID int64) {
	t.mu.Lock()
	delete(t.seen, userID)
	t.mu.Unlock()
}

// LastSeen returns the last recorded activity of userID.
func (t *Tracker) LastSeen(userID int64) (time.Time, bool) {
	t.mu.RLock()
	at, ok := t.seen[userID]
	t.mu.RUnlock()
	return at, ok
}

// Window returns the idle window for the session kind.
func (t *Tracker) Window(rememberMe bool) time.Duration {
	if rememberMe {
		return t.cfg.RememberMeWindow
	}
	return t.cfg.StandardWindow
}

// Remaining returns how long the session may stay idle before it expires.
// ok is false when the user is unknown or already past the window.
func (t *Tracker) Remaining(userID int64, rememberMe bool) (time.Duration, bool) {
	last, ok := t.LastSeen(userID)
	if !ok {
		return 0, false
	}
	window := t.Window(rememberMe)
	elapsed := t.now().Sub(last)
	if elapsed > window {
		return 0, false
	}
	return window - elapsed, true
}

// CleanupInactive removes users idle for longer than maxInactivity and
// returns how many were removed.
func (t *Tracker) CleanupInactive(maxInactivity time.Duration) int {
	cutoff := t.now().Add(-maxInactivity)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, at := range t.seen {
		if at.Before(cutoff) {
			delete(t.seen, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.seen)
}

// Run sweeps inactive users every SweepInterval until ctx is done or Close
// is called.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case <-ticker.C:
			if n := t.CleanupInactive(t.cfg.MaxInactivity); n > 0 {
				t.logger.Debug("activity sweep", slog.Int("removed", n), slog.Int("tracked", t.Len()))
			}
		}
	}
}

// Close stops Run and clears the map.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		clear(t.seen)
		t.mu.Unlock()
	})
}

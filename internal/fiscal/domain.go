package fiscal

import (
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/fiscaldesk/internal/sequence"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// YearStatus is the lifecycle position of a fiscal year.
type YearStatus string

const (
	StatusCurrent YearStatus = "current"
	StatusPast    YearStatus = "past"
	StatusFuture  YearStatus = "future"
)

// DefaultTransitionThreshold is the remaining-number count at which the
// status starts warning that the sequence is close to exhaustion.
const DefaultTransitionThreshold = 100

// Year is one accounting period. Exactly one year is current.
type Year struct {
	Value               string     `json:"value"`
	Status              YearStatus `json:"status"`
	AutoSwitchEnabled   bool       `json:"auto_switch_enabled"`
	TransitionThreshold int        `json:"transition_threshold"`
	MaxSequence         int        `json:"max_sequence"`
	Padding             int        `json:"padding"`
	CanActivate         bool       `json:"can_activate"`
	ActivatedAt         *time.Time `json:"activated_at,omitempty"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
}

// Limits returns the counter limits of numbers issued in this year.
func (y Year) Limits() sequence.Limits {
	return sequence.Limits{Max: y.MaxSequence, Padding: y.Padding}
}

// Eligible reports whether y may become current through a manual switch.
func (y Year) Eligible() bool {
	return y.CanActivate && y.Status == StatusFuture
}

// successor builds the row that replaces prev as current, carrying over the
// governance settings.
func successor(prev Year, value string, at time.Time) Year {
	return Year{
		Value:               value,
		Status:              StatusCurrent,
		AutoSwitchEnabled:   prev.AutoSwitchEnabled,
		TransitionThreshold: prev.TransitionThreshold,
		MaxSequence:         prev.MaxSequence,
		Padding:             prev.Padding,
		CanActivate:         true,
		ActivatedAt:         &at,
	}
}

// precedes compares period labels numerically when both are integers and
// lexically otherwise.
func precedes(a, b string) bool {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}

func normaliseValue(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" || len(v) > 32 {
		return "", shared.Validation("fiscal_year", "must be 1 to 32 characters")
	}
	return v, nil
}

// CounterStatus reports one entity type's counter in the current year.
type CounterStatus struct {
	EntityType       string `json:"entity_type"`
	LastNumber       int    `json:"last_number"`
	Max              int    `json:"max"`
	Remaining        int    `json:"remaining"`
	ThresholdWarning bool   `json:"threshold_warning"`
}

// Status is the fiscal dashboard view. The top-level numbers describe the
// primary entity type.
type Status struct {
	FiscalYear          string          `json:"fiscal_year"`
	LastNumber          int             `json:"last_number"`
	Max                 int             `json:"max"`
	Remaining           int             `json:"remaining"`
	ThresholdWarning    bool            `json:"threshold_warning"`
	TransitionThreshold int             `json:"transition_threshold"`
	AutoSwitchEnabled   bool            `json:"auto_switch_enabled"`
	Counters            []CounterStatus `json:"counters"`
}

// SwitchMode tells manual switches from scheduled ones.
type SwitchMode string

const (
	ModeManual SwitchMode = "manual"
	ModeAuto   SwitchMode = "auto"
)

// SwitchResult describes the outcome of a transition attempt.
type SwitchResult struct {
	From     string     `json:"from"`
	To       string     `json:"to"`
	Mode     SwitchMode `json:"mode"`
	Switched bool       `json:"switched"`
}

// Issued is a number handed out for the current fiscal year.
type Issued struct {
	EntityType string `json:"entity_type"`
	FiscalYear string `json:"fiscal_year"`
	Number     string `json:"number"`
}

package audit

import (
	"strings"
	"time"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// Action classifies what happened to the audited record.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionSelect Action = "SELECT"
)

// ParseAction normalises a user supplied action filter.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", shared.Validation("action", "must be one of INSERT, UPDATE, DELETE, SELECT")
	}
	return a, nil
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete, ActionSelect:
		return true
	}
	return false
}

// Entry is one immutable row of the audit ledger.
type Entry struct {
	ID          int64     `json:"id"`
	TableName   string    `json:"table_name"`
	Action      Action    `json:"action"`
	RecordID    string    `json:"record_id"`
	PerformedBy *int64    `json:"performed_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// Validate checks the fields every ledger row must carry.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.TableName) == "" {
		return shared.Validation("table_name", "is required")
	}
	if !e.Action.Valid() {
		return shared.Validation("action", "is invalid")
	}
	return nil
}

// Actor is a convenience for building PerformedBy from a known user id.
func Actor(userID int64) *int64 {
	if userID <= 0 {
		return nil
	}
	return &userID
}

// Filters narrows Query results. Zero values mean "no filter".
type Filters struct {
	From        time.Time
	To          time.Time
	Table       string
	Action      Action
	PerformedBy int64
	Page        int
	PageSize    int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps one page of ledger rows.
type Result struct {
	Rows   []Entry    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}

// ListParams is the resolved window passed to the repository.
type ListParams struct {
	From        time.Time
	To          time.Time
	Table       string
	Action      Action
	PerformedBy int64
	Offset      int
	Limit       int
}

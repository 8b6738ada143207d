package models

import "time"

// EventKind is the kind of an audited repository access.
type EventKind string

const (
	EventFetch EventKind = "fetch"
	EventPush  EventKind = "push"
)

// EventStatus is the outcome of an audited access.
type EventStatus string

const (
	StatusOK       EventStatus = "ok"
	StatusRejected EventStatus = "rejected"
	StatusFailed   EventStatus = "failed"
)

// Event is one row of a repository's audit log.
type Event struct {
	ID        string      `json:"id"`
	Time      time.Time   `json:"time"`
	Repo      string      `json:"repo"`
	View      string      `json:"view"`
	Kind      EventKind   `json:"kind"`
	Branch    string      `json:"branch,omitempty"`
	OldTip    string      `json:"old_tip,omitempty"`
	NewTip    string      `json:"new_tip,omitempty"`
	SourceTip string      `json:"source_tip,omitempty"` // full-history commit behind NewTip
	Status    EventStatus `json:"status"`
	Message   string      `json:"message,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

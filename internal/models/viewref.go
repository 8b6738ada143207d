package models

import "time"

// ViewRef is the tip of a branch as seen through one view, together with the
// full-history commit it was derived from.
type ViewRef struct {
	Branch      string    `json:"branch"`
	Filter      string    `json:"filter"`
	FilteredTip string    `json:"filtered_tip"`
	SourceTip   string    `json:"source_tip"`
	UpdatedAt   time.Time `json:"updated_at"`
}

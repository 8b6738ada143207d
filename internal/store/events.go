package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/gitview/internal/models"
)

// timeFormat has a fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// EventQuery selects events from the audit log. Zero fields match everything.
type EventQuery struct {
	Kind   models.EventKind
	Branch string
	Limit  int
}

// RecordEvent appends e to the audit log. A missing ID or time is filled in.
func (s *Store) RecordEvent(ctx context.Context, e *models.Event) error {
	if e == nil {
		return errors.New("nil event")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, timestamp, repo, view, kind, branch, old_tip, new_tip, source_tip, status, message, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UTC().Format(timeFormat), e.Repo, e.View, string(e.Kind),
		e.Branch, e.OldTip, e.NewTip, e.SourceTip, string(e.Status), e.Message, e.RequestID,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// ListEvents returns matching events, newest first.
func (s *Store) ListEvents(ctx context.Context, q EventQuery) ([]*models.Event, error) {
	var where []string
	var args []interface{}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, q.Branch)
	}

	query := `SELECT id, timestamp, repo, view, kind, branch, old_tip, new_tip, source_tip, status, message, request_id FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var (
			e                                 models.Event
			ts, kind, status                  string
			branch, oldTip, newTip, sourceTip sql.NullString
			message, requestID                sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Repo, &e.View, &kind, &branch, &oldTip, &newTip, &sourceTip, &status, &message, &requestID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Time = parseTimestamp(ts)
		e.Kind = models.EventKind(kind)
		e.Status = models.EventStatus(status)
		e.Branch = branch.String
		e.OldTip = oldTip.String
		e.NewTip = newTip.String
		e.SourceTip = sourceTip.String
		e.Message = message.String
		e.RequestID = requestID.String
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CountEvents returns the number of events of the given kind, or of all
// kinds when kind is empty.
func (s *Store) CountEvents(ctx context.Context, kind models.EventKind) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE kind = ?", string(kind)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DeleteEventsBefore drops events older than t and returns how many were
// removed.
func (s *Store) DeleteEventsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", t.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

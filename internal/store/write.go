package store

import (
	"context"
	"fmt"

	"github.com/roach88/arcsim/internal/ir"
)

// Session describes one simulator run.
type Session struct {
	Token          string `json:"token"`
	Scenario       string `json:"scenario,omitempty"`
	RuntimeVersion string `json:"runtime_version"`
	EventVersion   string `json:"event_version"`
}

// WriteSession registers a session. Writing an existing token is a no-op.
func (s *Store) WriteSession(ctx context.Context, sess Session) error {
	if sess.Token == "" {
		return fmt.Errorf("write session: empty token")
	}
	if sess.RuntimeVersion == "" {
		sess.RuntimeVersion = ir.RuntimeVersion
	}
	if sess.EventVersion == "" {
		sess.EventVersion = ir.EventVersion
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, scenario, runtime_version, event_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO NOTHING
	`, sess.Token, sess.Scenario, sess.RuntimeVersion, sess.EventVersion)
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// WriteEvent appends an event. The event's ID must be set (see ir.EventID)
// and its session registered. Duplicate IDs are silently ignored.
func (s *Store) WriteEvent(ctx context.Context, ev ir.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("write event: empty id (seq=%d)", ev.Seq)
	}
	detail, err := marshalDetail(ev.Detail)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, session, seq, type, node, target, field, kind, task, queue, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.Session,
		ev.Seq,
		string(ev.Type),
		int64(ev.Node),
		int64(ev.Target),
		ev.Field,
		ev.Kind,
		ev.Task,
		ev.Queue,
		detail,
	)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteEvents appends events in one transaction.
func (s *Store) WriteEvents(ctx context.Context, events []ir.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write events: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events
		(id, session, seq, type, node, target, field, kind, task, queue, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write events: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if ev.ID == "" {
			return fmt.Errorf("write events: empty id (seq=%d)", ev.Seq)
		}
		detail, err := marshalDetail(ev.Detail)
		if err != nil {
			return fmt.Errorf("write events: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.Session, ev.Seq, string(ev.Type),
			int64(ev.Node), int64(ev.Target),
			ev.Field, ev.Kind, ev.Task, ev.Queue, detail,
		); err != nil {
			return fmt.Errorf("write events: seq %d: %w", ev.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write events: commit: %w", err)
	}
	return nil
}

// marshalDetail converts the detail object to canonical JSON TEXT.
func marshalDetail(detail ir.IRObject) (string, error) {
	if len(detail) == 0 {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(detail)
	if err != nil {
		return "", fmt.Errorf("marshal detail: %w", err)
	}
	return string(data), nil
}

// unmarshalDetail parses canonical JSON TEXT back into an IRObject.
// Integers survive exactly (no float64 round trip).
func unmarshalDetail(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var obj ir.IRObject
	if err := obj.UnmarshalJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("unmarshal detail: %w", err)
	}
	return obj, nil
}

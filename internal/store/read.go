package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/arcsim/internal/ir"
)

// ErrSessionNotFound is returned when a session token is unknown.
var ErrSessionNotFound = errors.New("session not found")

// ReadSession returns the session with the given token.
func (s *Store) ReadSession(ctx context.Context, token string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT token, scenario, runtime_version, event_version
		FROM sessions
		WHERE token = ?
	`, token).Scan(&sess.Token, &sess.Scenario, &sess.RuntimeVersion, &sess.EventVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, token)
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	return sess, nil
}

// ReadSessions returns every session in insertion order.
func (s *Store) ReadSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, scenario, runtime_version, event_version
		FROM sessions
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.Token, &sess.Scenario, &sess.RuntimeVersion, &sess.EventVersion); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ReadEvents returns all events of a session ordered by seq.
// Returns an empty slice (not nil) if the session has no events.
func (s *Store) ReadEvents(ctx context.Context, session string) ([]ir.Event, error) {
	return s.queryEvents(ctx, `
		SELECT id, session, seq, type, node, target, field, kind, task, queue, detail
		FROM events
		WHERE session = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, session)
}

// ReadNodeEvents returns the events of a session that mention node, either
// as the subject or as the target of a relation.
func (s *Store) ReadNodeEvents(ctx context.Context, session string, node ir.NodeID) ([]ir.Event, error) {
	return s.queryEvents(ctx, `
		SELECT id, session, seq, type, node, target, field, kind, task, queue, detail
		FROM events
		WHERE session = ? AND (node = ? OR target = ?)
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, session, int64(node), int64(node))
}

// ReadEventsByType returns the events of one type in a session.
func (s *Store) ReadEventsByType(ctx context.Context, session string, typ ir.EventType) ([]ir.Event, error) {
	return s.queryEvents(ctx, `
		SELECT id, session, seq, type, node, target, field, kind, task, queue, detail
		FROM events
		WHERE session = ? AND type = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, session, string(typ))
}

// ReadTaskEvents returns the lifecycle events of one task in a session.
func (s *Store) ReadTaskEvents(ctx context.Context, session, task string) ([]ir.Event, error) {
	return s.queryEvents(ctx, `
		SELECT id, session, seq, type, node, target, field, kind, task, queue, detail
		FROM events
		WHERE session = ? AND task = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, session, task)
}

// LastSeq returns the highest seq stored for a session, or 0.
func (s *Store) LastSeq(ctx context.Context, session string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM events WHERE session = ?
	`, session).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (ir.Event, error) {
	var (
		ev           ir.Event
		typ          string
		node, target int64
		detail       string
	)
	if err := rows.Scan(
		&ev.ID, &ev.Session, &ev.Seq, &typ,
		&node, &target,
		&ev.Field, &ev.Kind, &ev.Task, &ev.Queue,
		&detail,
	); err != nil {
		return ir.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Type = ir.EventType(typ)
	ev.Node = ir.NodeID(node)
	ev.Target = ir.NodeID(target)

	obj, err := unmarshalDetail(detail)
	if err != nil {
		return ir.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	ev.Detail = obj
	return ev, nil
}

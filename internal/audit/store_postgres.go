package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists audit events in PostgreSQL.
//
// Schema:
//
//	CREATE TABLE audit_events (
//	    id         TEXT PRIMARY KEY,
//	    ts         TIMESTAMPTZ NOT NULL,
//	    subject_id TEXT NOT NULL,
//	    action     TEXT NOT NULL,
//	    track      TEXT NOT NULL DEFAULT '',
//	    pose       TEXT NOT NULL DEFAULT '',
//	    from_state TEXT NOT NULL DEFAULT '',
//	    to_state   TEXT NOT NULL DEFAULT '',
//	    flagged    BOOLEAN NOT NULL DEFAULT FALSE,
//	    reason     TEXT NOT NULL DEFAULT '',
//	    ref        TEXT NOT NULL DEFAULT '',
//	    request_id TEXT NOT NULL DEFAULT ''
//	);
//	CREATE INDEX audit_events_subject_idx ON audit_events (subject_id, ts);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, ts, subject_id, action, track, pose, from_state, to_state, flagged, reason, ref, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, event.Timestamp, event.SubjectID, event.Action, event.Track,
		event.Pose, event.From, event.To, event.Flagged, event.Reason, event.Ref, event.RequestID)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subjectID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, subject_id, action, track, pose, from_state, to_state, flagged, reason, ref, request_id
		FROM audit_events WHERE subject_id = $1 ORDER BY ts`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.SubjectID, &event.Action,
			&event.Track, &event.Pose, &event.From, &event.To,
			&event.Flagged, &event.Reason, &event.Ref, &event.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

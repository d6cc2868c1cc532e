package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"verigate/internal/domain"
	"verigate/pkg/platform/sentinel"
)

// PostgresStore persists profile records in PostgreSQL.
//
// Schema (migrations live with the deployment):
//
//	CREATE TABLE profiles (
//	    subject_id          TEXT PRIMARY KEY,
//	    kyc_status          TEXT NOT NULL DEFAULT 'not_started',
//	    kyc_provider        TEXT NOT NULL DEFAULT '',
//	    kyc_session_ref     TEXT NOT NULL DEFAULT '',
//	    liveness_status     TEXT NOT NULL DEFAULT 'not_started',
//	    liveness_session_id TEXT NOT NULL DEFAULT '',
//	    verified_at         TIMESTAMPTZ,
//	    front_url           TEXT NOT NULL DEFAULT '',
//	    left_url            TEXT NOT NULL DEFAULT '',
//	    right_url           TEXT NOT NULL DEFAULT '',
//	    avatar_url          TEXT NOT NULL DEFAULT ''
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, subjectID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subject_id, kyc_status, kyc_provider, kyc_session_ref,
		       liveness_status, liveness_session_id, verified_at,
		       front_url, left_url, right_url, avatar_url
		FROM profiles WHERE subject_id = $1`, subjectID)

	var (
		record     Record
		state      domain.VerificationState
		verifiedAt sql.NullTime
		front      string
		left       string
		right      string
	)
	err := row.Scan(&state.SubjectID, &state.KYCStatus, &state.KYCProvider, &state.KYCSessionRef,
		&state.LivenessStatus, &state.LivenessSessionID, &verifiedAt,
		&front, &left, &right, &record.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("profile %s: %w", subjectID, sentinel.ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get profile: %w", err)
	}
	if verifiedAt.Valid {
		state.VerifiedAt = &verifiedAt.Time
	}
	record.SubjectID = state.SubjectID
	record.Verification = state
	record.PoseURLs = make(map[domain.Pose]string)
	if front != "" {
		record.PoseURLs[domain.PoseFront] = front
	}
	if left != "" {
		record.PoseURLs[domain.PoseLeft] = left
	}
	if right != "" {
		record.PoseURLs[domain.PoseRight] = right
	}
	return record, nil
}

func (s *PostgresStore) UpsertVerification(ctx context.Context, state domain.VerificationState) error {
	var verifiedAt sql.NullTime
	if state.VerifiedAt != nil {
		verifiedAt = sql.NullTime{Time: *state.VerifiedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (subject_id, kyc_status, kyc_provider, kyc_session_ref,
		                      liveness_status, liveness_session_id, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id) DO UPDATE SET
		    kyc_status = EXCLUDED.kyc_status,
		    kyc_provider = EXCLUDED.kyc_provider,
		    kyc_session_ref = EXCLUDED.kyc_session_ref,
		    liveness_status = EXCLUDED.liveness_status,
		    liveness_session_id = EXCLUDED.liveness_session_id,
		    verified_at = EXCLUDED.verified_at`,
		state.SubjectID, state.KYCStatus, state.KYCProvider, state.KYCSessionRef,
		state.LivenessStatus, state.LivenessSessionID, verifiedAt)
	if err != nil {
		return fmt.Errorf("upsert verification: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetPoseURL(ctx context.Context, subjectID string, pose domain.Pose, url string) error {
	var column string
	switch pose {
	case domain.PoseFront:
		column = "front_url"
	case domain.PoseLeft:
		column = "left_url"
	case domain.PoseRight:
		column = "right_url"
	default:
		return fmt.Errorf("unknown pose %q", pose)
	}
	// column is one of three literals above, never user input.
	query := fmt.Sprintf(`
		INSERT INTO profiles (subject_id, %s) VALUES ($1, $2)
		ON CONFLICT (subject_id) DO UPDATE SET %s = EXCLUDED.%s`, column, column, column)
	if _, err := s.db.ExecContext(ctx, query, subjectID, url); err != nil {
		return fmt.Errorf("set %s pose url: %w", pose, err)
	}
	return nil
}

func (s *PostgresStore) SetAvatarURL(ctx context.Context, subjectID string, url string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (subject_id, avatar_url) VALUES ($1, $2)
		ON CONFLICT (subject_id) DO UPDATE SET avatar_url = EXCLUDED.avatar_url`,
		subjectID, url)
	if err != nil {
		return fmt.Errorf("set avatar url: %w", err)
	}
	return nil
}

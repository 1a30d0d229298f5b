package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/console-relay/backend/internal/model"
)

const sessionColumns = `id, user_id, upstream_url, origin, state, close_reason, messages_up, messages_down, transcript_path, created_at, updated_at`

// SessionRepository provides data access for proxy session audit records.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session into the database.
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	query := `
		INSERT INTO proxy_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.UpstreamURL,
		session.Origin,
		session.State,
		nullString(session.CloseReason),
		session.MessagesUp,
		session.MessagesDown,
		nullString(session.TranscriptPath),
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM proxy_sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List retrieves the most recent sessions for a user, newest first.
// A limit of zero or less returns every session.
func (r *SessionRepository) List(ctx context.Context, userID string, limit int) ([]*model.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM proxy_sessions
		WHERE user_id = ?
		ORDER BY created_at DESC
	`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// Delete removes a session from the database.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM proxy_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return expectOneRow(result)
}

// UpdateState records a lifecycle transition. reason is stored only when
// non-empty, so an earlier close reason is not overwritten.
func (r *SessionRepository) UpdateState(ctx context.Context, id string, state model.SessionState, reason string) error {
	query := `
		UPDATE proxy_sessions
		SET state = ?, close_reason = COALESCE(?, close_reason), updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, state, nullString(reason), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	return expectOneRow(result)
}

// UpdateCounters stores the number of frames relayed in each direction.
func (r *SessionRepository) UpdateCounters(ctx context.Context, id string, up, down int64) error {
	query := `
		UPDATE proxy_sessions
		SET messages_up = ?, messages_down = ?, updated_at = ?
		WHERE id = ?
	`

	_, err := r.db.ExecContext(ctx, query, up, down, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session counters: %w", err)
	}
	return nil
}

// MarkAbandoned closes every session left live by a previous process.
// It returns the number of records changed.
func (r *SessionRepository) MarkAbandoned(ctx context.Context) (int64, error) {
	query := `
		UPDATE proxy_sessions
		SET state = ?, close_reason = COALESCE(close_reason, 'server restarted'), updated_at = ?
		WHERE state != ?
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionStateClosed, time.Now(), model.SessionStateClosed)
	if err != nil {
		return 0, fmt.Errorf("failed to mark abandoned sessions: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	session := &model.Session{}
	var closeReason sql.NullString
	var transcriptPath sql.NullString

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.UpstreamURL,
		&session.Origin,
		&session.State,
		&closeReason,
		&session.MessagesUp,
		&session.MessagesDown,
		&transcriptPath,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.CloseReason = closeReason.String
	session.TranscriptPath = transcriptPath.String
	return session, nil
}

func expectOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

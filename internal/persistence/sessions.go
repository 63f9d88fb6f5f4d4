package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dyzdyz010/clawd/internal/tokenutil"
)

const sessionColumns = `id, session_key, owner_agent_id, channel, state, model_override,
	token_count, message_count, compaction_count, last_compaction_at,
	metadata, last_activity_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var meta string
	var lastCompaction sql.NullTime
	err := row.Scan(&sess.ID, &sess.SessionKey, &sess.OwnerAgentID, &sess.Channel,
		&sess.State, &sess.ModelOverride, &sess.TokenCount, &sess.MessageCount,
		&sess.CompactionCount, &lastCompaction, &meta,
		&sess.LastActivityAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastCompaction.Valid {
		t := lastCompaction.Time
		sess.LastCompactionAt = &t
	}
	sess.Metadata = unmarshalMeta(meta)
	return &sess, nil
}

// GetSessionByKey returns the session for a key, or ErrNotFound.
func (s *Store) GetSessionByKey(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_key = ?;`, key)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session by key: %w", err)
	}
	return sess, nil
}

// GetSession returns the session for an id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// CreateSession inserts a new session row. Returns ErrDuplicateKey when
// the session_key already exists (the caller lost a creation race and
// should reload the winner's row).
func (s *Store) CreateSession(ctx context.Context, sess Session) (*Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.OwnerAgentID == "" {
		sess.OwnerAgentID = "main"
	}
	if sess.State == "" {
		sess.State = SessionStateActive
	}
	now := time.Now().UTC()
	meta, err := marshalMeta(sess.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, session_key, owner_agent_id, channel, state,
			model_override, metadata, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, sess.ID, sess.SessionKey, sess.OwnerAgentID, sess.Channel, sess.State,
		sess.ModelOverride, meta, now, now, now)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("session key %q: %w", sess.SessionKey, ErrDuplicateKey)
	}
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, sess.ID)
}

// EnsureSession resolves a key to a session, creating the row on first
// contact. Insert races resolve by reloading the winner's row; an
// archived session is reactivated, never duplicated.
func (s *Store) EnsureSession(ctx context.Context, key, ownerAgentID, channel string) (*Session, error) {
	sess, err := s.GetSessionByKey(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if sess == nil {
		sess, err = s.CreateSession(ctx, Session{
			SessionKey:   key,
			OwnerAgentID: ownerAgentID,
			Channel:      channel,
		})
		if errors.Is(err, ErrDuplicateKey) {
			// Lost the race; the winner's row is authoritative.
			sess, err = s.GetSessionByKey(ctx, key)
		}
		if err != nil {
			return nil, err
		}
	}
	if sess.State == SessionStateArchived {
		if err := s.UpdateSessionState(ctx, sess.ID, SessionStateActive); err != nil {
			return nil, err
		}
		sess.State = SessionStateActive
	}
	return sess, nil
}

// UpdateSessionState sets the lifecycle state of a session.
func (s *Store) UpdateSessionState(ctx context.Context, id, state string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?;
	`, state, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return nil
}

// TouchSession stamps last_activity_at.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?;
	`, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ResetSession wipes all messages and zeroes the counters in one
// transaction, preserving the session identity.
func (s *Store) ResetSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?;`, id); err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET state = ?, token_count = 0, message_count = 0,
				last_activity_at = ?, updated_at = ?
			WHERE id = ?;
		`, SessionStateActive, now, now, id)
		if err != nil {
			return fmt.Errorf("reset session counters: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return nil
	})
}

// DeleteSession removes the session and all of its messages. Only the
// sub-agent cleanup path calls this.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?;`, id); err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// ListSessions returns all sessions ordered by last activity, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY last_activity_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// ArchiveIdleSessions marks non-archived sessions idle since before as
// archived and returns how many changed.
func (s *Store) ArchiveIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = ?
		WHERE state != ? AND last_activity_at < ?;
	`, SessionStateArchived, time.Now().UTC(), SessionStateArchived, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive idle sessions: %w", err)
	}
	return res.RowsAffected()
}

// PurgeArchivedMessages deletes messages of archived sessions older than
// before, keeping session rows intact. Counters are recomputed so the
// bookkeeping stays truthful.
func (s *Store) PurgeArchivedMessages(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE created_at < ?
			  AND session_id IN (SELECT id FROM sessions WHERE state = ?);
		`, before.UTC(), SessionStateArchived)
		if err != nil {
			return fmt.Errorf("purge archived messages: %w", err)
		}
		purged, _ = res.RowsAffected()
		if purged == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET
				message_count = (SELECT COUNT(1) FROM messages WHERE session_id = sessions.id),
				token_count = 0,
				updated_at = ?
			WHERE state = ?;
		`, time.Now().UTC(), SessionStateArchived)
		if err != nil {
			return fmt.Errorf("recount archived sessions: %w", err)
		}
		return recountArchivedTokens(ctx, tx)
	})
	return purged, err
}

// recountArchivedTokens rebuilds token_count from the surviving rows of
// archived sessions, using recorded model counts where present and the
// estimation heuristic otherwise, so a reactivated session does not
// carry the purged messages' tokens.
func recountArchivedTokens(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT m.session_id, m.content, m.tool_calls, m.tokens_in, m.tokens_out
		FROM messages m JOIN sessions s ON s.id = m.session_id
		WHERE s.state = ?;
	`, SessionStateArchived)
	if err != nil {
		return fmt.Errorf("load archived messages: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var sid, content, toolCalls string
		var in, out int
		if err := rows.Scan(&sid, &content, &toolCalls, &in, &out); err != nil {
			return fmt.Errorf("scan archived message: %w", err)
		}
		if in+out > 0 {
			totals[sid] += in + out
			continue
		}
		parts := []string{content}
		if toolCalls != "" && toolCalls != "[]" {
			parts = append(parts, toolCalls)
		}
		totals[sid] += tokenutil.EstimateParts(parts...)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate archived messages: %w", err)
	}

	for sid, total := range totals {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET token_count = ? WHERE id = ?;`, total, sid); err != nil {
			return fmt.Errorf("update token count for %s: %w", sid, err)
		}
	}
	return nil
}

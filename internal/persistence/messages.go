package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, session_id, role, content, tool_calls, tool_call_id,
	model, tokens_in, tokens_out, metadata, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var msg Message
	var toolCalls, meta string
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
		&toolCalls, &msg.ToolCallID, &msg.Model,
		&msg.TokensIn, &msg.TokensOut, &meta, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.ToolCalls = unmarshalToolCalls(toolCalls)
	msg.Metadata = unmarshalMeta(meta)
	return &msg, nil
}

func validRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// AppendMessage inserts a message and bumps the session's message and
// token counters in the same transaction. estTokens is the message's
// contribution to the session estimate (recorded counts or heuristic).
func (s *Store) AppendMessage(ctx context.Context, msg Message, estTokens int) (int64, error) {
	msg.Role = strings.ToLower(strings.TrimSpace(msg.Role))
	if !validRole(msg.Role) {
		return 0, fmt.Errorf("invalid role %q", msg.Role)
	}
	if msg.ToolCallID != "" && msg.Role != RoleTool {
		return 0, fmt.Errorf("tool_call_id only valid for tool role, got %q", msg.Role)
	}
	toolCalls, err := marshalToolCalls(msg.ToolCalls)
	if err != nil {
		return 0, err
	}
	meta, err := marshalMeta(msg.Metadata)
	if err != nil {
		return 0, err
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id,
				model, tokens_in, tokens_out, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, msg.SessionID, msg.Role, msg.Content, toolCalls, msg.ToolCallID,
			msg.Model, msg.TokensIn, msg.TokensOut, meta, createdAt.UTC())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions
			SET message_count = message_count + 1,
				token_count = token_count + ?,
				updated_at = ?
			WHERE id = ?;
		`, estTokens, time.Now().UTC(), msg.SessionID)
		if err != nil {
			return fmt.Errorf("bump session counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListMessages returns messages for a session in insertion order.
// limit <= 0 means no limit; offset skips from the start.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?;
	`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// CountMessages returns the message count for a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE session_id = ?;`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// CompactSwap atomically replaces the compacted range with one summary
// message and refreshes the session's bookkeeping. deleteIDs are the
// rows being summarized; newTokenCount is the recomputed session
// estimate after the swap. Either everything applies or nothing does.
func (s *Store) CompactSwap(ctx context.Context, sessionID string, deleteIDs []int64, summary Message, newTokenCount int) (int64, error) {
	if len(deleteIDs) == 0 {
		return 0, fmt.Errorf("compact swap: empty range")
	}
	summary.Role = RoleSystem
	toolCalls, err := marshalToolCalls(summary.ToolCalls)
	if err != nil {
		return 0, err
	}
	if summary.Metadata == nil {
		summary.Metadata = map[string]string{}
	}
	summary.Metadata["type"] = MetaTypeCompactionSummary
	meta, err := marshalMeta(summary.Metadata)
	if err != nil {
		return 0, err
	}
	createdAt := summary.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(deleteIDs)), ",")
	args := make([]any, 0, len(deleteIDs)+1)
	args = append(args, sessionID)
	for _, id := range deleteIDs {
		args = append(args, id)
	}

	var summaryID int64
	now := time.Now().UTC()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id = ? AND id IN (`+placeholders+`);`, args...)
		if err != nil {
			return fmt.Errorf("delete compacted messages: %w", err)
		}
		deleted, _ := res.RowsAffected()
		if deleted != int64(len(deleteIDs)) {
			return fmt.Errorf("compact swap: expected to delete %d rows, deleted %d", len(deleteIDs), deleted)
		}

		// The summary takes over the first compacted row's id so it keeps
		// sorting before the untouched tail in canonical order.
		summaryID = deleteIDs[0]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id,
				model, tokens_in, tokens_out, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?);
		`, summaryID, sessionID, summary.Role, summary.Content, toolCalls,
			summary.Model, summary.TokensIn, summary.TokensOut, meta, createdAt)
		if err != nil {
			return fmt.Errorf("insert summary message: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET
				message_count = (SELECT COUNT(1) FROM messages WHERE session_id = sessions.id),
				token_count = ?,
				compaction_count = compaction_count + 1,
				last_compaction_at = ?,
				updated_at = ?
			WHERE id = ?;
		`, newTokenCount, now, now, sessionID)
		if err != nil {
			return fmt.Errorf("update session after compaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return summaryID, nil
}

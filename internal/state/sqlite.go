package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/user/agentchat/internal/types"
)

// SQLiteAdapter persists chats and messages into the migrated relational
// schema. Rows are addressed by stable_id; the integer id column is internal.
type SQLiteAdapter struct {
	db *sql.DB
}

// NewSQLiteAdapter wraps an open, migrated database.
func NewSQLiteAdapter(db *sql.DB) *SQLiteAdapter {
	return &SQLiteAdapter{db: db}
}

// DB returns the underlying handle.
func (s *SQLiteAdapter) DB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *SQLiteAdapter) Close() error {
	return s.db.Close()
}

// SaveChat upserts the chat together with its channel and task rows.
func (s *SQLiteAdapter) SaveChat(ctx context.Context, chat *types.Chat) error {
	taskIDs, err := json.Marshal(nonNil(chat.TaskIDs))
	if err != nil {
		return fmt.Errorf("marshal task ids: %w", err)
	}
	participants, err := json.Marshal(nonNilParticipants(chat.Participants))
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save chat: %w", err)
	}
	defer tx.Rollback()

	created := chat.CreatedAt.UTC().Format(time.RFC3339Nano)
	updated := chat.UpdatedAt.UTC().Format(time.RFC3339Nano)

	if chat.ChannelID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channels (stable_id, workspace_id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(stable_id) DO UPDATE SET updated_at = excluded.updated_at
		`, chat.ChannelID, chat.WorkspaceID, created, updated); err != nil {
			return fmt.Errorf("upsert channel: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (stable_id, workspace_id, channel_id, name, type, primary_context_id,
			task_ids, participants, last_message_preview, last_message_timestamp,
			last_viewed_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stable_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			channel_id = excluded.channel_id,
			name = excluded.name,
			type = excluded.type,
			primary_context_id = excluded.primary_context_id,
			task_ids = excluded.task_ids,
			participants = excluded.participants,
			last_message_preview = excluded.last_message_preview,
			last_message_timestamp = excluded.last_message_timestamp,
			last_viewed_message_id = excluded.last_viewed_message_id,
			updated_at = excluded.updated_at
	`, chat.ID, chat.WorkspaceID, chat.ChannelID, chat.Name, string(chat.Type), chat.PrimaryContextID,
		string(taskIDs), string(participants), chat.LastMessagePreview, chat.LastMessageTimestamp,
		nullString(chat.LastViewedMessageID), created, updated); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, taskID := range chat.TaskIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (stable_id, chat_id, context_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(stable_id) DO NOTHING
		`, taskID, chat.ID, chat.PrimaryContextID, now, now); err != nil {
			return fmt.Errorf("insert task %s: %w", taskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save chat: %w", err)
	}
	return nil
}

const chatColumns = `stable_id, workspace_id, channel_id, name, type, primary_context_id,
	task_ids, participants, last_message_preview, last_message_timestamp,
	last_viewed_message_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*types.Chat, error) {
	var (
		chat                   types.Chat
		chatType               string
		taskIDs, participants  string
		lastViewed             sql.NullString
		createdText, updatedAt string
	)
	if err := row.Scan(&chat.ID, &chat.WorkspaceID, &chat.ChannelID, &chat.Name, &chatType,
		&chat.PrimaryContextID, &taskIDs, &participants, &chat.LastMessagePreview,
		&chat.LastMessageTimestamp, &lastViewed, &createdText, &updatedAt); err != nil {
		return nil, err
	}
	chat.Type = types.ChatType(chatType)
	chat.LastViewedMessageID = lastViewed.String
	if err := json.Unmarshal([]byte(taskIDs), &chat.TaskIDs); err != nil {
		return nil, fmt.Errorf("unmarshal task ids: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &chat.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	var err error
	if chat.CreatedAt, err = time.Parse(time.RFC3339Nano, createdText); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if chat.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &chat, nil
}

// LoadChat returns the chat with the given stable id, or nil if none exists.
func (s *SQLiteAdapter) LoadChat(ctx context.Context, id string) (*types.Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE stable_id = ?`, id)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", id, err)
	}
	return chat, nil
}

// DeleteChat removes the chat, its messages and its tasks in one transaction.
func (s *SQLiteAdapter) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete chat: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM tasks WHERE chat_id = ?`,
		`DELETE FROM chats WHERE stable_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete chat %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

// ListChats returns all chats, most recently active first.
func (s *SQLiteAdapter) ListChats(ctx context.Context) ([]*types.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chats
		ORDER BY last_message_timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []*types.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// SaveMessages replaces the chat's message rows inside one transaction, so a
// failed save leaves the previous list intact.
func (s *SQLiteAdapter) SaveMessages(ctx context.Context, chatID string, messages []*types.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save messages: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (stable_id, client_message_id, workspace_id, channel_id, chat_id,
			task_id, sender_id, sender_type, timestamp, network_state, type,
			payload, content, metadata, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert message: %w", err)
	}
	defer stmt.Close()

	for i, msg := range messages {
		payload, content, metadata, err := encodeMessage(msg)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", msg.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			msg.ID, nullString(msg.ClientMessageID), msg.WorkspaceID, msg.ChannelID, chatID,
			nullString(msg.TaskID), msg.SenderID, string(msg.SenderType), msg.Timestamp,
			string(msg.NetworkState), string(msg.Type), payload, content, metadata, i,
		); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save messages: %w", err)
	}
	return nil
}

const messageColumns = `stable_id, client_message_id, workspace_id, channel_id, chat_id,
	task_id, sender_id, sender_type, timestamp, network_state, type, payload, content, metadata`

// LoadMessages returns the chat's messages in saved order, or nil if none exist.
func (s *SQLiteAdapter) LoadMessages(ctx context.Context, chatID string) ([]*types.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? ORDER BY position, id`, chatID)
}

// StarredMessages returns the chat's messages whose metadata carries
// starred=true, oldest first. The query matches the partial starred index.
func (s *SQLiteAdapter) StarredMessages(ctx context.Context, chatID string) ([]*types.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND json_extract(metadata, '$.starred') = 1
		ORDER BY timestamp`, chatID)
}

func (s *SQLiteAdapter) queryMessages(ctx context.Context, query string, args ...any) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg                        types.Message
		clientID, taskID           sql.NullString
		senderType, state, msgType string
		payload, content, metadata sql.NullString
	)
	if err := row.Scan(&msg.ID, &clientID, &msg.WorkspaceID, &msg.ChannelID, &msg.ChatID,
		&taskID, &msg.SenderID, &senderType, &msg.Timestamp, &state, &msgType,
		&payload, &content, &metadata); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.ClientMessageID = clientID.String
	msg.TaskID = taskID.String
	msg.SenderType = types.SenderType(senderType)
	msg.NetworkState = types.NetworkState(state)
	msg.Type = types.ActivityType(msgType)

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of %s: %w", msg.ID, err)
		}
	}

	if !msg.IsContent() {
		if payload.Valid && payload.String != "" && payload.String != "null" {
			msg.Activity = json.RawMessage(payload.String)
		}
		return &msg, nil
	}

	msg.Parts = types.Parts{}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &msg.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal parts of %s: %w", msg.ID, err)
		}
	}
	msg.Content = &types.ContentFields{}
	if content.Valid && content.String != "" {
		if err := json.Unmarshal([]byte(content.String), msg.Content); err != nil {
			return nil, fmt.Errorf("unmarshal content of %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

func encodeMessage(msg *types.Message) (payload, content, metadata sql.NullString, err error) {
	if msg.IsContent() {
		data, err := json.Marshal(msg.Parts)
		if err != nil {
			return payload, content, metadata, err
		}
		payload = sql.NullString{String: string(data), Valid: true}
		fields := msg.Content
		if fields == nil {
			fields = &types.ContentFields{}
		}
		data, err = json.Marshal(fields)
		if err != nil {
			return payload, content, metadata, err
		}
		content = sql.NullString{String: string(data), Valid: true}
	} else if len(msg.Activity) > 0 {
		payload = sql.NullString{String: string(msg.Activity), Valid: true}
	}

	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return payload, content, metadata, err
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}
	return payload, content, metadata, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilParticipants(p []types.Participant) []types.Participant {
	if p == nil {
		return []types.Participant{}
	}
	return p
}

// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
)

// titleMaxChars is the rune budget for an auto-generated conversation
// title before the ellipsis is appended.
const titleMaxChars = 50

// =============================================================================
// Conversation Lifecycle
// =============================================================================

// EnsureConversation returns an existing conversation after an
// ownership check, or creates a new one.
//
// # Description
//
// When conversationID is empty a new conversation is created with the
// placeholder title and the supplied routing parameters; environment
// is fixed at creation and never changes afterward. When
// conversationID is set, the conversation must exist, be active, and
// belong to auth.UserID; a conversation owned by someone else returns
// ErrForbidden and a missing one ErrNotFound. Passing the same id
// twice never creates a second row.
func (s *Store) EnsureConversation(ctx context.Context, auth datatypes.AuthContext, serviceType, configurationID, environment, conversationID string) (*datatypes.Conversation, error) {
	if conversationID != "" {
		conv, err := s.getOwnedConversation(ctx, auth, conversationID)
		if err != nil {
			return nil, err
		}
		return conv, nil
	}

	conv := &datatypes.Conversation{
		ID:              uuid.New().String(),
		UserID:          auth.UserID,
		ServiceType:     serviceType,
		ConfigurationID: configurationID,
		Environment:     environment,
		Title:           datatypes.PlaceholderTitle,
	}

	err := s.execContext(ctx,
		`INSERT INTO conversations (id, user_id, service_type, configuration_id, environment, title)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.ServiceType,
		nullable(conv.ConfigurationID), nullable(conv.Environment), conv.Title)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// getOwnedConversation loads a conversation and enforces ownership.
func (s *Store) getOwnedConversation(ctx context.Context, auth datatypes.AuthContext, conversationID string) (*datatypes.Conversation, error) {
	conv := &datatypes.Conversation{}
	var configID, environment sql.NullString
	var isActive bool
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, service_type, configuration_id, environment, title,
		        is_active, created_at, updated_at
		 FROM conversations WHERE id = ?`,
		conversationID).Scan(&conv.ID, &conv.UserID, &conv.ServiceType,
		&configID, &environment, &conv.Title, &isActive,
		&conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datatypes.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	if conv.UserID != auth.UserID {
		return nil, datatypes.ErrForbidden
	}
	if !isActive {
		return nil, datatypes.ErrNotFound
	}
	conv.ConfigurationID = configID.String
	conv.Environment = environment.String
	return conv, nil
}

// GetConversation returns an owned conversation with its messages.
func (s *Store) GetConversation(ctx context.Context, auth datatypes.AuthContext, conversationID string) (*datatypes.Conversation, []datatypes.Message, error) {
	conv, err := s.getOwnedConversation(ctx, auth, conversationID)
	if err != nil {
		return nil, nil, err
	}

	messages, err := s.listMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, messages, nil
}

// ListConversations returns the caller's active conversations, most
// recently updated first. serviceType filters when non-empty.
func (s *Store) ListConversations(ctx context.Context, auth datatypes.AuthContext, serviceType string, limit, offset int) ([]datatypes.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT c.id, c.user_id, c.service_type, c.configuration_id, c.environment,
	                 c.title, c.created_at, c.updated_at,
	                 (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
	          FROM conversations c
	          WHERE c.user_id = ? AND c.is_active = 1`
	args := []any{auth.UserID}
	if serviceType != "" {
		query += ` AND c.service_type = ?`
		args = append(args, serviceType)
	}
	query += ` ORDER BY c.updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	convs := []datatypes.Conversation{}
	for rows.Next() {
		var c datatypes.Conversation
		var configID, environment sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.ServiceType, &configID, &environment,
			&c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.ConfigurationID = configID.String
		c.Environment = environment.String
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation soft-deletes an owned conversation. Messages are
// retained for feedback integrity.
func (s *Store) DeleteConversation(ctx context.Context, auth datatypes.AuthContext, conversationID string) error {
	if _, err := s.getOwnedConversation(ctx, auth, conversationID); err != nil {
		return err
	}
	return s.execContext(ctx,
		`UPDATE conversations SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		conversationID)
}

// =============================================================================
// Messages
// =============================================================================

// AppendMessage inserts one message row and bumps the conversation's
// updated_at. Returns the new message id.
//
// This is the only database write in the chat flow; it runs once per
// turn side (user message at turn start, assistant message after the
// stream completes or is cancelled), never per token.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, usage *datatypes.TokenUsage, sources []datatypes.Source, completeness string) (string, error) {
	if completeness == "" {
		completeness = datatypes.CompletenessComplete
	}

	var sourcesJSON sql.NullString
	if len(sources) > 0 {
		data, err := json.Marshal(sources)
		if err != nil {
			return "", fmt.Errorf("marshal sources: %w", err)
		}
		sourcesJSON = sql.NullString{String: string(data), Valid: true}
	}

	var promptTokens, completionTokens, totalTokens sql.NullInt64
	if usage != nil {
		promptTokens = sql.NullInt64{Int64: int64(usage.PromptTokens), Valid: true}
		completionTokens = sql.NullInt64{Int64: int64(usage.CompletionTokens), Valid: true}
		totalTokens = sql.NullInt64{Int64: int64(usage.TotalTokens), Valid: true}
	}

	id := uuid.New().String()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content,
		                       prompt_tokens, completion_tokens, total_tokens,
		                       sources_json, completeness)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, conversationID, role, content,
		promptTokens, completionTokens, totalTokens, sourcesJSON, completeness)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		conversationID)
	if err != nil {
		return "", fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit message: %w", err)
	}
	return id, nil
}

// listMessages returns a conversation's messages in insertion order.
//
// Ordering is by rowid, not created_at: CURRENT_TIMESTAMP has
// one-second resolution, so a user/assistant pair written in the same
// second would tie. Message rows are never deleted, so rowid is a
// strict monotonic insertion sequence.
func (s *Store) listMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content,
		        prompt_tokens, completion_tokens, total_tokens,
		        sources_json, completeness, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY rowid`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []datatypes.Message{}
	for rows.Next() {
		var m datatypes.Message
		var promptTokens, completionTokens, totalTokens sql.NullInt64
		var sourcesJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&promptTokens, &completionTokens, &totalTokens,
			&sourcesJSON, &m.Completeness, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if totalTokens.Valid {
			m.Usage = &datatypes.TokenUsage{
				PromptTokens:     int(promptTokens.Int64),
				CompletionTokens: int(completionTokens.Int64),
				TotalTokens:      int(totalTokens.Int64),
			}
		}
		if sourcesJSON.Valid {
			if err := json.Unmarshal([]byte(sourcesJSON.String), &m.Sources); err != nil {
				return nil, fmt.Errorf("unmarshal sources: %w", err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// History returns the prior messages of an owned conversation for
// upstream prompt construction.
func (s *Store) History(ctx context.Context, auth datatypes.AuthContext, conversationID string) ([]datatypes.Message, error) {
	if _, err := s.getOwnedConversation(ctx, auth, conversationID); err != nil {
		return nil, err
	}
	return s.listMessages(ctx, conversationID)
}

// =============================================================================
// Auto-Titling
// =============================================================================

// MaybeRetitle rewrites the conversation title from its first user
// message, at most once.
//
// A dedicated is_titled flag gates the rewrite rather than comparing
// the title to the placeholder text: a first message that happens to
// equal the placeholder would otherwise leave the gate open for the
// next turn. The conditional UPDATE flips the flag atomically, so the
// rewrite fires exactly once no matter how many turns follow. Titles
// longer than 50 characters are truncated with an ellipsis appended.
func (s *Store) MaybeRetitle(ctx context.Context, conversationID, firstUserMessage string) error {
	return s.execContext(ctx,
		`UPDATE conversations SET title = ?, is_titled = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND is_titled = 0`,
		TitleFromMessage(firstUserMessage), conversationID)
}

// TitleFromMessage derives a conversation title from message text:
// the first 50 characters, with "..." appended when truncated.
func TitleFromMessage(message string) string {
	runes := []rune(message)
	if len(runes) <= titleMaxChars {
		return message
	}
	return string(runes[:titleMaxChars]) + "..."
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

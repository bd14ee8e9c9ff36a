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
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
)

// SubmitFeedback records a rating for one assistant message.
//
// # Description
//
// The message must exist and belong to a conversation owned by the
// caller: a missing message returns ErrNotFound, someone else's
// message ErrForbidden. At most one feedback row may exist per
// (user, message); a duplicate submission is rejected with
// ErrFeedbackConflict, enforced by the UNIQUE constraint so
// concurrent duplicates cannot both land.
//
// Service type, configuration, and environment are denormalized from
// the owning conversation at submission time for reporting queries.
func (s *Store) SubmitFeedback(ctx context.Context, auth datatypes.AuthContext, messageID string, rating int, comment string) (*datatypes.Feedback, error) {
	var (
		conversationID, ownerID, serviceType string
		configID, environment                sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT c.id, c.user_id, c.service_type, c.configuration_id, c.environment
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.id = ?`,
		messageID).Scan(&conversationID, &ownerID, &serviceType, &configID, &environment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datatypes.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	if ownerID != auth.UserID {
		return nil, datatypes.ErrForbidden
	}

	fb := &datatypes.Feedback{
		ID:              uuid.New().String(),
		UserID:          auth.UserID,
		ConversationID:  conversationID,
		MessageID:       messageID,
		Rating:          rating,
		Comment:         comment,
		ServiceType:     serviceType,
		ConfigurationID: configID.String,
		Environment:     environment.String,
	}

	err = s.execContext(ctx,
		`INSERT INTO feedback (id, user_id, conversation_id, message_id, rating, comment,
		                       service_type, configuration_id, environment)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.UserID, fb.ConversationID, fb.MessageID, fb.Rating,
		nullable(fb.Comment), fb.ServiceType, configID, environment)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, datatypes.ErrFeedbackConflict
		}
		return nil, fmt.Errorf("insert feedback: %w", err)
	}
	return fb, nil
}

// isUniqueViolation detects a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatStreamRequest_Valid(t *testing.T) {
	req := ChatStreamRequest{
		Message:         "How do I reset the VPN client?",
		ConversationID:  "550e8400-e29b-41d4-a716-446655440000",
		ConfigurationID: "660f9500-e29b-41d4-a716-446655440000",
		Environment:     EnvironmentProduction,
	}
	assert.NoError(t, req.Validate())
}

func TestChatStreamRequest_MinimalValid(t *testing.T) {
	req := ChatStreamRequest{Message: "hello"}
	assert.NoError(t, req.Validate())
}

func TestChatStreamRequest_EmptyMessage(t *testing.T) {
	req := ChatStreamRequest{Message: ""}
	assert.Error(t, req.Validate())
}

func TestChatStreamRequest_MessageTooLong(t *testing.T) {
	req := ChatStreamRequest{Message: strings.Repeat("a", MaxMessageChars+1)}
	assert.Error(t, req.Validate())
}

func TestChatStreamRequest_BadConversationID(t *testing.T) {
	req := ChatStreamRequest{
		Message:        "hello",
		ConversationID: "not-a-uuid",
	}
	assert.Error(t, req.Validate())
}

func TestChatStreamRequest_BadEnvironment(t *testing.T) {
	req := ChatStreamRequest{
		Message:     "hello",
		Environment: "qa",
	}
	assert.Error(t, req.Validate())
}

func TestFeedbackRequest_Valid(t *testing.T) {
	req := FeedbackRequest{
		MessageID: "550e8400-e29b-41d4-a716-446655440000",
		Rating:    4,
		Comment:   "helpful answer",
	}
	assert.NoError(t, req.Validate())
}

func TestFeedbackRequest_RatingOutOfRange(t *testing.T) {
	req := FeedbackRequest{
		MessageID: "550e8400-e29b-41d4-a716-446655440000",
		Rating:    6,
	}
	assert.Error(t, req.Validate())

	req.Rating = 0
	assert.Error(t, req.Validate())
}

func TestAuthContext_Roles(t *testing.T) {
	admin := AuthContext{UserID: "u1", Roles: []string{RoleAdmin}}
	assert.True(t, admin.IsAdmin())
	assert.True(t, admin.IsPrivileged())

	steward := AuthContext{UserID: "u2", Roles: []string{RoleKnowledgeSteward}}
	assert.False(t, steward.IsAdmin())
	assert.True(t, steward.IsPrivileged())

	regular := AuthContext{UserID: "u3", Roles: []string{RoleUser, RoleOIS}}
	assert.False(t, regular.IsAdmin())
	assert.False(t, regular.IsPrivileged())
	assert.True(t, regular.HasRole(RoleOIS))
	assert.False(t, regular.HasRole(RoleManager))
}

func TestSafeClientMessage(t *testing.T) {
	assert.Contains(t, SafeClientMessage(ErrUpstreamTimeout), "too long")
	assert.Contains(t, SafeClientMessage(&UpstreamMalformedError{ServiceType: ServiceRAGChat}), "unexpected")
	assert.Contains(t, SafeClientMessage(ErrForbidden), "access")
	assert.Contains(t, SafeClientMessage(assert.AnError), "internal error")
}

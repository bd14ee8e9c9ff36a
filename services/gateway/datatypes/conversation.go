// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// =============================================================================
// Authorization Context
// =============================================================================

// Role name constants, matching the rows seeded into the roles table.
const (
	RoleUser             = "USER"
	RoleOIS              = "OIS"
	RoleSIM              = "SIM"
	RoleManager          = "MANAGER"
	RoleKnowledgeSteward = "KNOWLEDGE_STEWARD"
	RoleAdmin            = "ADMIN"
)

// AuthContext is the immutable authorization context for one request.
//
// # Description
//
// Resolved once by the auth middleware and passed explicitly as a
// parameter into every store and relay call that makes an access
// decision. It is never mutated after creation and never stored in
// ambient/global state, so every filtering decision is visible and
// testable at its call site.
type AuthContext struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the context carries the named role.
func (a AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the context carries the ADMIN role.
// Admins bypass the configuration access filter entirely.
func (a AuthContext) IsAdmin() bool {
	return a.HasRole(RoleAdmin)
}

// IsPrivileged reports whether the context may target the stage
// environment. Only ADMIN and KNOWLEDGE_STEWARD qualify; everyone
// else is coerced to production.
func (a AuthContext) IsPrivileged() bool {
	return a.HasRole(RoleAdmin) || a.HasRole(RoleKnowledgeSteward)
}

// =============================================================================
// Persistence Records
// =============================================================================

// Message role constants.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

// Completeness values for assistant messages. Partial is only set by
// client cancellation mid-stream.
const (
	CompletenessComplete = "complete"
	CompletenessPartial  = "partial"
)

// PlaceholderTitle is the title given to new conversations until the
// first user message rewrites it.
const PlaceholderTitle = "New Conversation"

// Conversation is one chat thread owned by a single user.
//
// Environment is fixed at creation and never changes for the life of
// the conversation.
type Conversation struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ServiceType     string    `json:"service_type"`
	ConfigurationID string    `json:"configuration_id,omitempty"`
	Environment     string    `json:"environment,omitempty"`
	Title           string    `json:"title"`
	MessageCount    int       `json:"message_count,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Message is one turn entry within a conversation.
//
// For assistant messages, Content equals the exact in-order
// concatenation of every token event streamed for that turn; on
// cancellation it equals the emitted prefix and Completeness is
// partial.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           string      `json:"role"`
	Content        string      `json:"content"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	Sources        []Source    `json:"sources,omitempty"`
	Completeness   string      `json:"completeness"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Configuration is one queryable RAG domain/version pairing in a
// specific environment.
type Configuration struct {
	ID          string    `json:"id"`
	DomainKey   string    `json:"domain_key"`
	ConfigKey   string    `json:"config_key"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Environment string    `json:"environment"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Feedback is one user rating of one assistant message.
//
// Service type, configuration, and environment are denormalized from
// the owning conversation at submission time for reporting queries.
type Feedback struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ConversationID  string    `json:"conversation_id"`
	MessageID       string    `json:"message_id"`
	Rating          int       `json:"rating"`
	Comment         string    `json:"comment,omitempty"`
	ServiceType     string    `json:"service_type"`
	ConfigurationID string    `json:"configuration_id,omitempty"`
	Environment     string    `json:"environment,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// User is an authenticated portal user. Users are deactivated, never
// hard-deleted, so historical conversations keep a valid owner.
type User struct {
	ID          string    `json:"id"`
	Login       string    `json:"login"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

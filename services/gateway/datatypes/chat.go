// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the gateway service.
//
// This file contains the chat request type and the service/environment
// enumerations. Stream event types are in events.go, persistence views
// in conversation.go, and the error taxonomy in errors.go.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Service Types and Environments
// =============================================================================

// Service type identifiers for the two upstream AI backends.
const (
	// ServiceDirectChat is the direct LLM chat service (no retrieval).
	ServiceDirectChat = "direct-chat"

	// ServiceRAGChat is the retrieval-augmented chat service. Requests
	// must name a configuration the caller is granted access to.
	ServiceRAGChat = "rag-chat"
)

// Upstream environment identifiers.
//
// EnvironmentStage is reserved for privileged roles; non-privileged
// callers requesting stage are served production instead.
const (
	EnvironmentStage      = "stage"
	EnvironmentProduction = "production"
)

// ValidServiceType reports whether s names a known upstream service.
func ValidServiceType(s string) bool {
	return s == ServiceDirectChat || s == ServiceRAGChat
}

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageChars is the maximum length of a single chat message.
	// Checked as rune count so multi-byte scripts get the same budget.
	MaxMessageChars = 4000

	// MaxCommentChars is the maximum length of a feedback comment.
	MaxCommentChars = 2000
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// gatewayValidate is the validator instance for gateway datatypes.
var gatewayValidate *validator.Validate

func init() {
	gatewayValidate = validator.New()

	_ = gatewayValidate.RegisterValidation("environment", validateEnvironment)
}

// validateEnvironment accepts empty, "stage", or "production".
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	return env == "" || env == EnvironmentStage || env == EnvironmentProduction
}

// =============================================================================
// Chat Request
// =============================================================================

// ChatStreamRequest represents the body of POST /v1/chat/:service_type.
//
// # Description
//
// Carries one user message plus optional routing parameters. The
// service type comes from the URL path, not the body. When
// ConversationID is absent a new conversation is created; when present
// the conversation must exist and belong to the caller.
//
// # Fields
//
//   - Message: Required. The user's message text, 1-4000 characters.
//   - ConversationID: Optional. UUID of an existing conversation.
//   - ConfigurationID: Optional for direct-chat, required for rag-chat.
//     Must be in the caller's role-filtered configuration set.
//   - Environment: Optional. "stage" or "production". Defaults to
//     production; stage requires a privileged role.
//   - Temperature: Optional sampling temperature for direct-chat.
//   - MaxTokens: Optional completion cap for direct-chat.
//
// # Validation
//
// Uses go-playground/validator:
//   - Message: required, 1-4000 runes
//   - ConversationID, ConfigurationID: valid UUID v4 when present
//   - Environment: "", "stage", or "production"
type ChatStreamRequest struct {
	Message         string  `json:"message" validate:"required,min=1,max=4000"`
	ConversationID  string  `json:"conversation_id,omitempty" validate:"omitempty,uuid4"`
	ConfigurationID string  `json:"configuration_id,omitempty" validate:"omitempty,uuid4"`
	Environment     string  `json:"environment,omitempty" validate:"environment"`
	Temperature     float64 `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	MaxTokens       int     `json:"max_tokens,omitempty" validate:"gte=0,lte=32768"`
}

// Validate validates the ChatStreamRequest fields.
//
// This method should be called after binding the JSON request.
func (r *ChatStreamRequest) Validate() error {
	return gatewayValidate.Struct(r)
}

// =============================================================================
// Feedback Request
// =============================================================================

// FeedbackRequest represents the body of POST /v1/feedback.
//
// Rating is a 1-5 scale. At most one feedback row may exist per
// (user, message); duplicates are rejected with a conflict.
type FeedbackRequest struct {
	MessageID string `json:"message_id" validate:"required,uuid4"`
	Rating    int    `json:"rating" validate:"required,gte=1,lte=5"`
	Comment   string `json:"comment,omitempty" validate:"max=2000"`
}

// Validate validates the FeedbackRequest fields.
func (r *FeedbackRequest) Validate() error {
	return gatewayValidate.Struct(r)
}

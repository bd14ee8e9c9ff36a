// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Stream Event Types
// =============================================================================

// Event type constants for the SSE stream.
//
// Within one streaming turn events are strictly ordered:
//
//	conversation_id, token*, sources?, usage?, message_id, end
//
// or a single error event if the turn fails after the stream opened.
const (
	EventConversationID = "conversation_id"
	EventToken          = "token"
	EventSources        = "sources"
	EventUsage          = "usage"
	EventMessageID      = "message_id"
	EventEnd            = "end"
	EventError          = "error"
)

// StreamEvent is one event on the chat SSE stream.
//
// # Description
//
// StreamEvent is serialized as the JSON payload of a single SSE frame
// ("data: {json}\n\n"). Exactly one of the optional fields is set,
// depending on Type:
//
//   - token: Content carries one incremental text chunk
//   - sources: Sources carries the retrieved document references
//   - usage: Usage carries token counts from the upstream
//   - conversation_id: ConversationID identifies the conversation,
//     emitted first so new conversations are addressable immediately
//   - message_id: MessageID identifies the persisted assistant message,
//     emitted before end so the client can attach feedback
//   - end: no payload
//   - error: Content carries a sanitized, client-safe message
//
// # Assumptions
//
//   - Events are emitted in order; clients must not reorder
type StreamEvent struct {
	Type           string      `json:"type"`
	Content        string      `json:"content,omitempty"`
	Sources        []Source    `json:"sources,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	MessageID      string      `json:"message_id,omitempty"`
}

// Source is one retrieved document reference on a sources event.
//
// Title is always the human-readable caption or passage text, never a
// raw retrieval-system identifier. URL may be empty when the upstream
// supplied only caption text.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// TokenUsage is the token accounting for one turn, as reported by the
// upstream service.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

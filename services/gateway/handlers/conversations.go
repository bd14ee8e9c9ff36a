// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
	"github.com/askbridge-io/askbridge/services/gateway/middleware"
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 200
)

// ConversationStore reads and soft-deletes conversation history.
type ConversationStore interface {
	ListConversations(ctx context.Context, auth datatypes.AuthContext, serviceType string, limit, offset int) ([]datatypes.Conversation, error)
	GetConversation(ctx context.Context, auth datatypes.AuthContext, conversationID string) (*datatypes.Conversation, []datatypes.Message, error)
	DeleteConversation(ctx context.Context, auth datatypes.AuthContext, conversationID string) error
}

// ConversationHandler serves conversation history endpoints.
type ConversationHandler struct {
	store  ConversationStore
	logger *slog.Logger
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(store ConversationStore, logger *slog.Logger) *ConversationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationHandler{store: store, logger: logger}
}

// List handles GET /v1/conversations.
//
// Query parameters: service_type (optional filter), limit, offset.
// Results are the caller's own conversations, most recently updated
// first.
func (h *ConversationHandler) List(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	serviceType := c.Query("service_type")
	if serviceType != "" && !datatypes.ValidServiceType(serviceType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown service type"})
		return
	}

	limit := queryInt(c, "limit", defaultConversationLimit)
	if limit < 1 || limit > maxConversationLimit {
		limit = defaultConversationLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	conversations, err := h.store.ListConversations(c.Request.Context(), auth, serviceType, limit, offset)
	if err != nil {
		h.logger.Error("conversation listing failed", "user_id", auth.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred. Please try again."})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// Get handles GET /v1/conversations/:id, returning the conversation
// with its full message list.
func (h *ConversationHandler) Get(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	conversation, messages, err := h.store.GetConversation(c.Request.Context(), auth, c.Param("id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conversation, "messages": messages})
}

// Delete handles DELETE /v1/conversations/:id. The conversation is
// soft-deleted; its rows remain for feedback reporting.
func (h *ConversationHandler) Delete(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	if err := h.store.DeleteConversation(c.Request.Context(), auth, c.Param("id")); err != nil {
		h.writeLookupError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) writeLookupError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, datatypes.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, datatypes.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "conversation belongs to another user"})
	default:
		h.logger.Error("conversation lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred. Please try again."})
	}
}

// queryInt parses an integer query parameter with a default.
func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

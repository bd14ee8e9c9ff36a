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

	"github.com/gin-gonic/gin"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
	"github.com/askbridge-io/askbridge/services/gateway/middleware"
	"github.com/askbridge-io/askbridge/services/gateway/observability"
)

// FeedbackStore records message feedback.
type FeedbackStore interface {
	SubmitFeedback(ctx context.Context, auth datatypes.AuthContext, messageID string, rating int, comment string) (*datatypes.Feedback, error)
}

// FeedbackHandler serves POST /v1/feedback.
type FeedbackHandler struct {
	store   FeedbackStore
	metrics *observability.StreamingMetrics
	logger  *slog.Logger
}

// NewFeedbackHandler creates a FeedbackHandler.
func NewFeedbackHandler(store FeedbackStore, metrics *observability.StreamingMetrics, logger *slog.Logger) *FeedbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedbackHandler{store: store, metrics: metrics, logger: logger}
}

// Submit handles POST /v1/feedback.
//
// One feedback row per (user, message): a second submission for the
// same message is rejected with 409 rather than overwriting the first.
// The message must belong to one of the caller's own conversations.
func (h *FeedbackHandler) Submit(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req datatypes.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.FeedbackSubmitted.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		h.metrics.FeedbackSubmitted.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed: " + err.Error()})
		return
	}

	feedback, err := h.store.SubmitFeedback(c.Request.Context(), auth, req.MessageID, req.Rating, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, datatypes.ErrFeedbackConflict):
			h.metrics.FeedbackSubmitted.WithLabelValues("conflict").Inc()
			c.JSON(http.StatusConflict, gin.H{"error": "feedback already submitted for this message"})
		case errors.Is(err, datatypes.ErrNotFound):
			h.metrics.FeedbackSubmitted.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		case errors.Is(err, datatypes.ErrForbidden):
			h.metrics.FeedbackSubmitted.WithLabelValues("rejected").Inc()
			c.JSON(http.StatusForbidden, gin.H{"error": "message belongs to another user's conversation"})
		default:
			h.metrics.FeedbackSubmitted.WithLabelValues("rejected").Inc()
			h.logger.Error("feedback submission failed",
				"user_id", auth.UserID,
				"message_id", req.MessageID,
				"error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred. Please try again."})
		}
		return
	}

	h.metrics.FeedbackSubmitted.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusCreated, gin.H{"feedback": feedback})
}

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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
	"github.com/askbridge-io/askbridge/services/gateway/middleware"
	"github.com/askbridge-io/askbridge/services/gateway/observability"
	"github.com/askbridge-io/askbridge/services/gateway/relay"
)

// heartbeatInterval is how often keep-alive comments go out while the
// upstream is thinking.
const heartbeatInterval = 15 * time.Second

// persistRetrySchedule is the bounded backoff for background retries of
// failed assistant-message writes.
var persistRetrySchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// ChatStore is the persistence surface the streaming handler needs.
type ChatStore interface {
	AuthorizeConfiguration(ctx context.Context, auth datatypes.AuthContext, configurationID, environment string) (*datatypes.Configuration, error)
	EnsureConversation(ctx context.Context, auth datatypes.AuthContext, serviceType, configurationID, environment, conversationID string) (*datatypes.Conversation, error)
	History(ctx context.Context, auth datatypes.AuthContext, conversationID string) ([]datatypes.Message, error)
	AppendMessage(ctx context.Context, conversationID, role, content string, usage *datatypes.TokenUsage, sources []datatypes.Source, completeness string) (string, error)
	MaybeRetitle(ctx context.Context, conversationID, firstUserMessage string) error
}

// TurnRunner executes one relay turn. Satisfied by *relay.Relay.
type TurnRunner interface {
	Run(ctx context.Context, turn relay.Turn, emit relay.Emitter) (*relay.Result, error)
}

// EnvironmentRouter resolves the upstream endpoint for a request.
// Satisfied by *upstream.Router.
type EnvironmentRouter interface {
	ResolveBaseURL(serviceType, requested string, auth datatypes.AuthContext) (baseURL, environment string)
}

// ChatHandler streams chat turns over SSE.
//
// # Description
//
// Owns the full lifecycle of POST /v1/chat/:service_type - request
// validation, configuration authorization, conversation resolution,
// user-message persistence, the relay run, and assistant-message
// persistence. Turns within one conversation are serialized so message
// ordering in storage matches wall-clock order.
//
// # Event Order
//
// The client sees, in order: conversation_id, token*, sources?,
// usage?, message_id, end. On failure after the stream opens, a single
// error event terminates the stream instead of end.
type ChatHandler struct {
	store   ChatStore
	relay   TurnRunner
	router  EnvironmentRouter
	metrics *observability.StreamingMetrics
	logger  *slog.Logger
	locks   *conversationLocks
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(store ChatStore, runner TurnRunner, router EnvironmentRouter, metrics *observability.StreamingMetrics, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		store:   store,
		relay:   runner,
		router:  router,
		metrics: metrics,
		logger:  logger,
		locks:   newConversationLocks(),
	}
}

// Stream handles POST /v1/chat/:service_type.
func (h *ChatHandler) Stream(c *gin.Context) {
	serviceType := c.Param("service_type")
	if !datatypes.ValidServiceType(serviceType) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service type"})
		return
	}

	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req datatypes.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed: " + err.Error()})
		return
	}
	if serviceType == datatypes.ServiceRAGChat && req.ConfigurationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "configuration_id is required for rag-chat"})
		return
	}
	if serviceType == datatypes.ServiceDirectChat {
		// Configurations only apply to RAG. An id supplied here is
		// never authorized, so it must not reach persistence either.
		req.ConfigurationID = ""
	}

	baseURL, environment := h.router.ResolveBaseURL(serviceType, req.Environment, auth)

	ctx := c.Request.Context()

	var configuration *datatypes.Configuration
	if serviceType == datatypes.ServiceRAGChat {
		cfg, err := h.store.AuthorizeConfiguration(ctx, auth, req.ConfigurationID, environment)
		if err != nil {
			h.logger.Warn("configuration access denied",
				"user_id", auth.UserID,
				"configuration_id", req.ConfigurationID,
				"environment", environment)
			c.JSON(http.StatusForbidden, gin.H{"error": datatypes.SafeClientMessage(datatypes.ErrForbidden)})
			return
		}
		configuration = cfg
	}

	conversation, err := h.store.EnsureConversation(ctx, auth, serviceType, req.ConfigurationID, environment, req.ConversationID)
	if err != nil {
		h.writeConversationError(c, err)
		return
	}

	// One turn per conversation at a time: the previous turn's
	// assistant message must be persisted before the next turn reads
	// history.
	unlock := h.locks.Lock(conversation.ID)
	defer unlock()

	history, err := h.store.History(ctx, auth, conversation.ID)
	if err != nil {
		h.logger.Error("failed to load history",
			"conversation_id", conversation.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred. Please try again."})
		return
	}

	if _, err := h.store.AppendMessage(ctx, conversation.ID, datatypes.MessageRoleUser, req.Message, nil, nil, datatypes.CompletenessComplete); err != nil {
		h.logger.Error("failed to persist user message",
			"conversation_id", conversation.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred. Please try again."})
		return
	}
	if err := h.store.MaybeRetitle(ctx, conversation.ID, req.Message); err != nil {
		// Titling is cosmetic; the turn proceeds.
		h.logger.Warn("failed to retitle conversation",
			"conversation_id", conversation.ID, "error", err)
	}

	h.runStream(c, auth, serviceType, req, conversation, configuration, baseURL, history)
}

// runStream opens the SSE stream and drives the relay. From this point
// on all failures surface as error events, not HTTP status codes.
func (h *ChatHandler) runStream(
	c *gin.Context,
	auth datatypes.AuthContext,
	serviceType string,
	req datatypes.ChatStreamRequest,
	conversation *datatypes.Conversation,
	configuration *datatypes.Configuration,
	baseURL string,
	history []datatypes.Message,
) {
	ctx := c.Request.Context()

	SetSSEHeaders(c.Writer)
	writer, err := NewEventWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.WriteHeader(http.StatusOK)

	if err := writer.WriteEvent(datatypes.StreamEvent{
		Type:           datatypes.EventConversationID,
		ConversationID: conversation.ID,
	}); err != nil {
		// Client gone before anything happened.
		return
	}

	started := time.Now()
	h.metrics.StreamStarted(serviceType)

	// Keep-alive heartbeat while the upstream is slow. The writer is
	// mutex-guarded, so this runs alongside token emission.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
			}
		}
	}()

	accumulator, err := NewTokenAccumulator()
	if err != nil {
		h.logger.Error("failed to create token accumulator", "error", err)
		h.failStream(writer, serviceType, err, observability.ErrCodeInternal)
		h.metrics.StreamFinished(serviceType, "error", time.Since(started))
		return
	}
	defer accumulator.Destroy()

	var firstToken bool
	var tokensEmitted int
	emit := func(event datatypes.StreamEvent) error {
		if err := writer.WriteEvent(event); err != nil {
			return err
		}
		// Accumulate only after the write succeeds, so the persisted
		// partial never contains a token the client did not receive.
		if event.Type == datatypes.EventToken {
			if !firstToken {
				firstToken = true
				h.metrics.RecordFirstToken(serviceType, time.Since(started))
			}
			tokensEmitted++
			if err := accumulator.Write(event.Content); err != nil {
				return err
			}
		}
		return nil
	}

	result, runErr := h.relay.Run(ctx, relay.Turn{
		ServiceType:   serviceType,
		Message:       req.Message,
		History:       history,
		BaseURL:       baseURL,
		Configuration: configuration,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
	}, emit)

	h.metrics.RecordTokens(serviceType, tokensEmitted)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		h.logger.Error("relay turn failed",
			"conversation_id", conversation.ID,
			"service_type", serviceType,
			"error", runErr)
		h.failStream(writer, serviceType, runErr, errorCode(runErr))
		h.metrics.StreamFinished(serviceType, "error", time.Since(started))
		return
	}

	if errors.Is(runErr, context.Canceled) {
		h.persistAssistantTurn(conversation.ID, serviceType, result, accumulator, nil)
		h.metrics.RecordError(serviceType, observability.ErrCodeCancelled)
		h.metrics.StreamFinished(serviceType, "cancelled", time.Since(started))
		return
	}

	h.persistAssistantTurn(conversation.ID, serviceType, result, accumulator, writer)
	h.metrics.StreamFinished(serviceType, "complete", time.Since(started))
}

// persistAssistantTurn writes the assistant message and, when the
// client is still connected, emits message_id and end.
//
// On cancellation writer is nil: the partial prefix is persisted but
// there is no one left to notify. A write failure never disturbs the
// already-delivered stream; the end event goes out without a
// message_id and the write is retried in the background.
func (h *ChatHandler) persistAssistantTurn(
	conversationID, serviceType string,
	result *relay.Result,
	accumulator TokenAccumulator,
	writer EventWriter,
) {
	answer, answerHash, err := accumulator.Finalize()
	if err != nil {
		// The accumulator only fails after Destroy, which has not
		// happened yet. Fall back to the relay's own accumulation.
		h.logger.Error("accumulator finalize failed", "error", err)
		answer = result.Text
	}

	if answer == "" && result.Completeness == datatypes.CompletenessPartial {
		// Cancelled before any content: nothing to persist.
		return
	}

	messageID, err := h.store.AppendMessage(context.Background(), conversationID,
		datatypes.MessageRoleAssistant, answer, result.Usage, result.Sources, result.Completeness)
	if err != nil {
		h.logger.Error("failed to persist assistant message, scheduling retry",
			"conversation_id", conversationID,
			"completeness", result.Completeness,
			"error", err)
		h.metrics.RecordError(serviceType, observability.ErrCodePersistence)
		go h.retryAppend(conversationID, answer, result)
		if writer != nil {
			_ = writer.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventEnd})
		}
		return
	}

	h.logger.Info("assistant message persisted",
		"conversation_id", conversationID,
		"message_id", messageID,
		"completeness", result.Completeness,
		"answer_hash", answerHash)

	if writer != nil {
		_ = writer.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventMessageID, MessageID: messageID})
		_ = writer.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventEnd})
	}
}

// retryAppend retries a failed assistant-message write with bounded
// backoff. Runs detached from the request.
func (h *ChatHandler) retryAppend(conversationID, answer string, result *relay.Result) {
	for attempt, delay := range persistRetrySchedule {
		time.Sleep(delay)
		h.metrics.PersistenceRetries.Inc()

		messageID, err := h.store.AppendMessage(context.Background(), conversationID,
			datatypes.MessageRoleAssistant, answer, result.Usage, result.Sources, result.Completeness)
		if err == nil {
			h.logger.Info("assistant message persisted on retry",
				"conversation_id", conversationID,
				"message_id", messageID,
				"attempt", attempt+1)
			return
		}
		h.logger.Error("assistant message retry failed",
			"conversation_id", conversationID,
			"attempt", attempt+1,
			"error", err)
	}
	h.logger.Error("assistant message dropped after retries exhausted",
		"conversation_id", conversationID)
}

// failStream emits the terminal error event. The client gets a safe
// message; the full error was already logged by the caller.
func (h *ChatHandler) failStream(writer EventWriter, serviceType string, err error, code observability.ErrorCode) {
	h.metrics.RecordError(serviceType, code)
	_ = writer.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventError,
		Content: datatypes.SafeClientMessage(err),
	})
}

// writeConversationError maps EnsureConversation errors to HTTP
// statuses. Runs before the stream opens, so plain JSON is still
// possible.
func (h *ChatHandler) writeConversationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, datatypes.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "conversation belongs to another user"})
	case errors.Is(err, datatypes.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	default:
		h.logger.Error("failed to resolve conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred. Please try again."})
	}
}

// errorCode classifies a relay error for metrics.
func errorCode(err error) observability.ErrorCode {
	switch {
	case errors.Is(err, datatypes.ErrUpstreamTimeout):
		return observability.ErrCodeUpstreamTimeout
	case datatypes.IsUpstreamMalformed(err):
		return observability.ErrCodeUpstreamMalformed
	default:
		return observability.ErrCodeUpstreamFailure
	}
}

// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
	"github.com/askbridge-io/askbridge/services/gateway/middleware"
	"github.com/askbridge-io/askbridge/services/gateway/observability"
)

// =============================================================================
// Configuration Listing
// =============================================================================

type fakeConfigStore struct {
	configurations []datatypes.Configuration
	err            error
	lastEnv        string
	lastAuth       datatypes.AuthContext
}

func (f *fakeConfigStore) ListConfigurations(_ context.Context, auth datatypes.AuthContext, environment string) ([]datatypes.Configuration, error) {
	f.lastAuth = auth
	f.lastEnv = environment
	return f.configurations, f.err
}

func newConfigRouter(store *fakeConfigStore, auth datatypes.AuthContext) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewConfigurationHandler(store, fakeRouter{}, nil)
	router := gin.New()
	router.GET("/v1/configurations", func(c *gin.Context) {
		if auth.UserID != "" {
			middleware.SetAuthContext(c, auth)
		}
		handler.List(c)
	})
	return router
}

func TestListConfigurations_ReturnsFilteredSet(t *testing.T) {
	store := &fakeConfigStore{configurations: []datatypes.Configuration{
		{ID: uuid.New().String(), DomainKey: "benefits", ConfigKey: "v2", Environment: "production"},
	}}
	router := newConfigRouter(store, testAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/configurations", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Configurations []datatypes.Configuration `json:"configurations"`
		Environment    string                    `json:"environment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Configurations, 1)
	assert.Equal(t, "production", resp.Environment)
	assert.Equal(t, testAuth.UserID, store.lastAuth.UserID)
}

func TestListConfigurations_StageCoercedForUnprivileged(t *testing.T) {
	store := &fakeConfigStore{}
	router := newConfigRouter(store, testAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/configurations?environment=stage", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, datatypes.EnvironmentProduction, store.lastEnv,
		"unprivileged stage request must query production")
}

func TestListConfigurations_StageHonoredForAdmin(t *testing.T) {
	store := &fakeConfigStore{}
	admin := datatypes.AuthContext{UserID: "admin-1", Roles: []string{datatypes.RoleAdmin}}
	router := newConfigRouter(store, admin)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/configurations?environment=stage", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, datatypes.EnvironmentStage, store.lastEnv)
}

func TestListConfigurations_LookupFailureFailsClosed(t *testing.T) {
	store := &fakeConfigStore{err: errors.New("database locked")}
	router := newConfigRouter(store, testAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/configurations", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Configurations []datatypes.Configuration `json:"configurations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Configurations)
	assert.NotContains(t, rec.Body.String(), "database locked")
}

func TestListConfigurations_UnknownEnvironmentRejected(t *testing.T) {
	router := newConfigRouter(&fakeConfigStore{}, testAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/configurations?environment=qa", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Conversation History
// =============================================================================

type fakeConversationStore struct {
	conversations []datatypes.Conversation
	conversation  *datatypes.Conversation
	messages      []datatypes.Message
	err           error
	deleted       []string
	lastLimit     int
	lastService   string
}

func (f *fakeConversationStore) ListConversations(_ context.Context, _ datatypes.AuthContext, serviceType string, limit, _ int) ([]datatypes.Conversation, error) {
	f.lastService = serviceType
	f.lastLimit = limit
	return f.conversations, f.err
}

func (f *fakeConversationStore) GetConversation(context.Context, datatypes.AuthContext, string) (*datatypes.Conversation, []datatypes.Message, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.conversation, f.messages, nil
}

func (f *fakeConversationStore) DeleteConversation(_ context.Context, _ datatypes.AuthContext, conversationID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, conversationID)
	return nil
}

func newConversationRouter(store *fakeConversationStore, auth datatypes.AuthContext) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewConversationHandler(store, nil)
	router := gin.New()
	inject := func(c *gin.Context) {
		if auth.UserID != "" {
			middleware.SetAuthContext(c, auth)
		}
	}
	router.GET("/v1/conversations", inject, handler.List)
	router.GET("/v1/conversations/:id", inject, handler.Get)
	router.DELETE("/v1/conversations/:id", inject, handler.Delete)
	return router
}

func TestListConversations_ServiceTypeFilter(t *testing.T) {
	store := &fakeConversationStore{}
	router := newConversationRouter(store, testAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations?service_type=rag-chat&limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, datatypes.ServiceRAGChat, store.lastService)
	assert.Equal(t, 10, store.lastLimit)
}

func TestListConversations_BadLimitFallsBack(t *testing.T) {
	store := &fakeConversationStore{}
	router := newConversationRouter(store, testAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations?limit=99999", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultConversationLimit, store.lastLimit)
}

func TestGetConversation_IncludesMessages(t *testing.T) {
	conversationID := uuid.New().String()
	store := &fakeConversationStore{
		conversation: &datatypes.Conversation{ID: conversationID, Title: "Vacation policy"},
		messages: []datatypes.Message{
			{Role: datatypes.MessageRoleUser, Content: "How many days?"},
			{Role: datatypes.MessageRoleAssistant, Content: "Twenty."},
		},
	}
	router := newConversationRouter(store, testAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/"+conversationID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Vacation policy")
	assert.Contains(t, rec.Body.String(), "Twenty.")
}

func TestGetConversation_NotFound(t *testing.T) {
	store := &fakeConversationStore{err: datatypes.ErrNotFound}
	router := newConversationRouter(store, testAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/"+uuid.New().String(), nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetConversation_ForeignOwnerForbidden(t *testing.T) {
	store := &fakeConversationStore{err: datatypes.ErrForbidden}
	router := newConversationRouter(store, testAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/"+uuid.New().String(), nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteConversation(t *testing.T) {
	conversationID := uuid.New().String()
	store := &fakeConversationStore{}
	router := newConversationRouter(store, testAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/conversations/"+conversationID, nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{conversationID}, store.deleted)
}

// =============================================================================
// Feedback
// =============================================================================

type fakeFeedbackStore struct {
	err error
}

func (f *fakeFeedbackStore) SubmitFeedback(_ context.Context, auth datatypes.AuthContext, messageID string, rating int, comment string) (*datatypes.Feedback, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &datatypes.Feedback{
		ID:        uuid.New().String(),
		UserID:    auth.UserID,
		MessageID: messageID,
		Rating:    rating,
		Comment:   comment,
	}, nil
}

func newFeedbackRouter(store *fakeFeedbackStore, auth datatypes.AuthContext) *gin.Engine {
	gin.SetMode(gin.TestMode)
	metrics := observability.NewMetricsForRegistry(prometheus.NewRegistry())
	handler := NewFeedbackHandler(store, metrics, nil)
	router := gin.New()
	router.POST("/v1/feedback", func(c *gin.Context) {
		if auth.UserID != "" {
			middleware.SetAuthContext(c, auth)
		}
		handler.Submit(c)
	})
	return router
}

func postFeedback(router *gin.Engine, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitFeedback_Created(t *testing.T) {
	router := newFeedbackRouter(&fakeFeedbackStore{}, testAuth)

	rec := postFeedback(router, gin.H{
		"message_id": uuid.New().String(),
		"rating":     5,
		"comment":    "Spot on.",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "Spot on.")
}

func TestSubmitFeedback_DuplicateConflict(t *testing.T) {
	router := newFeedbackRouter(&fakeFeedbackStore{err: datatypes.ErrFeedbackConflict}, testAuth)

	rec := postFeedback(router, gin.H{
		"message_id": uuid.New().String(),
		"rating":     2,
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitFeedback_RatingOutOfRange(t *testing.T) {
	router := newFeedbackRouter(&fakeFeedbackStore{}, testAuth)

	rec := postFeedback(router, gin.H{
		"message_id": uuid.New().String(),
		"rating":     6,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitFeedback_ForeignMessageForbidden(t *testing.T) {
	router := newFeedbackRouter(&fakeFeedbackStore{err: datatypes.ErrForbidden}, testAuth)

	rec := postFeedback(router, gin.H{
		"message_id": uuid.New().String(),
		"rating":     4,
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSubmitFeedback_UnknownMessageNotFound(t *testing.T) {
	router := newFeedbackRouter(&fakeFeedbackStore{err: datatypes.ErrNotFound}, testAuth)

	rec := postFeedback(router, gin.H{
		"message_id": uuid.New().String(),
		"rating":     4,
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Accumulator
// =============================================================================

func TestTokenAccumulator_RoundTrip(t *testing.T) {
	t.Setenv("ASKBRIDGE_INSECURE_MEMORY", "true")

	acc, err := NewTokenAccumulator()
	require.NoError(t, err)

	for _, ch := range "Hello, world" {
		require.NoError(t, acc.Write(string(ch)))
	}

	answer, hash, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", answer)
	assert.Len(t, hash, 64)

	// Finalize wipes; a second call must fail.
	_, _, err = acc.Finalize()
	assert.Error(t, err)
}

func TestTokenAccumulator_DestroyIsIdempotent(t *testing.T) {
	t.Setenv("ASKBRIDGE_INSECURE_MEMORY", "true")

	acc, err := NewTokenAccumulator()
	require.NoError(t, err)

	acc.Destroy()
	acc.Destroy()

	assert.Error(t, acc.Write("x"))
}

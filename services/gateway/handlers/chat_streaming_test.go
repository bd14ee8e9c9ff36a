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
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
	"github.com/askbridge-io/askbridge/services/gateway/middleware"
	"github.com/askbridge-io/askbridge/services/gateway/observability"
	"github.com/askbridge-io/askbridge/services/gateway/relay"
)

// =============================================================================
// Fakes
// =============================================================================

type appendedMessage struct {
	ConversationID string
	Role           string
	Content        string
	Usage          *datatypes.TokenUsage
	Sources        []datatypes.Source
	Completeness   string
}

type fakeStreamStore struct {
	mu              sync.Mutex
	conversationID  string
	history         []datatypes.Message
	appended        []appendedMessage
	retitled        []string
	authorizeErr    error
	appendFailures  int
	ensureErr       error
	lastEnsuredArgs []string
}

func (f *fakeStreamStore) AuthorizeConfiguration(_ context.Context, _ datatypes.AuthContext, configurationID, environment string) (*datatypes.Configuration, error) {
	if f.authorizeErr != nil {
		return nil, f.authorizeErr
	}
	return &datatypes.Configuration{
		ID:          configurationID,
		DomainKey:   "benefits",
		ConfigKey:   "v2",
		Environment: environment,
	}, nil
}

func (f *fakeStreamStore) EnsureConversation(_ context.Context, auth datatypes.AuthContext, serviceType, configurationID, environment, conversationID string) (*datatypes.Conversation, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastEnsuredArgs = []string{serviceType, configurationID, environment, conversationID}
	return &datatypes.Conversation{
		ID:          f.conversationID,
		UserID:      auth.UserID,
		ServiceType: serviceType,
		Environment: environment,
		Title:       datatypes.PlaceholderTitle,
	}, nil
}

func (f *fakeStreamStore) History(context.Context, datatypes.AuthContext, string) ([]datatypes.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeStreamStore) AppendMessage(_ context.Context, conversationID, role, content string, usage *datatypes.TokenUsage, sources []datatypes.Source, completeness string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if role == datatypes.MessageRoleAssistant && f.appendFailures > 0 {
		f.appendFailures--
		return "", errors.New("disk full")
	}
	f.appended = append(f.appended, appendedMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Usage:          usage,
		Sources:        sources,
		Completeness:   completeness,
	})
	return uuid.New().String(), nil
}

func (f *fakeStreamStore) MaybeRetitle(_ context.Context, conversationID, firstUserMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retitled = append(f.retitled, firstUserMessage)
	return nil
}

func (f *fakeStreamStore) appendedMessages() []appendedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]appendedMessage, len(f.appended))
	copy(out, f.appended)
	return out
}

// fakeRunner scripts a relay outcome: emits the given events, then
// returns the given result and error.
type fakeRunner struct {
	events   []datatypes.StreamEvent
	result   *relay.Result
	err      error
	lastTurn relay.Turn
}

func (f *fakeRunner) Run(_ context.Context, turn relay.Turn, emit relay.Emitter) (*relay.Result, error) {
	f.lastTurn = turn
	for _, ev := range f.events {
		if emitErr := emit(ev); emitErr != nil {
			return &relay.Result{Completeness: datatypes.CompletenessPartial, Final: relay.StateCancelled}, context.Canceled
		}
	}
	return f.result, f.err
}

type fakeRouter struct{}

func (fakeRouter) ResolveBaseURL(serviceType, requested string, auth datatypes.AuthContext) (string, string) {
	env := requested
	if env == "" || (env == datatypes.EnvironmentStage && !auth.IsPrivileged()) {
		env = datatypes.EnvironmentProduction
	}
	return "http://upstream.test", env
}

// =============================================================================
// Helpers
// =============================================================================

func tokenEvents(text string) []datatypes.StreamEvent {
	events := []datatypes.StreamEvent{}
	for _, ch := range text {
		events = append(events, datatypes.StreamEvent{Type: datatypes.EventToken, Content: string(ch)})
	}
	return events
}

func newChatRouter(t *testing.T, store *fakeStreamStore, runner *fakeRunner, auth datatypes.AuthContext) *gin.Engine {
	t.Helper()
	t.Setenv("ASKBRIDGE_INSECURE_MEMORY", "true")
	gin.SetMode(gin.TestMode)

	metrics := observability.NewMetricsForRegistry(prometheus.NewRegistry())
	handler := NewChatHandler(store, runner, fakeRouter{}, metrics, nil)

	router := gin.New()
	router.POST("/v1/chat/:service_type", func(c *gin.Context) {
		if auth.UserID != "" {
			middleware.SetAuthContext(c, auth)
		}
		handler.Stream(c)
	})
	return router
}

func postChat(router *gin.Engine, serviceType string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/"+serviceType, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// parseSSE decodes every data frame in an SSE body, skipping comments.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	events := []datatypes.StreamEvent{}
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" || strings.HasPrefix(frame, ":") {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "unexpected frame: %q", frame)
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []datatypes.StreamEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

var testAuth = datatypes.AuthContext{UserID: "user-1", Roles: []string{datatypes.RoleOIS}}

// =============================================================================
// Request Validation
// =============================================================================

func TestStream_UnknownServiceType(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	router := newChatRouter(t, store, &fakeRunner{}, testAuth)

	rec := postChat(router, "image-gen", gin.H{"message": "hi"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStream_MissingAuth(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	router := newChatRouter(t, store, &fakeRunner{}, datatypes.AuthContext{})

	rec := postChat(router, datatypes.ServiceDirectChat, gin.H{"message": "hi"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStream_EmptyMessageRejected(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	router := newChatRouter(t, store, &fakeRunner{}, testAuth)

	rec := postChat(router, datatypes.ServiceDirectChat, gin.H{"message": ""})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, store.appendedMessages(), "nothing should be persisted for a rejected request")
}

func TestStream_RAGRequiresConfiguration(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	router := newChatRouter(t, store, &fakeRunner{}, testAuth)

	rec := postChat(router, datatypes.ServiceRAGChat, gin.H{"message": "hi"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "configuration_id")
}

func TestStream_UnauthorizedConfigurationForbidden(t *testing.T) {
	store := &fakeStreamStore{
		conversationID: uuid.New().String(),
		authorizeErr:   datatypes.ErrForbidden,
	}
	router := newChatRouter(t, store, &fakeRunner{}, testAuth)

	rec := postChat(router, datatypes.ServiceRAGChat, gin.H{
		"message":          "hi",
		"configuration_id": uuid.New().String(),
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, store.appendedMessages())
}

func TestStream_ForeignConversationForbidden(t *testing.T) {
	store := &fakeStreamStore{
		conversationID: uuid.New().String(),
		ensureErr:      datatypes.ErrForbidden,
	}
	router := newChatRouter(t, store, &fakeRunner{}, testAuth)

	rec := postChat(router, datatypes.ServiceDirectChat, gin.H{
		"message":         "hi",
		"conversation_id": uuid.New().String(),
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// Streaming
// =============================================================================

func TestStream_DirectChatEventOrder(t *testing.T) {
	conversationID := uuid.New().String()
	store := &fakeStreamStore{conversationID: conversationID}
	runner := &fakeRunner{
		events: append(tokenEvents("Hi there"), datatypes.StreamEvent{
			Type:  datatypes.EventUsage,
			Usage: &datatypes.TokenUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		}),
		result: &relay.Result{
			Text:         "Hi there",
			Usage:        &datatypes.TokenUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
			Completeness: datatypes.CompletenessComplete,
			Final:        relay.StateComplete,
		},
	}
	router := newChatRouter(t, store, runner, testAuth)

	rec := postChat(router, datatypes.ServiceDirectChat, gin.H{"message": "Say hi"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 4)

	assert.Equal(t, datatypes.EventConversationID, events[0].Type)
	assert.Equal(t, conversationID, events[0].ConversationID)

	var rebuilt strings.Builder
	for _, ev := range events {
		if ev.Type == datatypes.EventToken {
			rebuilt.WriteString(ev.Content)
		}
	}
	assert.Equal(t, "Hi there", rebuilt.String())

	types := eventTypes(events)
	assert.Equal(t, datatypes.EventUsage, types[len(types)-3])
	assert.Equal(t, datatypes.EventMessageID, types[len(types)-2])
	assert.Equal(t, datatypes.EventEnd, types[len(types)-1])
	assert.NotEmpty(t, events[len(events)-2].MessageID)

	// Both turn messages persisted, user first.
	appended := store.appendedMessages()
	require.Len(t, appended, 2)
	assert.Equal(t, datatypes.MessageRoleUser, appended[0].Role)
	assert.Equal(t, "Say hi", appended[0].Content)
	assert.Equal(t, datatypes.MessageRoleAssistant, appended[1].Role)
	assert.Equal(t, "Hi there", appended[1].Content)
	assert.Equal(t, datatypes.CompletenessComplete, appended[1].Completeness)
	require.NotNil(t, appended[1].Usage)
	assert.Equal(t, 8, appended[1].Usage.TotalTokens)

	assert.Equal(t, []string{"Say hi"}, store.retitled)
}

func TestStream_RAGSourcesReachClient(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	sources := []datatypes.Source{{Title: "Benefits Guide", URL: "https://kb.example.com/benefits"}}
	runner := &fakeRunner{
		events: append(tokenEvents("Yes"), datatypes.StreamEvent{
			Type:    datatypes.EventSources,
			Sources: sources,
		}),
		result: &relay.Result{
			Text:         "Yes",
			Sources:      sources,
			Completeness: datatypes.CompletenessComplete,
			Final:        relay.StateComplete,
		},
	}
	router := newChatRouter(t, store, runner, testAuth)

	rec := postChat(router, datatypes.ServiceRAGChat, gin.H{
		"message":          "Am I covered?",
		"configuration_id": uuid.New().String(),
	})

	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())

	var sourcesEvent *datatypes.StreamEvent
	for i := range events {
		if events[i].Type == datatypes.EventSources {
			sourcesEvent = &events[i]
		}
	}
	require.NotNil(t, sourcesEvent)
	require.Len(t, sourcesEvent.Sources, 1)
	assert.Equal(t, "Benefits Guide", sourcesEvent.Sources[0].Title)

	// The runner saw the authorized configuration, not just its id.
	require.NotNil(t, runner.lastTurn.Configuration)
	assert.Equal(t, "benefits", runner.lastTurn.Configuration.DomainKey)

	appended := store.appendedMessages()
	require.Len(t, appended, 2)
	assert.Equal(t, sources, appended[1].Sources)
}

func TestStream_UpstreamTimeoutEmitsSafeError(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	runner := &fakeRunner{err: datatypes.ErrUpstreamTimeout}
	router := newChatRouter(t, store, runner, testAuth)

	rec := postChat(router, datatypes.ServiceDirectChat, gin.H{"message": "hi"})

	require.Equal(t, http.StatusOK, rec.Code, "stream already open, error travels as an event")
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, datatypes.EventConversationID, events[0].Type)
	assert.Equal(t, datatypes.EventError, events[1].Type)
	assert.Contains(t, events[1].Content, "took too long")

	// Only the user message persisted; no assistant row for a failed turn.
	appended := store.appendedMessages()
	require.Len(t, appended, 1)
	assert.Equal(t, datatypes.MessageRoleUser, appended[0].Role)
}

func TestStream_MalformedUpstreamNeverLeaksPayload(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	runner := &fakeRunner{err: &datatypes.UpstreamMalformedError{
		ServiceType: datatypes.ServiceDirectChat,
		Raw:         []byte(`{"internal_secret":"do-not-leak"}`),
	}}
	router := newChatRouter(t, store, runner, testAuth)

	rec := postChat(router, datatypes.ServiceDirectChat, gin.H{"message": "hi"})

	assert.NotContains(t, rec.Body.String(), "do-not-leak")
	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, datatypes.EventError, events[len(events)-1].Type)
}

func TestStream_CancellationPersistsPartial(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	runner := &fakeRunner{
		events: tokenEvents("Hi th"),
		result: &relay.Result{
			Text:         "Hi th",
			Completeness: datatypes.CompletenessPartial,
			Final:        relay.StateCancelled,
		},
		err: context.Canceled,
	}
	router := newChatRouter(t, store, runner, testAuth)

	rec := postChat(router, datatypes.ServiceDirectChat, gin.H{"message": "hi"})

	events := parseSSE(t, rec.Body.String())
	types := eventTypes(events)
	assert.NotContains(t, types, datatypes.EventEnd)
	assert.NotContains(t, types, datatypes.EventMessageID)

	appended := store.appendedMessages()
	require.Len(t, appended, 2)
	assert.Equal(t, "Hi th", appended[1].Content)
	assert.Equal(t, datatypes.CompletenessPartial, appended[1].Completeness)
}

func TestStream_CancellationBeforeContentPersistsNothing(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	runner := &fakeRunner{
		result: &relay.Result{
			Completeness: datatypes.CompletenessPartial,
			Final:        relay.StateCancelled,
		},
		err: context.Canceled,
	}
	router := newChatRouter(t, store, runner, testAuth)

	postChat(router, datatypes.ServiceDirectChat, gin.H{"message": "hi"})

	appended := store.appendedMessages()
	require.Len(t, appended, 1, "only the user message")
	assert.Equal(t, datatypes.MessageRoleUser, appended[0].Role)
}

// failingWriter delivers the first failAfter writes, then fails every
// write, simulating a client that drops mid-stream.
type failingWriter struct {
	header    http.Header
	buf       bytes.Buffer
	writes    int
	failAfter int
}

func newFailingWriter(failAfter int) *failingWriter {
	return &failingWriter{header: make(http.Header), failAfter: failAfter}
}

func (w *failingWriter) Header() http.Header { return w.header }
func (w *failingWriter) WriteHeader(int)     {}
func (w *failingWriter) Flush()              {}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.failAfter {
		return 0, errors.New("broken pipe")
	}
	w.buf.Write(p)
	return len(p), nil
}

func TestStream_WriterFailurePersistsOnlyDeliveredTokens(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	runner := &fakeRunner{
		events: tokenEvents("Hi there"),
		result: &relay.Result{
			Text:         "Hi there",
			Completeness: datatypes.CompletenessComplete,
			Final:        relay.StateComplete,
		},
	}
	router := newChatRouter(t, store, runner, testAuth)

	data, _ := json.Marshal(gin.H{"message": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/"+datatypes.ServiceDirectChat, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")

	// One write for conversation_id, then three token writes succeed;
	// the fourth token fails.
	writer := newFailingWriter(4)
	router.ServeHTTP(writer, req)

	delivered := parseSSE(t, writer.buf.String())
	var fromWire strings.Builder
	for _, ev := range delivered {
		if ev.Type == datatypes.EventToken {
			fromWire.WriteString(ev.Content)
		}
	}
	assert.Equal(t, "Hi ", fromWire.String())

	// The persisted partial is exactly the delivered prefix, never a
	// token the client did not receive.
	appended := store.appendedMessages()
	require.Len(t, appended, 2)
	assert.Equal(t, fromWire.String(), appended[1].Content)
	assert.Equal(t, datatypes.CompletenessPartial, appended[1].Completeness)
}

func TestStream_DirectChatIgnoresConfigurationID(t *testing.T) {
	store := &fakeStreamStore{conversationID: uuid.New().String()}
	runner := &fakeRunner{
		events: tokenEvents("ok"),
		result: &relay.Result{
			Text:         "ok",
			Completeness: datatypes.CompletenessComplete,
			Final:        relay.StateComplete,
		},
	}
	router := newChatRouter(t, store, runner, testAuth)

	rec := postChat(router, datatypes.ServiceDirectChat, gin.H{
		"message":          "hi",
		"configuration_id": uuid.New().String(),
	})

	require.Equal(t, http.StatusOK, rec.Code)

	// The stray id never reaches conversation creation or the upstream
	// payload.
	require.NotNil(t, store.lastEnsuredArgs)
	assert.Empty(t, store.lastEnsuredArgs[1])
	assert.Nil(t, runner.lastTurn.Configuration)
}

func TestStream_PersistenceFailureStillEndsStream(t *testing.T) {
	store := &fakeStreamStore{
		conversationID: uuid.New().String(),
		appendFailures: 10,
	}
	runner := &fakeRunner{
		events: tokenEvents("ok"),
		result: &relay.Result{
			Text:         "ok",
			Completeness: datatypes.CompletenessComplete,
			Final:        relay.StateComplete,
		},
	}
	router := newChatRouter(t, store, runner, testAuth)

	rec := postChat(router, datatypes.ServiceDirectChat, gin.H{"message": "hi"})

	events := parseSSE(t, rec.Body.String())
	types := eventTypes(events)
	assert.Contains(t, types, datatypes.EventEnd, "client still gets a clean end")
	assert.NotContains(t, types, datatypes.EventMessageID, "no id for an unpersisted message")
}

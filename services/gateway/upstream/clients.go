// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
)

// maxResponseBytes bounds how much upstream payload is read.
const maxResponseBytes = 8 << 20 // 8MB

// =============================================================================
// Request Payloads
// =============================================================================

// ChatMessage is one turn in the direct-chat prompt.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DirectRequest is the direct-chat upstream request envelope.
type DirectRequest struct {
	ModelName    string             `json:"modelName"`
	ModelPayload DirectModelPayload `json:"modelPayload"`
}

// DirectModelPayload carries the prompt and sampling parameters.
type DirectModelPayload struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// HistoryTurn is one prior question/answer pair in the RAG prompt.
type HistoryTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// RAGRequest is the RAG upstream request envelope. Domain and Version
// come from the authorized configuration.
type RAGRequest struct {
	Domain       string          `json:"domain"`
	Version      string          `json:"version"`
	ModelPayload RAGModelPayload `json:"modelPayload"`
}

// RAGModelPayload carries the question, history, and optional
// retrieval filter.
type RAGModelPayload struct {
	Question string         `json:"question"`
	History  []HistoryTurn  `json:"history"`
	Filter   map[string]any `json:"filter,omitempty"`
}

// =============================================================================
// Client
// =============================================================================

// Caller issues authenticated calls to an upstream AI service and
// decodes the response. Implemented by Client; faked in relay tests.
type Caller interface {
	CallDirect(ctx context.Context, baseURL string, req DirectRequest) (*DecodedResponse, error)
	CallRAG(ctx context.Context, baseURL string, req RAGRequest) (*DecodedResponse, error)
}

// Client is the HTTP implementation of Caller.
//
// Each call fetches a bearer token from the cache (general scope for
// direct-chat, domain scope for RAG), POSTs the payload to the
// resolved base URL with the per-service deadline, and decodes the
// body through the tagged-union decoders.
type Client struct {
	tokens        *TokenCache
	scopeGeneral  string
	scopeDomain   string
	directTimeout time.Duration
	ragTimeout    time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates an upstream Client.
func NewClient(tokens *TokenCache, scopeGeneral, scopeDomain string, directTimeout, ragTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		tokens:        tokens,
		scopeGeneral:  scopeGeneral,
		scopeDomain:   scopeDomain,
		directTimeout: directTimeout,
		ragTimeout:    ragTimeout,
		// Per-call deadlines come from contexts, not the client
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// CallDirect issues one direct-chat completion request.
func (c *Client) CallDirect(ctx context.Context, baseURL string, req DirectRequest) (*DecodedResponse, error) {
	raw, err := c.post(ctx, baseURL+"/api/v1/chat", c.scopeGeneral, c.directTimeout, req)
	if err != nil {
		return nil, err
	}
	return DecodeDirect(raw)
}

// CallRAG issues one RAG query.
func (c *Client) CallRAG(ctx context.Context, baseURL string, req RAGRequest) (*DecodedResponse, error) {
	raw, err := c.post(ctx, baseURL+"/api/v1/query", c.scopeDomain, c.ragTimeout, req)
	if err != nil {
		return nil, err
	}
	return DecodeRAG(raw)
}

// post performs one authenticated JSON POST with a deadline and
// returns the response body.
func (c *Client) post(ctx context.Context, url, scope string, timeout time.Duration, payload any) ([]byte, error) {
	token, err := c.tokens.Get(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("acquire upstream token: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err, callCtx, ctx) {
			c.logger.Warn("upstream call timed out",
				"url", url,
				"elapsed_ms", time.Since(start).Milliseconds())
			return nil, datatypes.ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err, callCtx, ctx) {
			return nil, datatypes.ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("upstream returned non-200 status",
			"url", url,
			"status", resp.StatusCode)
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	c.logger.Debug("upstream call complete",
		"url", url,
		"elapsed_ms", time.Since(start).Milliseconds(),
		"bytes", len(raw))

	return raw, nil
}

// isTimeout reports whether err stems from the call deadline rather
// than caller cancellation. Caller cancellation (client disconnect)
// must propagate as context.Canceled, not be rebranded a timeout.
func isTimeout(err error, callCtx, parentCtx context.Context) bool {
	if parentCtx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

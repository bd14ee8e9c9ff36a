// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package upstream talks to the two external AI backends: the
// direct-chat model service and the retrieval-augmented (RAG) service.
//
// It owns the environment router (which base URL a request targets),
// the client-credential token cache, and the defensive decoding of
// the two upstream response shapes.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// expiryMargin is how much validity must remain on a cached token for
// it to be served without a refresh. Tokens inside the margin are
// treated as expired so an upstream call never departs with a token
// about to lapse mid-flight.
const expiryMargin = 60 * time.Second

// TokenCache caches one OAuth bearer token per scope, refreshed via
// client-credential exchange.
//
// # Description
//
// The cache is the only mutable state shared across concurrent chat
// requests. Reads take a shared lock; when a refresh is needed,
// concurrent callers for the same scope are collapsed into a single
// exchange via singleflight, so a token expiry under load issues
// exactly one request to the identity provider.
//
// Neither the client secret nor raw token values are ever logged.
//
// # Thread Safety
//
// Safe for concurrent use.
type TokenCache struct {
	tokenURL     string
	clientID     string
	clientSecret string
	timeout      time.Duration
	client       *http.Client
	logger       *slog.Logger

	group     singleflight.Group
	mu        sync.RWMutex
	tokens    map[string]cachedToken
	onRefresh func()
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// tokenResponse is the identity provider's exchange response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewTokenCache creates a TokenCache for the given identity provider
// endpoint and client credentials.
func NewTokenCache(tokenURL, clientID, clientSecret string, timeout time.Duration, logger *slog.Logger) *TokenCache {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TokenCache{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		timeout:      timeout,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
		tokens:       make(map[string]cachedToken),
	}
}

// OnRefresh registers a callback invoked once per successful exchange
// with the identity provider. Used for the refresh counter metric.
// Must be called before the cache is shared across goroutines.
func (tc *TokenCache) OnRefresh(fn func()) {
	tc.onRefresh = fn
}

// Get returns a valid bearer token for the scope.
//
// A cached token with more than 60 seconds of validity remaining is
// returned as-is. Otherwise a refresh is performed; concurrent
// callers for the same scope await the same in-flight exchange.
func (tc *TokenCache) Get(ctx context.Context, scope string) (string, error) {
	if token, ok := tc.cached(scope); ok {
		return token, nil
	}

	result, err, _ := tc.group.Do(scope, func() (any, error) {
		// Another waiter may have refreshed while we queued
		if token, ok := tc.cached(scope); ok {
			return token, nil
		}
		return tc.refresh(ctx, scope)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// cached returns the token for scope if it has enough validity left.
func (tc *TokenCache) cached(scope string) (string, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	entry, ok := tc.tokens[scope]
	if !ok || time.Until(entry.expiresAt) <= expiryMargin {
		return "", false
	}
	return entry.value, true
}

// refresh performs the client-credential exchange and stores the
// result.
func (tc *TokenCache) refresh(ctx context.Context, scope string) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {tc.clientID},
		"client_secret": {tc.clientSecret},
		"scope":         {scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		// Body may carry provider error detail with secrets echoed;
		// log the status only.
		return "", fmt.Errorf("token exchange returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 300
	}

	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	tc.mu.Lock()
	tc.tokens[scope] = cachedToken{value: tr.AccessToken, expiresAt: expiresAt}
	tc.mu.Unlock()

	tc.logger.Info("upstream token refreshed",
		"scope", scope,
		"expires_in_seconds", tr.ExpiresIn)
	if tc.onRefresh != nil {
		tc.onRefresh()
	}

	return tr.AccessToken, nil
}

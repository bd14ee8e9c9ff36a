// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads gateway configuration from the environment.
//
// A .env file in the working directory is loaded first (development
// convenience); real environment variables take precedence. Secrets
// are never logged.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway settings.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// DatabasePath is the SQLite database file path.
	DatabasePath string

	// JWTSecret signs and verifies session tokens (HS256).
	JWTSecret string

	// OAuth client-credential settings for upstream token exchange.
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string

	// ScopeGeneral is the OAuth scope for the direct-chat service;
	// ScopeDomain is the scope for the RAG service.
	ScopeGeneral string
	ScopeDomain  string

	// Upstream base URLs, one per (service, environment) pair.
	DirectChatStageURL      string
	DirectChatProductionURL string
	RAGChatStageURL         string
	RAGChatProductionURL    string

	// Per-service upstream call deadlines. RAG retrieval pipelines
	// run far longer than a direct completion.
	DirectChatTimeout time.Duration
	RAGChatTimeout    time.Duration
	TokenTimeout      time.Duration

	// ModelName is the model identifier sent in direct-chat payloads.
	ModelName string

	// OTLPEndpoint is the OpenTelemetry collector gRPC endpoint.
	OTLPEndpoint string

	// LogLevel is the minimum log level name ("debug", "info", ...).
	LogLevel string

	// LogDir enables file logging when set.
	LogDir string
}

// Load reads configuration from the environment, applying defaults
// for everything except secrets.
//
// Returns an error when a required secret (JWT_SECRET, OAUTH_CLIENT_ID,
// OAUTH_CLIENT_SECRET) is missing, so the process fails at startup
// rather than at the first authenticated request.
func Load() (*Config, error) {
	// Missing .env is fine in deployed environments
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "askbridge.db"),

		JWTSecret:         os.Getenv("JWT_SECRET"),
		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", "https://login.example.com/oauth2/v2.0/token"),
		OAuthClientID:     os.Getenv("OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),

		ScopeGeneral: getEnv("OAUTH_SCOPE_GENERAL", "api://askbridge-general/.default"),
		ScopeDomain:  getEnv("OAUTH_SCOPE_DOMAIN", "api://askbridge-domain/.default"),

		DirectChatStageURL:      getEnv("DIRECT_CHAT_STAGE_URL", "https://direct-chat-stage.internal.example.com"),
		DirectChatProductionURL: getEnv("DIRECT_CHAT_PRODUCTION_URL", "https://direct-chat.internal.example.com"),
		RAGChatStageURL:         getEnv("RAG_CHAT_STAGE_URL", "https://rag-chat-stage.internal.example.com"),
		RAGChatProductionURL:    getEnv("RAG_CHAT_PRODUCTION_URL", "https://rag-chat.internal.example.com"),

		DirectChatTimeout: getDuration("DIRECT_CHAT_TIMEOUT_SECONDS", 30),
		RAGChatTimeout:    getDuration("RAG_CHAT_TIMEOUT_SECONDS", 120),
		TokenTimeout:      getDuration("TOKEN_TIMEOUT_SECONDS", 30),

		ModelName: getEnv("MODEL_NAME", "gpt-4o"),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogDir:       os.Getenv("LOG_DIR"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.OAuthClientID == "" || cfg.OAuthClientSecret == "" {
		return nil, fmt.Errorf("OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET are required")
	}

	return cfg, nil
}

// BaseURL returns the upstream base URL for a (service, environment)
// pair. Unknown pairs fall back to the production direct-chat URL.
func (c *Config) BaseURL(serviceType, environment string) string {
	switch {
	case serviceType == "direct-chat" && environment == "stage":
		return c.DirectChatStageURL
	case serviceType == "direct-chat":
		return c.DirectChatProductionURL
	case serviceType == "rag-chat" && environment == "stage":
		return c.RAGChatStageURL
	case serviceType == "rag-chat":
		return c.RAGChatProductionURL
	default:
		return c.DirectChatProductionURL
	}
}

// getEnv returns the env var value or a default when unset.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration reads an integer number of seconds from the env var.
func getDuration(key string, fallbackSeconds int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		slog.Warn("invalid duration env var, using default",
			"key", key, "default_seconds", fallbackSeconds)
	}
	return time.Duration(fallbackSeconds) * time.Second
}

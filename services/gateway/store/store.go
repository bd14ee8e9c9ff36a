// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store provides SQLite persistence for the gateway service.
//
// The store holds users, roles, configuration grants, conversations,
// messages, and feedback. Access-controlled reads take the caller's
// authorization context as an explicit parameter; there is no ambient
// or query-interception filtering, so every access decision is visible
// at its call site.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database handle.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies the
// schema. Foreign keys are enforced per connection.
//
// Use ":memory:" for an ephemeral database in tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive. Used by the health
// endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initSchema creates all tables and indexes if they do not exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		login         TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		is_active     INTEGER NOT NULL DEFAULT 1,
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS roles (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS user_roles (
		user_id     TEXT NOT NULL REFERENCES users(id),
		role_id     TEXT NOT NULL REFERENCES roles(id),
		assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, role_id)
	);

	CREATE TABLE IF NOT EXISTS configurations (
		id           TEXT PRIMARY KEY,
		domain_key   TEXT NOT NULL,
		config_key   TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		environment  TEXT NOT NULL CHECK (environment IN ('stage', 'production')),
		is_active    INTEGER NOT NULL DEFAULT 1,
		created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (domain_key, config_key, environment)
	);

	CREATE TABLE IF NOT EXISTS role_configuration_access (
		role_id          TEXT NOT NULL REFERENCES roles(id),
		configuration_id TEXT NOT NULL REFERENCES configurations(id),
		granted_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (role_id, configuration_id)
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL REFERENCES users(id),
		service_type     TEXT NOT NULL CHECK (service_type IN ('direct-chat', 'rag-chat')),
		configuration_id TEXT REFERENCES configurations(id),
		environment      TEXT CHECK (environment IN ('stage', 'production')),
		title            TEXT NOT NULL DEFAULT 'New Conversation',
		is_titled        INTEGER NOT NULL DEFAULT 0,
		is_active        INTEGER NOT NULL DEFAULT 1,
		created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user
		ON conversations(user_id, is_active, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL REFERENCES conversations(id),
		role              TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
		content           TEXT NOT NULL,
		prompt_tokens     INTEGER,
		completion_tokens INTEGER,
		total_tokens      INTEGER,
		sources_json      TEXT,
		completeness      TEXT NOT NULL DEFAULT 'complete'
			CHECK (completeness IN ('complete', 'partial')),
		created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS feedback (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL REFERENCES users(id),
		conversation_id  TEXT NOT NULL REFERENCES conversations(id),
		message_id       TEXT NOT NULL REFERENCES messages(id),
		rating           INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
		comment          TEXT,
		service_type     TEXT NOT NULL,
		configuration_id TEXT,
		environment      TEXT,
		created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (user_id, message_id)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// execContext is a small helper for writes that only care about the
// error.
func (s *Store) execContext(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
)

// CreateUser inserts a new active user with a bcrypt-hashed password
// and returns its id.
//
// Login issuance itself is handled by an external identity service;
// this method exists for seeding and for that service's provisioning
// calls.
func (s *Store) CreateUser(ctx context.Context, login, email, password, displayName string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	id := uuid.New().String()
	err = s.execContext(ctx,
		`INSERT INTO users (id, login, email, password_hash, display_name)
		 VALUES (?, ?, ?, ?, ?)`,
		id, login, email, string(hash), displayName)
	if err != nil {
		return "", fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// VerifyCredentials checks a login/password pair against the stored
// bcrypt hash. Returns the user id on success, ErrUnauthorized on any
// mismatch or inactive account. The caller (the external login
// service) is responsible for minting the session token.
func (s *Store) VerifyCredentials(ctx context.Context, login, password string) (string, error) {
	var id, hash string
	var isActive bool
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash, is_active FROM users WHERE login = ?`,
		login).Scan(&id, &hash, &isActive)
	if errors.Is(err, sql.ErrNoRows) {
		return "", datatypes.ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("query user: %w", err)
	}
	if !isActive {
		return "", datatypes.ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", datatypes.ErrUnauthorized
	}
	return id, nil
}

// GetUserWithRoles loads a user and their role names.
//
// Returns ErrUnauthorized for unknown or deactivated users, so auth
// middleware can map it straight to a 401.
func (s *Store) GetUserWithRoles(ctx context.Context, userID string) (*datatypes.User, error) {
	user := &datatypes.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, login, email, display_name, is_active, created_at
		 FROM users WHERE id = ?`,
		userID).Scan(&user.ID, &user.Login, &user.Email, &user.DisplayName,
		&user.IsActive, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datatypes.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if !user.IsActive {
		return nil, datatypes.ErrUnauthorized
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.name
		 FROM roles r
		 JOIN user_roles ur ON ur.role_id = r.id
		 WHERE ur.user_id = ?
		 ORDER BY r.name`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		user.Roles = append(user.Roles, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}

	return user, nil
}

// DeactivateUser soft-deletes a user. Conversations and feedback are
// retained; the user simply can no longer authenticate.
func (s *Store) DeactivateUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		userID)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return datatypes.ErrNotFound
	}
	return nil
}

// AssignRole grants a role (by name) to a user.
func (s *Store) AssignRole(ctx context.Context, userID, roleName string) error {
	var roleID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM roles WHERE name = ?`, roleName).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return datatypes.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query role: %w", err)
	}

	return s.execContext(ctx,
		`INSERT OR IGNORE INTO user_roles (user_id, role_id) VALUES (?, ?)`,
		userID, roleID)
}

// SeedRoles inserts the standard role set if not already present.
// Idempotent; called at startup.
func (s *Store) SeedRoles(ctx context.Context) error {
	roles := []struct {
		name, display string
	}{
		{datatypes.RoleUser, "Standard User"},
		{datatypes.RoleOIS, "OIS Analyst"},
		{datatypes.RoleSIM, "SIM Analyst"},
		{datatypes.RoleManager, "Manager"},
		{datatypes.RoleKnowledgeSteward, "Knowledge Steward"},
		{datatypes.RoleAdmin, "Administrator"},
	}

	for _, r := range roles {
		err := s.execContext(ctx,
			`INSERT OR IGNORE INTO roles (id, name, display_name) VALUES (?, ?, ?)`,
			uuid.New().String(), r.name, r.display)
		if err != nil {
			return fmt.Errorf("seed role %s: %w", r.name, err)
		}
	}
	return nil
}

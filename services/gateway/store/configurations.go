// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
)

// =============================================================================
// Configuration Access Filter
// =============================================================================

// ListConfigurations returns the active configurations in the given
// environment that the caller may see.
//
// # Description
//
// This is the single authorization filter for configuration
// visibility. Admins see every active configuration in the
// environment. Everyone else sees only configurations with at least
// one grant row in role_configuration_access matching one of their
// roles. A user with no grants gets an empty list, not an error
// (deny-by-default).
//
// Fails closed: on any query error the empty set is returned together
// with the error, never a partially filtered set.
//
// # Inputs
//
//   - ctx: Request context.
//   - auth: Caller's authorization context. Filtering is driven
//     entirely by auth.Roles.
//   - environment: "stage" or "production", already resolved by the
//     environment router (unprivileged callers never reach here with
//     "stage").
//
// # Outputs
//
//   - []datatypes.Configuration: Visible configurations, ordered by
//     display name. Empty slice when nothing is visible.
//   - error: Non-nil on query failure.
func (s *Store) ListConfigurations(ctx context.Context, auth datatypes.AuthContext, environment string) ([]datatypes.Configuration, error) {
	var (
		query string
		args  []any
	)

	if auth.IsAdmin() {
		query = `SELECT id, domain_key, config_key, display_name, description,
		                environment, is_active, created_at
		         FROM configurations
		         WHERE is_active = 1 AND environment = ?
		         ORDER BY display_name`
		args = []any{environment}
	} else {
		if len(auth.Roles) == 0 {
			return []datatypes.Configuration{}, nil
		}
		placeholders := strings.Repeat("?,", len(auth.Roles))
		placeholders = placeholders[:len(placeholders)-1]

		query = fmt.Sprintf(
			`SELECT DISTINCT c.id, c.domain_key, c.config_key, c.display_name,
			        c.description, c.environment, c.is_active, c.created_at
			 FROM configurations c
			 JOIN role_configuration_access rca ON rca.configuration_id = c.id
			 JOIN roles r ON r.id = rca.role_id
			 WHERE c.is_active = 1 AND c.environment = ? AND r.name IN (%s)
			 ORDER BY c.display_name`, placeholders)
		args = append(args, environment)
		for _, role := range auth.Roles {
			args = append(args, role)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return []datatypes.Configuration{}, fmt.Errorf("query configurations: %w", err)
	}
	defer rows.Close()

	configs := []datatypes.Configuration{}
	for rows.Next() {
		var c datatypes.Configuration
		if err := rows.Scan(&c.ID, &c.DomainKey, &c.ConfigKey, &c.DisplayName,
			&c.Description, &c.Environment, &c.IsActive, &c.CreatedAt); err != nil {
			return []datatypes.Configuration{}, fmt.Errorf("scan configuration: %w", err)
		}
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return []datatypes.Configuration{}, fmt.Errorf("iterate configurations: %w", err)
	}

	return configs, nil
}

// AuthorizeConfiguration re-validates a client-supplied configuration
// id against the caller's filtered set.
//
// A client-supplied configuration id is never trusted blindly: chat
// requests call this before any upstream traffic. Returns the
// configuration on success, ErrForbidden when the id is not in the
// caller's visible set (including when it simply does not exist, so
// existence is not leaked).
func (s *Store) AuthorizeConfiguration(ctx context.Context, auth datatypes.AuthContext, configurationID, environment string) (*datatypes.Configuration, error) {
	configs, err := s.ListConfigurations(ctx, auth, environment)
	if err != nil {
		return nil, err
	}
	for i := range configs {
		if configs[i].ID == configurationID {
			return &configs[i], nil
		}
	}
	return nil, datatypes.ErrForbidden
}

// =============================================================================
// Configuration Administration
// =============================================================================

// CreateConfiguration inserts a configuration and returns its id.
func (s *Store) CreateConfiguration(ctx context.Context, domainKey, configKey, displayName, description, environment string) (string, error) {
	id := uuid.New().String()
	err := s.execContext(ctx,
		`INSERT INTO configurations (id, domain_key, config_key, display_name, description, environment)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, domainKey, configKey, displayName, description, environment)
	if err != nil {
		return "", fmt.Errorf("insert configuration: %w", err)
	}
	return id, nil
}

// GrantAccess adds a grant row allowing the named role to see the
// configuration. Idempotent.
func (s *Store) GrantAccess(ctx context.Context, roleName, configurationID string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO role_configuration_access (role_id, configuration_id)
		 SELECT r.id, ? FROM roles r WHERE r.name = ?`,
		configurationID, roleName)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the role doesn't exist or the grant already did.
		// Distinguish so callers can catch typos in role names.
		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM roles WHERE name = ?`, roleName).Scan(&count); err != nil {
			return fmt.Errorf("verify role: %w", err)
		}
		if count == 0 {
			return datatypes.ErrNotFound
		}
	}
	return nil
}

// RevokeAccess removes a grant row.
func (s *Store) RevokeAccess(ctx context.Context, roleName, configurationID string) error {
	return s.execContext(ctx,
		`DELETE FROM role_configuration_access
		 WHERE configuration_id = ?
		   AND role_id IN (SELECT id FROM roles WHERE name = ?)`,
		configurationID, roleName)
}

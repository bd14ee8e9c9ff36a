// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package upstream

import (
	"log/slog"

	"github.com/askbridge-io/askbridge/services/gateway/config"
	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
)

// Router resolves which upstream base endpoint a request targets.
//
// Stage endpoints are reserved for privileged roles (ADMIN,
// KNOWLEDGE_STEWARD). A non-privileged caller asking for stage is
// silently served production; the coercion is logged but the request
// proceeds.
type Router struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewRouter creates a Router over the configured base URLs.
func NewRouter(cfg *config.Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, logger: logger}
}

// ResolveEnvironment returns the effective environment for the
// caller: the requested one when allowed, production otherwise.
//
// An empty request defaults to production. The same coercion applies
// everywhere an environment is accepted (configuration listing, chat,
// conversation creation), so a caller can never smuggle a stage
// reference through one path that another would have denied.
func (r *Router) ResolveEnvironment(requested string, auth datatypes.AuthContext) string {
	if requested == "" {
		return datatypes.EnvironmentProduction
	}
	if requested == datatypes.EnvironmentStage && !auth.IsPrivileged() {
		r.logger.Info("stage environment coerced to production",
			"user_id", auth.UserID)
		return datatypes.EnvironmentProduction
	}
	return requested
}

// ResolveBaseURL returns the upstream base URL and effective
// environment for a (service, requested environment) pair.
func (r *Router) ResolveBaseURL(serviceType, requested string, auth datatypes.AuthContext) (baseURL, environment string) {
	environment = r.ResolveEnvironment(requested, auth)
	return r.cfg.BaseURL(serviceType, environment), environment
}

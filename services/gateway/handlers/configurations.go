// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
	"github.com/askbridge-io/askbridge/services/gateway/middleware"
)

// ConfigurationStore lists configurations visible to a caller.
type ConfigurationStore interface {
	ListConfigurations(ctx context.Context, auth datatypes.AuthContext, environment string) ([]datatypes.Configuration, error)
}

// ConfigurationHandler serves the role-filtered configuration catalog.
type ConfigurationHandler struct {
	store  ConfigurationStore
	router EnvironmentRouter
	logger *slog.Logger
}

// NewConfigurationHandler creates a ConfigurationHandler.
func NewConfigurationHandler(store ConfigurationStore, router EnvironmentRouter, logger *slog.Logger) *ConfigurationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigurationHandler{store: store, router: router, logger: logger}
}

// List handles GET /v1/configurations?environment=.
//
// The result contains only configurations the caller's roles are
// granted; admins see everything. A lookup failure returns an empty
// list with a 200, never a partial or unfiltered one.
func (h *ConfigurationHandler) List(c *gin.Context) {
	auth, ok := middleware.GetAuthContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	requested := c.Query("environment")
	if requested != "" && requested != datatypes.EnvironmentStage && requested != datatypes.EnvironmentProduction {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown environment"})
		return
	}
	_, environment := h.router.ResolveBaseURL(datatypes.ServiceRAGChat, requested, auth)

	configurations, err := h.store.ListConfigurations(c.Request.Context(), auth, environment)
	if err != nil {
		// Fail closed: the caller gets nothing rather than risk an
		// unfiltered set.
		h.logger.Error("configuration listing failed",
			"user_id", auth.UserID,
			"environment", environment,
			"error", err)
		c.JSON(http.StatusOK, gin.H{"configurations": []datatypes.Configuration{}, "environment": environment})
		return
	}

	c.JSON(http.StatusOK, gin.H{"configurations": configurations, "environment": environment})
}

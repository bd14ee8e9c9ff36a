// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the gateway's HTTP surface.
package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/askbridge-io/askbridge/services/gateway/handlers"
	"github.com/askbridge-io/askbridge/services/gateway/middleware"
	"github.com/askbridge-io/askbridge/services/gateway/observability"
	"github.com/askbridge-io/askbridge/services/gateway/store"
	"github.com/askbridge-io/askbridge/services/gateway/upstream"
)

// Dependencies carries everything the route tree needs.
type Dependencies struct {
	Store     *store.Store
	Relay     handlers.TurnRunner
	Router    *upstream.Router
	Metrics   *observability.StreamingMetrics
	JWTSecret string
	Logger    *slog.Logger
}

// Setup builds the gin engine with all gateway routes.
//
// Everything under /v1 requires a valid bearer token. /health and
// /metrics are open; they sit behind the internal load balancer, not
// the public edge.
func Setup(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("askbridge-gateway"))

	chat := handlers.NewChatHandler(deps.Store, deps.Relay, deps.Router, deps.Metrics, deps.Logger)
	configurations := handlers.NewConfigurationHandler(deps.Store, deps.Router, deps.Logger)
	conversations := handlers.NewConversationHandler(deps.Store, deps.Logger)
	feedback := handlers.NewFeedbackHandler(deps.Store, deps.Metrics, deps.Logger)
	health := handlers.NewHealthHandler(deps.Store)

	router.GET("/health", health.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.JWTSecret, deps.Store))
	{
		v1.POST("/chat/:service_type", chat.Stream)
		v1.GET("/configurations", configurations.List)
		v1.GET("/conversations", conversations.List)
		v1.GET("/conversations/:id", conversations.Get)
		v1.DELETE("/conversations/:id", conversations.Delete)
		v1.POST("/feedback", feedback.Submit)
	}

	return router
}

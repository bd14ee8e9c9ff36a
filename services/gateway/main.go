// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/askbridge-io/askbridge/pkg/logging"
	"github.com/askbridge-io/askbridge/services/gateway/config"
	"github.com/askbridge-io/askbridge/services/gateway/observability"
	"github.com/askbridge-io/askbridge/services/gateway/relay"
	"github.com/askbridge-io/askbridge/services/gateway/routes"
	"github.com/askbridge-io/askbridge/services/gateway/store"
	"github.com/askbridge-io/askbridge/services/gateway/upstream"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("askbridge-gateway")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	appLogger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "gateway",
		JSON:    true,
	})
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	cleanup, err := initTracer(cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.SeedRoles(context.Background()); err != nil {
		log.Fatalf("failed to seed roles: %v", err)
	}

	metrics := observability.InitMetrics()

	tokens := upstream.NewTokenCache(
		cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret,
		cfg.TokenTimeout, logger)
	tokens.OnRefresh(metrics.TokenRefreshes.Inc)
	client := upstream.NewClient(tokens, cfg.ScopeGeneral, cfg.ScopeDomain,
		cfg.DirectChatTimeout, cfg.RAGChatTimeout, logger)
	envRouter := upstream.NewRouter(cfg, logger)
	turns := relay.New(client, cfg.ModelName, logger)

	router := routes.Setup(routes.Dependencies{
		Store:     db,
		Relay:     turns,
		Router:    envRouter,
		Metrics:   metrics,
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
	})

	logger.Info("starting gateway", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}

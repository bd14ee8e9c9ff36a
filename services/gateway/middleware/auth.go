// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the gateway service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header, validates its HS256 signature and expiry, loads the user's
// roles, and stores the resulting immutable AuthContext in the Gin
// context for downstream handlers:
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Verify signature + expiry, read subject claim
//	   │
//	   ├─► resolver.GetUserWithRoles(ctx, userID)
//	   │
//	   └─► Store AuthContext in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthContext)
//
// Handlers then pass the AuthContext explicitly into store and relay
// calls; access decisions never read ambient state.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
)

// authContextKey is the context key for storing the AuthContext.
const authContextKey = "askbridge_auth_context"

// UserResolver loads a user's identity and roles. Implemented by the
// store; faked in tests.
type UserResolver interface {
	GetUserWithRoles(ctx context.Context, userID string) (*datatypes.User, error)
}

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthContext stores the authorization context in the Gin context.
// Called by AuthMiddleware after successful authentication.
func SetAuthContext(c *gin.Context, auth datatypes.AuthContext) {
	c.Set(authContextKey, auth)
}

// GetAuthContext retrieves the authorization context set by
// AuthMiddleware.
//
// The boolean is false when the request was not authenticated (the
// middleware did not run or aborted); handlers behind the middleware
// can treat that as an internal error.
func GetAuthContext(c *gin.Context) (datatypes.AuthContext, bool) {
	if v, exists := c.Get(authContextKey); exists {
		if auth, ok := v.(datatypes.AuthContext); ok {
			return auth, true
		}
	}
	return datatypes.AuthContext{}, false
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Validates the bearer token as an HS256 JWT signed with secret, reads
// the user id from the subject claim, and resolves the user's roles
// through the resolver. Unknown, deactivated, or unverifiable callers
// get 401 before any handler runs. Token values are never logged.
//
// # Inputs
//
//   - secret: HMAC signing secret shared with the login service.
//   - resolver: Loads user identity and roles. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use on a route group.
func AuthMiddleware(secret string, resolver UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
			})
			return
		}

		userID, err := validateToken(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}

		user, err := resolver.GetUserWithRoles(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, datatypes.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthContext(c, datatypes.AuthContext{
			UserID: user.ID,
			Roles:  user.Roles,
		})

		c.Next()
	}
}

// validateToken verifies signature and expiry and returns the subject
// claim.
func validateToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("missing subject claim")
	}
	return sub, nil
}

// extractBearerToken extracts the token from the Authorization header.
// The "Bearer" prefix is case-insensitive per RFC 7235; returns empty
// string when the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

// Sentinel errors for the gateway service. Handlers map these to HTTP
// status codes before the stream opens, or to a single error event
// once streaming has begun.
var (
	// ErrUnauthorized indicates the caller presented no credential or
	// an invalid one.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the caller is authenticated but lacks
	// access to the requested resource (configuration, conversation).
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUpstreamTimeout indicates the upstream AI service did not
	// respond within the configured deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrFeedbackConflict indicates feedback already exists for this
	// user and message.
	ErrFeedbackConflict = errors.New("feedback already submitted for message")

	// ErrPersistence indicates a database write failed after the
	// stream was already delivered. The write is retried in the
	// background; the client stream is unaffected.
	ErrPersistence = errors.New("persistence failure")
)

// =============================================================================
// Typed Errors
// =============================================================================

// UpstreamMalformedError indicates the upstream response matched
// neither the primary nor the fallback shape for its service type.
//
// The raw payload is retained for server-side diagnostics only. It
// must never be forwarded to the client or logged above Debug level.
type UpstreamMalformedError struct {
	ServiceType string
	Raw         []byte
}

// Error implements the error interface. The message deliberately
// excludes the raw payload.
func (e *UpstreamMalformedError) Error() string {
	return fmt.Sprintf("unexpected %s upstream response shape", e.ServiceType)
}

// IsUpstreamMalformed reports whether err is an UpstreamMalformedError.
func IsUpstreamMalformed(err error) bool {
	var target *UpstreamMalformedError
	return errors.As(err, &target)
}

// SafeClientMessage maps an internal error to a message suitable for
// the client-facing error event. Internal detail never leaks; the
// full error is logged server-side by the caller.
func SafeClientMessage(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return "The AI service took too long to respond. Please try again."
	case IsUpstreamMalformed(err):
		return "The AI service returned an unexpected response. Please try again."
	case errors.Is(err, ErrForbidden):
		return "You do not have access to the requested configuration."
	default:
		return "An internal error occurred. Please try again."
	}
}

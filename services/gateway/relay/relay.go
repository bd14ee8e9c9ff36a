// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package relay implements the streaming protocol state machine.
//
// A relay turn builds the upstream payload, issues the call,
// normalizes the variable-shape response into a canonical event
// sequence (token*, sources?, usage?), and forwards it to the caller
// while accumulating the full text. The package is independent of
// HTTP: events go through an Emitter callback, so the machine is
// testable without a server.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
	"github.com/askbridge-io/askbridge/services/gateway/upstream"
)

// State is the relay state machine position.
type State int

const (
	StateInit State = iota
	StateAwaitUpstream
	StateStreaming
	StateComplete
	StateErrored
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitUpstream:
		return "AWAIT_UPSTREAM"
	case StateStreaming:
		return "STREAMING"
	case StateComplete:
		return "COMPLETE"
	case StateErrored:
		return "ERRORED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Emitter delivers one stream event to the client. A non-nil error
// means the client connection is gone; the relay treats it as
// cancellation.
type Emitter func(event datatypes.StreamEvent) error

// Turn describes one chat turn to relay.
type Turn struct {
	// ServiceType is direct-chat or rag-chat.
	ServiceType string

	// Message is the new user message.
	Message string

	// History is the conversation's prior messages, oldest first.
	History []datatypes.Message

	// BaseURL is the resolved upstream endpoint.
	BaseURL string

	// Configuration is the authorized RAG configuration. Required
	// for rag-chat, ignored for direct-chat.
	Configuration *datatypes.Configuration

	// Direct-chat sampling parameters. Zero values are omitted from
	// the payload.
	Temperature float64
	MaxTokens   int
}

// Result is what a finished (or cancelled) turn hands to persistence.
type Result struct {
	// Text is the accumulated answer: the exact concatenation of all
	// emitted token events, in order. On cancellation it is the
	// prefix emitted before the cancellation took effect.
	Text string

	// Sources and Usage are present when the upstream supplied them.
	Sources []datatypes.Source
	Usage   *datatypes.TokenUsage

	// Completeness is complete or partial.
	Completeness string

	// Final is the terminal state the machine reached.
	Final State
}

// Relay runs streaming turns against an upstream caller.
type Relay struct {
	caller    upstream.Caller
	modelName string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates a Relay. modelName is the model identifier sent in
// direct-chat payloads.
func New(caller upstream.Caller, modelName string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		caller:    caller,
		modelName: modelName,
		logger:    logger,
		tracer:    otel.Tracer("askbridge/relay"),
	}
}

// Run executes one turn.
//
// # Description
//
// Drives the state machine INIT → AWAIT_UPSTREAM → STREAMING →
// COMPLETE, emitting token events rune by rune, then one sources
// event (RAG, when sources exist), then one usage event (when the
// upstream supplied counts). The terminal end event is the caller's
// responsibility, after persistence, so the persisted message id can
// precede it on the wire.
//
// # Outputs
//
//   - *Result: Non-nil on COMPLETE and on CANCELLED (with the partial
//     prefix and Completeness = partial). Nil on ERRORED.
//   - error: context.Canceled on cancellation, the upstream error on
//     ERRORED, nil on COMPLETE.
//
// # Assumptions
//
//   - The configuration (for RAG) was already authorized by the caller
//   - emit is safe to call from this goroutine only
func (r *Relay) Run(ctx context.Context, turn Turn, emit Emitter) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "relay.Run",
		trace.WithAttributes(
			attribute.String("service_type", turn.ServiceType),
		))
	defer span.End()

	state := StateInit
	r.transition(&state, StateAwaitUpstream, span)

	decoded, err := r.callUpstream(ctx, turn)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// Client went away before any content was produced.
			// Nothing was emitted, so there is no partial prefix.
			r.transition(&state, StateCancelled, span)
			return &Result{
				Completeness: datatypes.CompletenessPartial,
				Final:        StateCancelled,
			}, context.Canceled
		}
		r.transition(&state, StateErrored, span)
		return nil, err
	}

	r.transition(&state, StateStreaming, span)

	var accumulated strings.Builder
	cancelled := func() (*Result, error) {
		r.transition(&state, StateCancelled, span)
		return &Result{
			Text:         accumulated.String(),
			Sources:      decoded.Sources,
			Usage:        decoded.Usage,
			Completeness: datatypes.CompletenessPartial,
			Final:        StateCancelled,
		}, context.Canceled
	}

	for _, ch := range decoded.Text {
		select {
		case <-ctx.Done():
			return cancelled()
		default:
		}

		token := string(ch)
		// Emit failure means the client connection is gone
		if err := emit(datatypes.StreamEvent{Type: datatypes.EventToken, Content: token}); err != nil {
			return cancelled()
		}
		accumulated.WriteString(token)
	}

	if len(decoded.Sources) > 0 {
		if err := emit(datatypes.StreamEvent{Type: datatypes.EventSources, Sources: decoded.Sources}); err != nil {
			return cancelled()
		}
	}

	if decoded.Usage != nil {
		if err := emit(datatypes.StreamEvent{Type: datatypes.EventUsage, Usage: decoded.Usage}); err != nil {
			return cancelled()
		}
	}

	r.transition(&state, StateComplete, span)
	return &Result{
		Text:         accumulated.String(),
		Sources:      decoded.Sources,
		Usage:        decoded.Usage,
		Completeness: datatypes.CompletenessComplete,
		Final:        StateComplete,
	}, nil
}

// callUpstream builds the service-specific payload and issues the
// call.
func (r *Relay) callUpstream(ctx context.Context, turn Turn) (*upstream.DecodedResponse, error) {
	switch turn.ServiceType {
	case datatypes.ServiceRAGChat:
		return r.caller.CallRAG(ctx, turn.BaseURL, upstream.RAGRequest{
			Domain:  turn.Configuration.DomainKey,
			Version: turn.Configuration.ConfigKey,
			ModelPayload: upstream.RAGModelPayload{
				Question: turn.Message,
				History:  historyTurns(turn.History),
			},
		})
	default:
		return r.caller.CallDirect(ctx, turn.BaseURL, upstream.DirectRequest{
			ModelName: r.modelName,
			ModelPayload: upstream.DirectModelPayload{
				Messages:    promptMessages(turn.History, turn.Message),
				Temperature: turn.Temperature,
				MaxTokens:   turn.MaxTokens,
			},
		})
	}
}

// transition advances the state machine and records it.
func (r *Relay) transition(state *State, next State, span trace.Span) {
	r.logger.Debug("relay state transition",
		"from", state.String(),
		"to", next.String())
	span.AddEvent("state:" + next.String())
	*state = next
}

// promptMessages flattens history plus the new message into the
// direct-chat prompt.
func promptMessages(history []datatypes.Message, message string) []upstream.ChatMessage {
	messages := make([]upstream.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, upstream.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, upstream.ChatMessage{Role: datatypes.MessageRoleUser, Content: message})
	return messages
}

// historyTurns pairs history into question/answer turns for the RAG
// payload. A trailing unanswered question is dropped.
func historyTurns(history []datatypes.Message) []upstream.HistoryTurn {
	turns := []upstream.HistoryTurn{}
	var pending string
	var havePending bool
	for _, m := range history {
		switch m.Role {
		case datatypes.MessageRoleUser:
			pending = m.Content
			havePending = true
		case datatypes.MessageRoleAssistant:
			if havePending {
				turns = append(turns, upstream.HistoryTurn{Question: pending, Answer: m.Content})
				havePending = false
			}
		}
	}
	return turns
}

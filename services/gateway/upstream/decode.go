// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package upstream

import (
	"encoding/json"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
)

// =============================================================================
// Direct-Chat Response Shapes
// =============================================================================

// directPrimary is the direct-chat service's native envelope.
type directPrimary struct {
	Status      string `json:"status"`
	ModelResult struct {
		Content          string `json:"content"`
		ResponseMetadata struct {
			TokenUsage *usageCounts `json:"token_usage"`
		} `json:"response_metadata"`
	} `json:"modelResult"`
}

// directFallback is the OpenAI-style completion shape some model
// deployments return instead.
type directFallback struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usageCounts `json:"usage"`
}

// usageCounts is the token accounting block common to all shapes.
type usageCounts struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usageCounts) toUsage() *datatypes.TokenUsage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return &datatypes.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      total,
	}
}

// =============================================================================
// RAG Response Shapes
// =============================================================================

// ragPrimary is the RAG service's native envelope with citations.
type ragPrimary struct {
	Response  string `json:"response"`
	Citations []struct {
		ID       string `json:"id"`
		Metadata struct {
			Source   string `json:"source"`
			Captions struct {
				Text       string `json:"text"`
				Highlights string `json:"highlights"`
			} `json:"captions"`
		} `json:"metadata"`
		PageContent string `json:"page_content"`
	} `json:"citations"`
	Usage *usageCounts `json:"usage"`
}

// ragFallback is the simplified answer/sources shape.
type ragFallback struct {
	Answer  string `json:"answer"`
	Sources []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"sources"`
	Usage *usageCounts `json:"usage"`
}

// =============================================================================
// Tagged-Union Decoding
// =============================================================================

// DecodedResponse is the normalized result of one upstream call.
type DecodedResponse struct {
	Text    string
	Sources []datatypes.Source
	Usage   *datatypes.TokenUsage
}

// DecodeDirect decodes a direct-chat upstream payload.
//
// # Description
//
// Attempts the primary envelope first ({status, modelResult}), then
// the OpenAI-style fallback ({choices, usage}). If neither shape
// yields content, an UpstreamMalformedError carrying the raw payload
// is returned; there is no best-effort partial guess.
func DecodeDirect(raw []byte) (*DecodedResponse, error) {
	var primary directPrimary
	if err := json.Unmarshal(raw, &primary); err == nil &&
		primary.Status == "success" && primary.ModelResult.Content != "" {
		return &DecodedResponse{
			Text:  primary.ModelResult.Content,
			Usage: primary.ModelResult.ResponseMetadata.TokenUsage.toUsage(),
		}, nil
	}

	var fallback directFallback
	if err := json.Unmarshal(raw, &fallback); err == nil &&
		len(fallback.Choices) > 0 && fallback.Choices[0].Message.Content != "" {
		return &DecodedResponse{
			Text:  fallback.Choices[0].Message.Content,
			Usage: fallback.Usage.toUsage(),
		}, nil
	}

	return nil, &datatypes.UpstreamMalformedError{
		ServiceType: datatypes.ServiceDirectChat,
		Raw:         raw,
	}
}

// DecodeRAG decodes a RAG upstream payload.
//
// # Description
//
// Attempts the citations envelope first, then the answer/sources
// fallback. Citation entries become Source values whose Title is the
// caption text when present, else the page content; the raw retrieval
// id is never surfaced to the client. Entries with neither caption
// nor page content are dropped.
func DecodeRAG(raw []byte) (*DecodedResponse, error) {
	var primary ragPrimary
	if err := json.Unmarshal(raw, &primary); err == nil && primary.Response != "" {
		sources := make([]datatypes.Source, 0, len(primary.Citations))
		for _, c := range primary.Citations {
			title := c.Metadata.Captions.Text
			if title == "" {
				title = c.PageContent
			}
			if title == "" {
				continue
			}
			sources = append(sources, datatypes.Source{Title: title})
		}
		return &DecodedResponse{
			Text:    primary.Response,
			Sources: sources,
			Usage:   primary.Usage.toUsage(),
		}, nil
	}

	var fallback ragFallback
	if err := json.Unmarshal(raw, &fallback); err == nil && fallback.Answer != "" {
		sources := make([]datatypes.Source, 0, len(fallback.Sources))
		for _, s := range fallback.Sources {
			if s.Title == "" && s.URL == "" {
				continue
			}
			sources = append(sources, datatypes.Source{Title: s.Title, URL: s.URL})
		}
		return &DecodedResponse{
			Text:    fallback.Answer,
			Sources: sources,
			Usage:   fallback.Usage.toUsage(),
		}, nil
	}

	return nil, &datatypes.UpstreamMalformedError{
		ServiceType: datatypes.ServiceRAGChat,
		Raw:         raw,
	}
}

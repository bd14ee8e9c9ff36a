// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askbridge-io/askbridge/services/gateway/datatypes"
)

func TestDecodeDirect_PrimaryShape(t *testing.T) {
	raw := []byte(`{
		"status": "success",
		"modelResult": {
			"content": "Hi there",
			"response_metadata": {
				"token_usage": {"prompt_tokens": 41, "completion_tokens": 22, "total_tokens": 63}
			}
		}
	}`)

	resp, err := DecodeDirect(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Text)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 63, resp.Usage.TotalTokens)
}

func TestDecodeDirect_FallbackShape(t *testing.T) {
	raw := []byte(`{
		"choices": [{"message": {"content": "Fallback answer"}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5}
	}`)

	resp, err := DecodeDirect(raw)
	require.NoError(t, err)
	assert.Equal(t, "Fallback answer", resp.Text)
	require.NotNil(t, resp.Usage)
	// Total is derived when the upstream omits it
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestDecodeDirect_PrimaryWithoutUsage(t *testing.T) {
	raw := []byte(`{"status":"success","modelResult":{"content":"Hi there"}}`)

	resp, err := DecodeDirect(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Text)
	assert.Nil(t, resp.Usage)
}

func TestDecodeDirect_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty object":      []byte(`{}`),
		"failed status":     []byte(`{"status":"error","modelResult":{"content":"x"}}`),
		"empty choices":     []byte(`{"choices":[]}`),
		"not json":          []byte(`<html>bad gateway</html>`),
		"missing content":   []byte(`{"status":"success","modelResult":{}}`),
		"choice no content": []byte(`{"choices":[{"message":{}}]}`),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeDirect(raw)
			require.Error(t, err)
			assert.True(t, datatypes.IsUpstreamMalformed(err))

			var malformed *datatypes.UpstreamMalformedError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, raw, malformed.Raw)
			// The raw payload never leaks into the message
			assert.NotContains(t, err.Error(), string(raw))
		})
	}
}

func TestDecodeRAG_CitationsShape(t *testing.T) {
	raw := []byte(`{
		"response": "Follow the reset steps.",
		"citations": [
			{"id": "c1", "metadata": {"source": "kb-1", "captions": {"text": "Reset steps"}}},
			{"id": "c2", "metadata": {"source": "kb-2"}, "page_content": "Fallback passage"},
			{"id": "c3", "metadata": {"source": "kb-3"}}
		],
		"usage": {"prompt_tokens": 100, "completion_tokens": 30, "total_tokens": 130}
	}`)

	resp, err := DecodeRAG(raw)
	require.NoError(t, err)
	assert.Equal(t, "Follow the reset steps.", resp.Text)
	require.Len(t, resp.Sources, 2)

	// Caption text preferred; page content as fallback; bare ids dropped
	assert.Equal(t, "Reset steps", resp.Sources[0].Title)
	assert.Equal(t, "Fallback passage", resp.Sources[1].Title)
	for _, s := range resp.Sources {
		assert.NotContains(t, s.Title, "kb-")
	}
}

func TestDecodeRAG_FallbackShape(t *testing.T) {
	raw := []byte(`{
		"answer": "See the handbook.",
		"sources": [{"title": "Handbook", "url": "https://kb.example.com/handbook"}]
	}`)

	resp, err := DecodeRAG(raw)
	require.NoError(t, err)
	assert.Equal(t, "See the handbook.", resp.Text)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "Handbook", resp.Sources[0].Title)
	assert.Equal(t, "https://kb.example.com/handbook", resp.Sources[0].URL)
}

func TestDecodeRAG_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"empty object":   []byte(`{}`),
		"empty response": []byte(`{"response":"","citations":[]}`),
		"not json":       []byte(`oops`),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRAG(raw)
			require.Error(t, err)
			assert.True(t, datatypes.IsUpstreamMalformed(err))
		})
	}
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
)

func TestGeminiChat(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{
			"candidates": [{"content": {"role": "model", "parts": [
				{"text": "Searching."},
				{"functionCall": {"name": "webSearch", "args": {"query": "go"}}}
			]}}],
			"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 3, "totalTokenCount": 7}
		}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider(config.ProviderConfig{Name: "google", BaseURL: srv.URL, APIKey: "g-key"}, slog.Default())
	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Model:     "gemini-2.0-flash",
		MaxTokens: 64,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "find go"},
			{Role: domain.RoleAssistant, Content: "earlier"},
		},
	})
	require.NoError(t, err)

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "sys", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 2)
	assert.Equal(t, "model", got.Contents[1].Role)
	assert.Equal(t, 64, got.GenerationConfig.MaxOutputTokens)

	assert.Equal(t, "gemini-2.0-flash", resp.Model)
	assert.Equal(t, "Searching.", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.True(t, strings.HasPrefix(resp.Message.ToolCalls[0].ID, "call_"))
	assert.JSONEq(t, `{"query":"go"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestGeminiStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]}}],\"usageMetadata\":{\"totalTokenCount\":5}}\n\n")
	}))
	defer srv.Close()

	p := NewGeminiProvider(config.ProviderConfig{Name: "google", BaseURL: srv.URL, APIKey: "k"}, slog.Default())
	ch, err := p.ChatStream(context.Background(), domain.ChatRequest{Model: "gemini-2.0-flash"})
	require.NoError(t, err)

	resp, err := domain.CollectStream(context.Background(), ch, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Message.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

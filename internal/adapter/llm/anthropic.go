package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
	"ankie/internal/infra/tracer"
)

const anthropicVersion = "2023-06-01"

var (
	_ domain.LLMProvider          = (*AnthropicProvider)(nil)
	_ domain.StreamingLLMProvider = (*AnthropicProvider)(nil)
)

// AnthropicProvider implements the Anthropic Messages API.
type AnthropicProvider struct {
	name    string
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

func newAnthropic(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	return NewAnthropicProvider(cfg, logger), nil
}

// NewAnthropicProvider creates an Anthropic client.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		name:    cfg.Name,
		baseURL: baseURL,
		headers: map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": anthropicVersion,
		},
		client: NewHTTPClient(cfg),
		logger: logger,
	}
}

// Chat implements domain.LLMProvider.
func (p *AnthropicProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := chatSpan(ctx, p.name, req.Model)
	defer span.End()

	body, err := json.Marshal(toAnthropicRequest(req, false))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data, err := doJSONRequest(ctx, p.client, p.baseURL+"/v1/messages", body, p.headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	var resp anthropicResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}
	result := fromAnthropicResponse(resp)
	finishChat(span, p.logger, p.name, result)
	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	body, err := json.Marshal(toAnthropicRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := doStreamRequest(ctx, p.client, p.baseURL+"/v1/messages", body, p.headers)
	if err != nil {
		return nil, err
	}
	return parseSSEStream(ctx, resp.Body, parseAnthropicEvent), nil
}

// Name implements domain.LLMProvider.
func (p *AnthropicProvider) Name() string { return p.name }

// --- wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Content []anthropicBlock `json:"content"`
	Usage   anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string          `json:"type"`
	ContentBlock *anthropicBlock `json:"content_block,omitempty"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (u anthropicUsage) toDomain() domain.Usage {
	return domain.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

func toAnthropicRequest(req domain.ChatRequest, stream bool) anthropicRequest {
	out := anthropicRequest{Model: req.Model, MaxTokens: req.MaxTokens, Stream: stream}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}

	var system []string
	for _, m := range req.Messages {
		switch {
		case m.Role == domain.RoleSystem:
			system = append(system, m.Content)
		case m.Role == domain.RoleTool:
			block := anthropicBlock{Type: "tool_result", Content: m.Content}
			if len(m.ToolCalls) > 0 {
				block.ToolUseID = m.ToolCalls[0].ID
			}
			out.Messages = appendAnthropic(out.Messages, "user", block)
		case len(m.ToolCalls) > 0:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			out.Messages = appendAnthropic(out.Messages, domain.RoleAssistant, blocks...)
		default:
			out.Messages = appendAnthropic(out.Messages, m.Role, anthropicBlock{Type: "text", Text: m.Content})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

// appendAnthropic merges consecutive same-role turns; the Messages API
// requires roles to alternate, and parallel tool results must share one turn.
func appendAnthropic(msgs []anthropicMessage, role string, blocks ...anthropicBlock) []anthropicMessage {
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
		return msgs
	}
	return append(msgs, anthropicMessage{Role: role, Content: blocks})
}

func fromAnthropicResponse(resp anthropicResponse) *domain.ChatResponse {
	now := time.Now()
	msg := domain.Message{Role: domain.RoleAssistant, Timestamp: now}
	var text []string
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text = append(text, b.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
		}
	}
	msg.Content = strings.Join(text, "")
	return &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Message:   msg,
		Usage:     resp.Usage.toDomain(),
		CreatedAt: now,
	}
}

func parseAnthropicEvent(ev sseEvent) (*domain.StreamDelta, error) {
	var e anthropicStreamEvent
	if err := json.Unmarshal(ev.Data, &e); err != nil {
		return nil, err
	}
	switch e.Type {
	case "content_block_start":
		if e.ContentBlock != nil && e.ContentBlock.Type == "tool_use" {
			return &domain.StreamDelta{ToolCalls: []domain.ToolCall{{ID: e.ContentBlock.ID, Name: e.ContentBlock.Name}}}, nil
		}
	case "content_block_delta":
		switch e.Delta.Type {
		case "text_delta":
			return &domain.StreamDelta{Content: e.Delta.Text}, nil
		case "input_json_delta":
			// Continuation fragment of the open tool call.
			return &domain.StreamDelta{ToolCalls: []domain.ToolCall{{Arguments: json.RawMessage(e.Delta.PartialJSON)}}}, nil
		}
	case "message_delta":
		if e.Usage != nil {
			u := e.Usage.toDomain()
			return &domain.StreamDelta{Usage: &u}, nil
		}
	case "message_stop":
		return &domain.StreamDelta{Done: true}, nil
	case "error":
		msg := "stream error"
		if e.Error != nil {
			msg = e.Error.Type + ": " + e.Error.Message
		}
		return &domain.StreamDelta{Done: true, Err: fmt.Errorf("%w: %s", domain.ErrProviderError, msg)}, nil
	}
	return nil, nil
}

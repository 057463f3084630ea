package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
	"ankie/internal/infra/tracer"
)

var (
	_ domain.LLMProvider          = (*OpenAIProvider)(nil)
	_ domain.StreamingLLMProvider = (*OpenAIProvider)(nil)
)

// OpenAIProvider speaks the OpenAI chat-completions protocol. OpenAI, xAI,
// OpenRouter and Ollama all use it with different base URLs.
type OpenAIProvider struct {
	name    string
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// openAICompatible returns a Constructor for an OpenAI-protocol family.
func openAICompatible(defaultBaseURL string, extraHeaders map[string]string) Constructor {
	return func(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
		return NewOpenAIProvider(cfg, defaultBaseURL, extraHeaders, logger), nil
	}
}

// NewOpenAIProvider creates an OpenAI-protocol client. cfg.BaseURL overrides
// defaultBaseURL.
func NewOpenAIProvider(cfg config.ProviderConfig, defaultBaseURL string, extraHeaders map[string]string, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	headers := maps.Clone(extraHeaders)
	if headers == nil {
		headers = make(map[string]string)
	}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return &OpenAIProvider{
		name:    cfg.Name,
		baseURL: baseURL,
		headers: headers,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Chat implements domain.LLMProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := chatSpan(ctx, p.name, req.Model)
	defer span.End()

	body, err := json.Marshal(toOpenAIRequest(req, false))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	var resp openaiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}
	result := fromOpenAIResponse(resp)
	finishChat(span, p.logger, p.name, result)
	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	body, err := json.Marshal(toOpenAIRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := doStreamRequest(ctx, p.client, p.baseURL+"/chat/completions", body, p.headers)
	if err != nil {
		return nil, err
	}
	return parseSSEStream(ctx, resp.Body, parseOpenAIChunk), nil
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// --- wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	Index    int                    `json:"index,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openaiUsage `json:"usage"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

func (u openaiUsage) toDomain() domain.Usage {
	return domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func toOpenAIRequest(req domain.ChatRequest, stream bool) openaiRequest {
	out := openaiRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  make([]openaiMessage, 0, len(req.Messages)),
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	for _, m := range req.Messages {
		msg := openaiMessage{Role: m.Role, Content: m.Content, Name: m.Name}
		switch {
		case m.Role == domain.RoleTool && len(m.ToolCalls) > 0:
			msg.ToolCallID = m.ToolCalls[0].ID
		case len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openaiToolCallFunction{Name: tc.Name, Arguments: string(tc.Arguments)},
				})
			}
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type:     "function",
			Function: openaiToolFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

func fromOpenAIResponse(resp openaiResponse) *domain.ChatResponse {
	created := time.Unix(resp.Created, 0)
	result := &domain.ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Usage:     resp.Usage.toDomain(),
		CreatedAt: created,
	}
	if len(resp.Choices) == 0 {
		result.Message = domain.Message{Role: domain.RoleAssistant, Timestamp: created}
		return result
	}
	m := resp.Choices[0].Message
	result.Message = domain.Message{
		Role:      domain.RoleAssistant,
		Content:   m.Content,
		Timestamp: created,
	}
	for _, tc := range m.ToolCalls {
		result.Message.ToolCalls = append(result.Message.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result
}

// parseOpenAIChunk maps a streaming chunk. Tool calls arrive as fragments:
// the first carries the id and name, later ones only argument text.
func parseOpenAIChunk(ev sseEvent) (*domain.StreamDelta, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, err
	}
	delta := &domain.StreamDelta{}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		delta.Content = c.Delta.Content
		for _, tc := range c.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	if chunk.Usage != nil {
		u := chunk.Usage.toDomain()
		delta.Usage = &u
	}
	return delta, nil
}

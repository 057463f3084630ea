package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
	"ankie/internal/infra/tracer"
)

var (
	_ domain.LLMProvider          = (*GeminiProvider)(nil)
	_ domain.StreamingLLMProvider = (*GeminiProvider)(nil)
)

// GeminiProvider implements the Google Gemini generateContent API.
type GeminiProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func newGemini(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	return NewGeminiProvider(cfg, logger), nil
}

// NewGeminiProvider creates a Gemini client.
func NewGeminiProvider(cfg config.ProviderConfig, logger *slog.Logger) *GeminiProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiProvider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

func (p *GeminiProvider) endpoint(model, method string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:%s", p.baseURL, url.PathEscape(model), method)
}

// Chat implements domain.LLMProvider.
func (p *GeminiProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := chatSpan(ctx, p.name, req.Model)
	defer span.End()

	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data, err := doJSONRequest(ctx, p.client, p.endpoint(req.Model, "generateContent"), body,
		map[string]string{"x-goog-api-key": p.apiKey})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	var resp geminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}
	result := fromGeminiResponse(resp)
	result.Model = req.Model
	finishChat(span, p.logger, p.name, result)
	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *GeminiProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := doStreamRequest(ctx, p.client, p.endpoint(req.Model, "streamGenerateContent")+"?alt=sse", body,
		map[string]string{"x-goog-api-key": p.apiKey})
	if err != nil {
		return nil, err
	}
	return parseSSEStream(ctx, resp.Body, func(ev sseEvent) (*domain.StreamDelta, error) {
		var chunk geminiResponse
		if err := json.Unmarshal(ev.Data, &chunk); err != nil {
			return nil, err
		}
		r := fromGeminiResponse(chunk)
		delta := &domain.StreamDelta{Content: r.Message.Content, ToolCalls: r.Message.ToolCalls}
		if chunk.UsageMetadata != nil {
			delta.Usage = &r.Usage
		}
		return delta, nil
	}), nil
}

// Name implements domain.LLMProvider.
func (p *GeminiProvider) Name() string { return p.name }

// --- wire types ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResult   `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFuncResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

func toGeminiRequest(req domain.ChatRequest) geminiRequest {
	var out geminiRequest
	if req.Temperature > 0 || req.MaxTokens > 0 {
		gc := &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
		if req.Temperature > 0 {
			t := req.Temperature
			gc.Temperature = &t
		}
		out.GenerationConfig = gc
	}
	for _, m := range req.Messages {
		switch {
		case m.Role == domain.RoleSystem:
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case m.Role == domain.RoleTool:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{
				FunctionResponse: &geminiFuncResult{Name: m.Name, Response: map[string]any{"content": m.Content}},
			}}})
		case len(m.ToolCalls) > 0:
			gc := geminiContent{Role: "model"}
			if m.Content != "" {
				gc.Parts = append(gc.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				gc.Parts = append(gc.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments}})
			}
			out.Contents = append(out.Contents, gc)
		default:
			role := "user"
			if m.Role == domain.RoleAssistant {
				role = "model"
			}
			out.Contents = append(out.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFuncDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return out
}

// fromGeminiResponse converts a response. Gemini does not assign call ids,
// so each function call gets a fresh ULID.
func fromGeminiResponse(resp geminiResponse) *domain.ChatResponse {
	now := time.Now()
	result := &domain.ChatResponse{CreatedAt: now}
	if u := resp.UsageMetadata; u != nil {
		result.Usage = domain.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	msg := domain.Message{Role: domain.RoleAssistant, Timestamp: now}
	if len(resp.Candidates) > 0 {
		var text strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID:        "call_" + ulid.Make().String(),
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
				continue
			}
			text.WriteString(part.Text)
		}
		msg.Content = text.String()
	}
	result.Message = msg
	return result
}

//go:build bedrock

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
	"ankie/internal/infra/tracer"
)

var (
	_ domain.LLMProvider          = (*BedrockProvider)(nil)
	_ domain.StreamingLLMProvider = (*BedrockProvider)(nil)
)

// converseAPI is the subset of the Bedrock runtime client the provider uses.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockProvider implements the AWS Bedrock Converse API.
type BedrockProvider struct {
	name   string
	client converseAPI
	logger *slog.Logger
}

func newBedrock(cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", domain.ErrProviderNotConfigured, err)
	}
	return &BedrockProvider{
		name:   cfg.Name,
		client: bedrockruntime.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Chat implements domain.LLMProvider.
func (p *BedrockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := chatSpan(ctx, p.name, req.Model)
	defer span.End()

	out, err := p.client.Converse(ctx, toConverseInput(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, mapBedrockError(err)
	}
	result := fromConverseOutput(out, req.Model)
	finishChat(span, p.logger, p.name, result)
	return result, nil
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *BedrockProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	in := toConverseInput(req)
	out, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         in.ModelId,
		Messages:        in.Messages,
		System:          in.System,
		InferenceConfig: in.InferenceConfig,
		ToolConfig:      in.ToolConfig,
	})
	if err != nil {
		return nil, mapBedrockError(err)
	}

	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		stream := out.GetStream()
		defer stream.Close()

		for evt := range stream.Events() {
			delta := bedrockStreamDelta(evt)
			if delta == nil {
				continue
			}
			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}
			if delta.Done {
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case ch <- domain.StreamDelta{Done: true, Err: mapBedrockError(err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Name implements domain.LLMProvider.
func (p *BedrockProvider) Name() string { return p.name }

func toConverseInput(req domain.ChatRequest) *bedrockruntime.ConverseInput {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	in := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))},
	}
	if req.Temperature > 0 {
		in.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			in.System = append(in.System, &types.SystemContentBlockMemberText{Value: m.Content})
		case domain.RoleTool:
			var id string
			if len(m.ToolCalls) > 0 {
				id = m.ToolCalls[0].ID
			}
			in.Messages = append(in.Messages, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(id),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
				}}},
			})
		case domain.RoleAssistant:
			msg := types.Message{Role: types.ConversationRoleAssistant}
			if m.Content != "" {
				msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(jsonObject(tc.Arguments)),
				}})
			}
			in.Messages = append(in.Messages, msg)
		default:
			in.Messages = append(in.Messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}

	if len(req.Tools) > 0 {
		tools := make([]types.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(jsonObject(t.Parameters))},
			}})
		}
		in.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}
	return in
}

func jsonObject(raw json.RawMessage) map[string]any {
	var v map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &v)
	}
	if v == nil {
		v = map[string]any{}
	}
	return v
}

func fromConverseOutput(out *bedrockruntime.ConverseOutput, model string) *domain.ChatResponse {
	now := time.Now()
	result := &domain.ChatResponse{Model: model, CreatedAt: now}
	if out.Usage != nil {
		result.Usage = bedrockUsage(out.Usage)
	}
	msg := domain.Message{Role: domain.RoleAssistant, Timestamp: now}
	if m, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range m.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				msg.Content += b.Value
			case *types.ContentBlockMemberToolUse:
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: documentJSON(b.Value.Input),
				})
			}
		}
	}
	result.Message = msg
	return result
}

func bedrockUsage(u *types.TokenUsage) domain.Usage {
	in, out := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
	return domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func documentJSON(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// bedrockStreamDelta maps a stream event. Metadata arrives after
// messageStop and carries usage, so it ends the stream.
func bedrockStreamDelta(evt types.ConverseStreamOutput) *domain.StreamDelta {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		if start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
			return &domain.StreamDelta{ToolCalls: []domain.ToolCall{{
				ID:   aws.ToString(start.Value.ToolUseId),
				Name: aws.ToString(start.Value.Name),
			}}}
		}
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch d := e.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			return &domain.StreamDelta{Content: d.Value}
		case *types.ContentBlockDeltaMemberToolUse:
			return &domain.StreamDelta{ToolCalls: []domain.ToolCall{{Arguments: json.RawMessage(aws.ToString(d.Value.Input))}}}
		}
	case *types.ConverseStreamOutputMemberMetadata:
		delta := &domain.StreamDelta{Done: true}
		if e.Value.Usage != nil {
			u := bedrockUsage(e.Value.Usage)
			delta.Usage = &u
		}
		return delta
	}
	return nil
}

func mapBedrockError(err error) error {
	msg := err.Error()
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
	}
	switch code := apiErr.ErrorCode(); {
	case code == "ThrottlingException" || code == "TooManyRequestsException":
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
	case code == "AccessDeniedException" || code == "UnrecognizedClientException":
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
	case code == "ResourceNotFoundException":
		return fmt.Errorf("%w: %s", domain.ErrModelUnavailable, msg)
	case code == "ValidationException" && strings.Contains(msg, "too long"):
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
	case code == "ValidationException":
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, msg)
	case code == "ModelTimeoutException":
		return fmt.Errorf("%w: %s", domain.ErrTimeout, msg)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
	}
}

package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// CollectStream drains a delta stream into one response, calling onDelta for
// every delta as it arrives. Tool calls arrive in fragments: a fragment with
// an id opens a call, one without continues the last open call's arguments.
func CollectStream(ctx context.Context, ch <-chan StreamDelta, onDelta func(StreamDelta)) (*ChatResponse, error) {
	var (
		content strings.Builder
		calls   []ToolCall
		args    []*strings.Builder
		usage   Usage
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-ch:
			if !ok {
				return assemble(content.String(), calls, args, usage), nil
			}
			if onDelta != nil {
				onDelta(d)
			}
			if d.Err != nil {
				return nil, d.Err
			}
			content.WriteString(d.Content)
			for _, tc := range d.ToolCalls {
				if tc.ID != "" || len(calls) == 0 {
					calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Name})
					args = append(args, &strings.Builder{})
				}
				last := len(calls) - 1
				if tc.Name != "" && calls[last].Name == "" {
					calls[last].Name = tc.Name
				}
				args[last].Write(tc.Arguments)
			}
			if d.Usage != nil {
				usage = *d.Usage
			}
			if d.Done {
				return assemble(content.String(), calls, args, usage), nil
			}
		}
	}
}

func assemble(content string, calls []ToolCall, args []*strings.Builder, usage Usage) *ChatResponse {
	now := time.Now()
	for i := range calls {
		raw := args[i].String()
		if strings.TrimSpace(raw) == "" {
			raw = "{}"
		}
		calls[i].Arguments = json.RawMessage(raw)
	}
	return &ChatResponse{
		Message: Message{
			Role:      RoleAssistant,
			Content:   content,
			ToolCalls: calls,
			Timestamp: now,
		},
		Usage:     usage,
		CreatedAt: now,
	}
}

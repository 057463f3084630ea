package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionRequest is what the agent wants to do.
type ActionRequest struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args"`
}

// InterruptConfig lists the responses the caller may give.
type InterruptConfig struct {
	AllowAccept  bool `json:"allow_accept"`
	AllowEdit    bool `json:"allow_edit"`
	AllowReject  bool `json:"allow_reject"`
	AllowRespond bool `json:"allow_respond"`
}

// DefaultInterruptConfig allows every response type.
func DefaultInterruptConfig() InterruptConfig {
	return InterruptConfig{AllowAccept: true, AllowEdit: true, AllowReject: true, AllowRespond: true}
}

// HumanInterrupt pauses an execution on a high-risk tool call.
type HumanInterrupt struct {
	ID            string          `json:"id"`
	ToolCallID    string          `json:"tool_call_id"`
	AgentID       string          `json:"agent_id"`
	ActionRequest ActionRequest   `json:"action_request"`
	Config        InterruptConfig `json:"config"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ResponseType is the human's decision on an interrupt.
type ResponseType string

const (
	ResponseAccept  ResponseType = "accept"
	ResponseEdit    ResponseType = "edit"
	ResponseReject  ResponseType = "reject"
	ResponseRespond ResponseType = "respond"
)

// HumanResponse resolves exactly one HumanInterrupt.
type HumanResponse struct {
	Type ResponseType `json:"type"`
	// Args replaces the tool arguments for ResponseEdit.
	Args json.RawMessage `json:"args,omitempty"`
	// Message is the free-text guidance for ResponseRespond.
	Message string `json:"message,omitempty"`
}

// Validate checks the response against the interrupt it answers.
func (r HumanResponse) Validate(in *HumanInterrupt) error {
	cfg := DefaultInterruptConfig()
	if in != nil {
		cfg = in.Config
	}
	switch r.Type {
	case ResponseAccept:
		if !cfg.AllowAccept {
			return fmt.Errorf("%w: accept is not allowed", ErrInvalidHumanResponse)
		}
	case ResponseEdit:
		if !cfg.AllowEdit {
			return fmt.Errorf("%w: edit is not allowed", ErrInvalidHumanResponse)
		}
		if len(r.Args) == 0 || !json.Valid(r.Args) {
			return fmt.Errorf("%w: edit requires valid JSON args", ErrInvalidHumanResponse)
		}
	case ResponseReject:
		if !cfg.AllowReject {
			return fmt.Errorf("%w: reject is not allowed", ErrInvalidHumanResponse)
		}
	case ResponseRespond:
		if !cfg.AllowRespond {
			return fmt.Errorf("%w: respond is not allowed", ErrInvalidHumanResponse)
		}
		if r.Message == "" {
			return fmt.Errorf("%w: respond requires a message", ErrInvalidHumanResponse)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidHumanResponse, r.Type)
	}
	return nil
}

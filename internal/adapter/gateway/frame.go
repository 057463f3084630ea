package gateway

import (
	"encoding/json"

	"ankie/internal/domain"
)

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	// FrameTypeStep carries one execution step of a running request. Its ID
	// is the request's.
	FrameTypeStep  FrameType = "step"
	FrameTypeEvent FrameType = "event"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error part of a response frame.
type RPCError struct {
	Code    domain.ErrorCode    `json:"code"`
	Class   domain.FailureClass `json:"class"`
	Message string              `json:"message"`
}

func newRPCError(err error) *RPCError {
	return &RPCError{
		Code:    domain.ErrorCodeOf(err),
		Class:   domain.ClassifyFailure(err),
		Message: domain.UserMessage(err),
	}
}

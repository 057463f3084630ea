package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the orchestration core.
var (
	// Model factory.
	ErrProviderNotConfigured = fmt.Errorf("llm provider not configured")
	ErrUnknownModelFamily    = fmt.Errorf("unknown model family")
	ErrModelUnavailable      = fmt.Errorf("no model could be constructed")

	// Graph compilation and execution.
	ErrGraphCompile            = fmt.Errorf("graph compilation failed")
	ErrDelegationDepthExceeded = fmt.Errorf("delegation depth exceeded")
	ErrExecutionCancelled      = fmt.Errorf("execution cancelled")
	ErrMaxSteps                = fmt.Errorf("execution reached max steps")
	ErrAgentNotFound           = fmt.Errorf("agent not found")
	ErrToolNotFound            = fmt.Errorf("tool not found")

	// Human-in-the-loop.
	ErrStaleInterrupt       = fmt.Errorf("stale or invalid interrupt")
	ErrInterruptPending     = fmt.Errorf("thread has a pending interrupt")
	ErrInvalidHumanResponse = fmt.Errorf("invalid human response")

	// Persistence and leasing.
	ErrCheckpointConflict  = fmt.Errorf("checkpoint predecessor is not the latest")
	ErrCheckpointNotFound  = fmt.Errorf("checkpoint not found")
	ErrThreadBusy          = fmt.Errorf("thread has an active execution")
	// ErrExecutionIncomplete means the thread's latest checkpoint belongs to
	// an execution that stopped mid-run and must be recovered first.
	ErrExecutionIncomplete = fmt.Errorf("thread has an unfinished execution")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrToolFailure     = fmt.Errorf("tool execution failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Graph.Compile")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "checkpoint", "graph"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrToolFailure)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown                ErrorCode = "UNKNOWN"
	CodeNotFound               ErrorCode = "NOT_FOUND"
	CodeDuplicate              ErrorCode = "DUPLICATE"
	CodeTimeout                ErrorCode = "TIMEOUT"
	CodeInvalidInput           ErrorCode = "INVALID_INPUT"
	CodeProviderError          ErrorCode = "PROVIDER_ERROR"
	CodeProviderNotConfigured  ErrorCode = "PROVIDER_NOT_CONFIGURED"
	CodeUnknownModelFamily     ErrorCode = "UNKNOWN_MODEL_FAMILY"
	CodeModelUnavailable       ErrorCode = "MODEL_UNAVAILABLE"
	CodeGraphCompile           ErrorCode = "GRAPH_COMPILE"
	CodeDelegationDepth        ErrorCode = "DELEGATION_DEPTH_EXCEEDED"
	CodeExecutionCancelled     ErrorCode = "EXECUTION_CANCELLED"
	CodeMaxSteps               ErrorCode = "MAX_STEPS"
	CodeAgentNotFound          ErrorCode = "AGENT_NOT_FOUND"
	CodeToolNotFound           ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure            ErrorCode = "TOOL_FAILURE"
	CodeStaleInterrupt         ErrorCode = "STALE_INTERRUPT"
	CodeInterruptPending       ErrorCode = "INTERRUPT_PENDING"
	CodeInvalidHumanResponse   ErrorCode = "INVALID_HUMAN_RESPONSE"
	CodeCheckpointConflict     ErrorCode = "CHECKPOINT_CONFLICT"
	CodeCheckpointNotFound     ErrorCode = "CHECKPOINT_NOT_FOUND"
	CodeThreadBusy             ErrorCode = "THREAD_BUSY"
	CodeExecutionIncomplete    ErrorCode = "EXECUTION_INCOMPLETE"
	CodeGatewayAuth            ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound      ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload      ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeContextOverflow        ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit              ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid            ErrorCode = "AUTH_INVALID"
	CodeCheckpointStoreTimeout ErrorCode = "CHECKPOINT_STORE_TIMEOUT"
	CodeLeaseTimeout           ErrorCode = "LEASE_TIMEOUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrProviderNotConfigured:   CodeProviderNotConfigured,
	ErrUnknownModelFamily:      CodeUnknownModelFamily,
	ErrModelUnavailable:        CodeModelUnavailable,
	ErrGraphCompile:            CodeGraphCompile,
	ErrDelegationDepthExceeded: CodeDelegationDepth,
	ErrExecutionCancelled:      CodeExecutionCancelled,
	ErrMaxSteps:                CodeMaxSteps,
	ErrAgentNotFound:           CodeAgentNotFound,
	ErrToolNotFound:            CodeToolNotFound,
	ErrToolFailure:             CodeToolFailure,
	ErrStaleInterrupt:          CodeStaleInterrupt,
	ErrInterruptPending:        CodeInterruptPending,
	ErrInvalidHumanResponse:    CodeInvalidHumanResponse,
	ErrCheckpointConflict:      CodeCheckpointConflict,
	ErrCheckpointNotFound:      CodeCheckpointNotFound,
	ErrThreadBusy:              CodeThreadBusy,
	ErrExecutionIncomplete:     CodeExecutionIncomplete,
	ErrGatewayAuthFailed:       CodeGatewayAuth,
	ErrRPCMethodNotFound:       CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:       CodeRPCInvalidPayload,
	ErrContextOverflow:         CodeContextOverflow,
	ErrRateLimit:               CodeRateLimit,
	ErrAuthInvalid:             CodeAuthInvalid,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":      CodeAgentNotFound,
		"tool":       CodeToolNotFound,
		"checkpoint": CodeCheckpointNotFound,
	},
	ErrTimeout: {
		"checkpoint": CodeCheckpointStoreTimeout,
		"lease":      CodeLeaseTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Most specific sentinels first so that a timeout wrapped inside a
	// delegation failure still reports the delegation code.
	for _, sentinel := range codePrecedence {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// codePrecedence orders sentinels for chain walking. Map iteration order is
// random, so a fixed order keeps ErrorCodeOf deterministic.
var codePrecedence = []error{
	ErrDelegationDepthExceeded,
	ErrStaleInterrupt,
	ErrInterruptPending,
	ErrInvalidHumanResponse,
	ErrExecutionCancelled,
	ErrMaxSteps,
	ErrGraphCompile,
	ErrCheckpointConflict,
	ErrCheckpointNotFound,
	ErrThreadBusy,
	ErrExecutionIncomplete,
	ErrProviderNotConfigured,
	ErrUnknownModelFamily,
	ErrModelUnavailable,
	ErrAgentNotFound,
	ErrToolNotFound,
	ErrGatewayAuthFailed,
	ErrRPCMethodNotFound,
	ErrRPCInvalidPayload,
	ErrRateLimit,
	ErrAuthInvalid,
	ErrContextOverflow,
	ErrToolFailure,
	ErrTimeout,
	ErrNotFound,
	ErrDuplicate,
	ErrInvalidInput,
	ErrProviderError,
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

// FailureClass tells a caller whether a failed turn is worth retrying.
type FailureClass string

const (
	// FailureRetryable means the system is temporarily unavailable.
	FailureRetryable FailureClass = "retryable"
	// FailurePermanent means the request cannot be completed as issued.
	FailurePermanent FailureClass = "permanent"
)

// permanentCodes are failures that will not go away on retry.
var permanentCodes = map[ErrorCode]bool{
	CodeDelegationDepth:      true,
	CodeStaleInterrupt:       true,
	CodeInterruptPending:     true,
	CodeExecutionIncomplete:  true,
	CodeInvalidHumanResponse: true,
	CodeGraphCompile:         true,
	CodeAgentNotFound:        true,
	CodeInvalidInput:         true,
	CodeAuthInvalid:          true,
	CodeGatewayAuth:          true,
	CodeRPCMethodNotFound:    true,
	CodeRPCInvalidPayload:    true,
	CodeContextOverflow:      true,
	CodeExecutionCancelled:   true,
	CodeMaxSteps:             true,
}

// ClassifyFailure maps an error to a retryable or permanent failure class.
// Unknown errors are reported as retryable: infrastructure faults are the
// common cause and the caller can always try again.
func ClassifyFailure(err error) FailureClass {
	if permanentCodes[ErrorCodeOf(err)] {
		return FailurePermanent
	}
	return FailureRetryable
}

// UserMessage renders a single user-facing sentence for a failed turn.
func UserMessage(err error) string {
	switch ErrorCodeOf(err) {
	case CodeDelegationDepth:
		return "There was too much back-and-forth between specialists to finish this request. Please rephrase or split it into smaller steps."
	case CodeStaleInterrupt:
		return "This approval request is no longer pending. Refresh the conversation to see its current state."
	case CodeInterruptPending:
		return "An action is waiting for your approval. Accept, edit, or reject it before sending a new message."
	case CodeExecutionIncomplete:
		return "An earlier request in this conversation stopped before it finished. Recover it before sending a new message."
	case CodeInvalidHumanResponse:
		return "That approval response is not valid for this action."
	case CodeExecutionCancelled:
		return "The request was cancelled."
	case CodeThreadBusy:
		return "Another request in this conversation is still running. Please retry in a moment."
	}
	if ClassifyFailure(err) == FailurePermanent {
		return "This request cannot be completed."
	}
	return "The assistant is temporarily unavailable. Please retry."
}

package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrToolNotFound        = fmt.Errorf("tool not found")
	ErrToolInputInvalid    = fmt.Errorf("tool input failed schema validation")
	ErrToolFailure         = fmt.Errorf("tool execution failed")
	ErrInteractiveTool     = fmt.Errorf("tool requires human resolution")
	ErrDuplicateResolution = fmt.Errorf("tool call already resolved")
	ErrUnknownToolCall     = fmt.Errorf("tool call not found in conversation")

	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrForbidden            = fmt.Errorf("forbidden: caller is not the conversation principal")
	ErrTurnInFlight         = fmt.Errorf("conversation already has a turn in flight")

	ErrProviderError   = fmt.Errorf("model provider error")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")

	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")

	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("invalid rpc payload")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "TurnController.HandleTurn")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
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
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	CodeToolInputInvalid    ErrorCode = "TOOL_INPUT_INVALID"
	CodeToolFailure         ErrorCode = "TOOL_FAILURE"
	CodeInteractiveTool     ErrorCode = "TOOL_INTERACTIVE"
	CodeDuplicateResolution ErrorCode = "DUPLICATE_RESOLUTION"
	CodeUnknownToolCall     ErrorCode = "UNKNOWN_TOOL_CALL"
	CodeConversationMissing ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeTurnInFlight        ErrorCode = "TURN_IN_FLIGHT"
	CodeProviderError       ErrorCode = "PROVIDER_ERROR"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeContextOverflow     ErrorCode = "CONTEXT_OVERFLOW"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeDecryption          ErrorCode = "DECRYPTION"
	CodeRPCMethodNotFound   ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload   ErrorCode = "RPC_INVALID_PAYLOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrToolNotFound:         CodeToolNotFound,
	ErrToolInputInvalid:     CodeToolInputInvalid,
	ErrToolFailure:          CodeToolFailure,
	ErrInteractiveTool:      CodeInteractiveTool,
	ErrDuplicateResolution:  CodeDuplicateResolution,
	ErrUnknownToolCall:      CodeUnknownToolCall,
	ErrConversationNotFound: CodeConversationMissing,
	ErrForbidden:            CodeForbidden,
	ErrTurnInFlight:         CodeTurnInFlight,
	ErrProviderError:        CodeProviderError,
	ErrRateLimit:            CodeRateLimit,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrContextOverflow:      CodeContextOverflow,
	ErrConfigLoad:           CodeConfigLoad,
	ErrDecryption:           CodeDecryption,
	ErrRPCMethodNotFound:    CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:    CodeRPCInvalidPayload,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

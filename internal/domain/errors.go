package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrSessionNotFound   = fmt.Errorf("session not found")
	ErrMessageNotFound   = fmt.Errorf("message not found")
	ErrNoActiveSession   = fmt.Errorf("no active session")
	ErrStreamInFlight    = fmt.Errorf("session already has a streaming message")
	ErrStreamInterrupted = fmt.Errorf("stream interrupted before terminal signal")
	ErrNoCredential      = fmt.Errorf("no credential available")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")

	// Resilience errors.
	ErrRateLimit     = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid   = fmt.Errorf("authentication failed")
	ErrProviderError = fmt.Errorf("provider error")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Store.Send")
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

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeMessageNotFound   ErrorCode = "MESSAGE_NOT_FOUND"
	CodeNoActiveSession   ErrorCode = "NO_ACTIVE_SESSION"
	CodeStreamInFlight    ErrorCode = "STREAM_IN_FLIGHT"
	CodeStreamInterrupted ErrorCode = "STREAM_INTERRUPTED"
	CodeNoCredential      ErrorCode = "NO_CREDENTIAL"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeProviderError     ErrorCode = "PROVIDER_ERROR"
)

var sentinelCodes = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrMessageNotFound, CodeMessageNotFound},
	{ErrNoActiveSession, CodeNoActiveSession},
	{ErrStreamInFlight, CodeStreamInFlight},
	{ErrStreamInterrupted, CodeStreamInterrupted},
	{ErrNoCredential, CodeNoCredential},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrProviderError, CodeProviderError},
}

// ErrorCodeOf maps an error to its machine-parseable code.
func ErrorCodeOf(err error) ErrorCode {
	for _, m := range sentinelCodes {
		if errors.Is(err, m.sentinel) {
			return m.code
		}
	}
	return CodeUnknown
}

package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the domain layer. Every failure a caller can observe
// wraps exactly one of these.
var (
	// ErrEncoding: the canonical request is malformed or uses a feature
	// the selected model does not support. Caller bug, never retried.
	ErrEncoding = fmt.Errorf("request encoding failed")
	// ErrDecoding: the backend sent data the codec cannot parse. Not
	// retried; a retry is unlikely to change backend behavior.
	ErrDecoding = fmt.Errorf("response decoding failed")
	// ErrAuthInvalid: bad or expired credential. Surfaced for the host
	// to re-prompt, never retried.
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	// ErrRateLimit: the backend throttled the request. Retried with
	// backoff, honoring any retry-after hint.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrOverloaded: the model or service is overloaded. Retried.
	ErrOverloaded = fmt.Errorf("model overloaded")
	// ErrNetwork: transient transport failure. Retried.
	ErrNetwork = fmt.Errorf("network failure")
	// ErrContextOverflow: the prompt exceeds the model's context window.
	// The caller must shrink its input; not retried.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	// ErrUnknown: a backend failure the taxonomy does not classify. The
	// raw status and body travel in the detail. Not retried.
	ErrUnknown = fmt.Errorf("unclassified backend failure")

	ErrUnknownProvider       = fmt.Errorf("unknown provider")
	ErrUnknownModel          = fmt.Errorf("unknown model")
	ErrUnsupportedCapability = fmt.Errorf("capability not supported by model")
	ErrNoCredential          = fmt.Errorf("no credential for provider")
)

// RelayError wraps a sentinel with operation context and, for throttling
// errors, the backend's retry-after hint.
type RelayError struct {
	Op         string        // operation name, e.g. "anthropic.Decode"
	Err        error         // underlying sentinel or wrapped error
	Detail     string        // human-readable detail (raw backend message)
	RetryAfter time.Duration // backend hint; zero when absent
}

func (e *RelayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// NewRelayError creates a RelayError without a retry hint.
func NewRelayError(op string, err error, detail string) *RelayError {
	return &RelayError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error. Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RetryAfterHint extracts a backend retry-after hint from the error chain.
// Returns zero when no hint is present.
func RetryAfterHint(err error) time.Duration {
	var re *RelayError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

// IsRetryable reports whether err is a transient failure that may succeed
// on a fresh attempt. Auth, encoding, decoding and context-overflow errors
// are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrNetwork)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeEncoding           ErrorCode = "ENCODING"
	CodeDecoding           ErrorCode = "DECODING"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeOverloaded         ErrorCode = "OVERLOADED"
	CodeNetwork            ErrorCode = "NETWORK"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeUnknownProvider    ErrorCode = "UNKNOWN_PROVIDER"
	CodeUnknownModel       ErrorCode = "UNKNOWN_MODEL"
	CodeUnsupportedFeature ErrorCode = "UNSUPPORTED_CAPABILITY"
	CodeNoCredential       ErrorCode = "NO_CREDENTIAL"
	CodeCancelled          ErrorCode = "CANCELLED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrEncoding:              CodeEncoding,
	ErrDecoding:              CodeDecoding,
	ErrAuthInvalid:           CodeAuthInvalid,
	ErrRateLimit:             CodeRateLimit,
	ErrOverloaded:            CodeOverloaded,
	ErrNetwork:               CodeNetwork,
	ErrContextOverflow:       CodeContextOverflow,
	ErrUnknownProvider:       CodeUnknownProvider,
	ErrUnknownModel:          CodeUnknownModel,
	ErrUnsupportedCapability: CodeUnsupportedFeature,
	ErrNoCredential:          CodeNoCredential,
	ErrUnknown:               CodeUnknown,
}

// ErrorCodeOf returns the machine-parseable code for err. Cancellation maps
// to CodeCancelled; it is a normal terminal state, not a failure kind.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Package errors defines the error taxonomy shared by the hydrad node.
// Fallible subsystems wrap their failures into a typed ServiceError; the type
// decides downstream handling, most importantly whether pkg/retry attempts
// the operation again and whether the share intake skips or stops.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies a failure by origin.
type ErrorType string

const (
	// ErrorTypeConfig marks invalid or unreadable configuration.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeNetwork marks transport failures toward peers and brokers.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation marks input that failed a correctness check.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeStorage marks share-chain persistence failures.
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeBitcoin marks failures talking to bitcoind.
	ErrorTypeBitcoin ErrorType = "bitcoin"
	// ErrorTypeEvents marks event stream publishing failures.
	ErrorTypeEvents ErrorType = "events"
	// ErrorTypeTimeout marks operations that ran out of time.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal marks everything else.
	ErrorTypeInternal ErrorType = "internal"
)

// retryable reports whether failures of this type are worth another attempt
// absent better information about the concrete cause.
func (t ErrorType) retryable() bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeEvents:
		return true
	}
	return false
}

// ServiceError is a classified failure with its origin and free-form context.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Retryable bool
}

// New builds a ServiceError whose retryability follows its type.
func New(errType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: errType.retryable(),
	}
}

// Wrap classifies an existing error. A wrapped ServiceError keeps its own
// retryability regardless of the new type; anything else is judged by
// looksTransient. Wrapping nil yields nil.
func Wrap(err error, errType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := looksTransient(err)
	var inner *ServiceError
	if errors.As(err, &inner) {
		retryable = inner.Retryable
	}

	return &ServiceError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap exposes the cause to the errors.Is and errors.As chain.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed operation is worth another attempt.
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair for logging. Later values overwrite
// earlier ones under the same key.
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsType reports whether err or anything it wraps is a ServiceError of the
// given type. The outermost ServiceError wins.
func IsType(err error, errType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errType
	}
	return false
}

// IsRetryable reports whether err is worth another attempt. Errors outside
// our taxonomy are judged by message patterns.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return looksTransient(err)
}

// transientFragments are substrings that identify recoverable transport
// failures in errors produced outside this package.
var transientFragments = []string{
	"connection refused",
	"connection reset",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
}

// looksTransient guesses retryability for errors that carry no
// classification. Context cancellation is always final.
func looksTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

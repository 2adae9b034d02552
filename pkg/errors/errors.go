// Package errors classifies failures raised while bootstrapping and running
// a smyte-db process.
//
// Every error that crosses a package boundary is either transient (retry
// may succeed), invalid (bad input or configuration) or fatal (the process
// must not continue). Bootstrap turns fatal errors into a non-zero exit.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration.
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop the process.
	ErrorFatal
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors shared across packages.
var (
	// Lifecycle
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrNotInitialized = errors.New("component not initialized")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Storage
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrFamilyNotFound     = errors.New("column family not found")
	ErrFamilyConflict     = errors.New("column family both created and dropped")
	ErrKeyNotFound        = errors.New("key not found")

	// Registry lookups
	ErrTaskQueueNotFound = errors.New("scheduled task queue not found")
	ErrMissingFactory    = errors.New("required factory not provided")

	// Connection and networking
	ErrConnectionLost = errors.New("connection lost")
	ErrListen         = errors.New("listener failed")
)

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if c, ok := classOf(err); ok {
		return c == ErrorTransient
	}
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if c, ok := classOf(err); ok {
		return c == ErrorFatal
	}
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrFamilyNotFound) ||
		errors.Is(err, ErrFamilyConflict) ||
		errors.Is(err, ErrTaskQueueNotFound) ||
		errors.Is(err, ErrMissingFactory)
}

// IsInvalid reports whether err stems from bad input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if c, ok := classOf(err); ok {
		return c == ErrorInvalid
	}
	return false
}

// Classify returns the error class for an error. Unknown errors are
// treated as transient.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap adds context following the pattern "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	w := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, w, component, method, w.Error())
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	w := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, w, component, method, w.Error())
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	w := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, w, component, method, w.Error())
}

// Fatalf builds a fatal error from a format string.
func Fatalf(component, method, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return newClassified(ErrorFatal, errors.New(msg), component, method,
		fmt.Sprintf("%s.%s: %s", component, method, msg))
}

// Is, As, New and Join re-export the standard helpers so callers need a
// single errors import.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// RetryConfig defines exponential backoff for retried operations.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the retry policy used by background workers.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry reports whether attempt (0-based) may be retried after err.
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}
	return !IsFatal(err) && !IsInvalid(err)
}

// BackoffDelay returns the delay before retry number attempt.
func (rc RetryConfig) BackoffDelay(attempt int) time.Duration {
	delay := rc.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * rc.BackoffFactor)
		if delay > rc.MaxDelay {
			return rc.MaxDelay
		}
	}
	return delay
}

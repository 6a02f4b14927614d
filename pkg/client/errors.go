package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrConfiguration marks errors caused by missing or invalid settings.
	// They are returned before any network call is attempted.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a fetch.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNoSharedGate is returned by gate operations on a client without Redis.
	ErrNoSharedGate = errors.New("no shared rate limit configured")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents transport and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassClient represents 4xx responses other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassDecode represents a 2xx response whose body is not JSON.
	ErrorClassDecode ErrorClass = "decode"
)

// ConfigError reports a missing or invalid setting.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrConfiguration, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// FetchError is returned once every attempt of a fetch has failed. It always
// matches ErrRetryExhausted, so callers can tell "no data because exhausted"
// apart from an empty but successful response.
type FetchError struct {
	URL        string
	StatusCode int // 0 for transport errors
	Attempts   int
	Class      ErrorClass
	Err        error // last attempt's error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s error (status %d) after %d attempts: %v",
			e.URL, e.Class, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error after %d attempts: %v",
		e.URL, e.Class, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Err}
}

// attemptError describes one failed attempt.
type attemptError struct {
	class      ErrorClass
	statusCode int
	err        error
}

func (e *attemptError) Error() string {
	return e.err.Error()
}

func (e *attemptError) Unwrap() error {
	return e.err
}

// classifyStatus maps a non-2xx status code to its error class.
func classifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

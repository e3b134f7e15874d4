package automator

import (
	"errors"
	"fmt"
)

// RequestError reports that a valid call could not be formed, e.g. a
// required option is missing. It aborts the rule run.
type RequestError struct {
	Msg string
	Err error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request error: %s: %v", e.Msg, e.Err)
	}
	return "request error: " + e.Msg
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewRequestError creates a RequestError.
func NewRequestError(format string, args ...any) *RequestError {
	return &RequestError{Msg: fmt.Sprintf(format, args...)}
}

// ResponseError reports that a provider or external process returned
// something unusable. Raw holds the offending payload or process output.
type ResponseError struct {
	Msg string
	Raw string
	Err error
}

func (e *ResponseError) Error() string {
	msg := "response error: " + e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Raw != "" {
		msg += fmt.Sprintf(" (raw: %q)", truncate(e.Raw, 500))
	}
	return msg
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// NewResponseError creates a ResponseError carrying the raw payload.
func NewResponseError(msg, raw string, err error) *ResponseError {
	return &ResponseError{Msg: msg, Raw: raw, Err: err}
}

// IsRequestError reports whether err is or wraps a RequestError.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// IsResponseError reports whether err is or wraps a ResponseError.
func IsResponseError(err error) bool {
	var re *ResponseError
	return errors.As(err, &re)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

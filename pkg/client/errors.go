package client

import (
	"errors"
	"fmt"
)

// ErrorClass classifies the outcome of one upstream attempt.
type ErrorClass string

const (
	// ClassTransport covers connection failures, timeouts and 5xx replies.
	ClassTransport ErrorClass = "transport"

	// ClassThrottled is a 429 reply.
	ClassThrottled ErrorClass = "throttled"

	// ClassBlocked is a 403 reply, the upstream's ban signal.
	ClassBlocked ErrorClass = "blocked"

	// ClassNotFound is a 404 reply.
	ClassNotFound ErrorClass = "not_found"

	// ClassRejected is any other 4xx reply.
	ClassRejected ErrorClass = "rejected"
)

// Sentinels matched by *UpstreamError through errors.Is.
var (
	ErrUnreachable = errors.New("upstream unreachable")
	ErrThrottled   = errors.New("upstream throttled")
	ErrBlocked     = errors.New("upstream blocked")
	ErrNotFound    = errors.New("upstream resource not found")
	ErrRejected    = errors.New("upstream rejected request")
)

// UpstreamError is the terminal error of a logical call. It carries the
// class of the last attempt.
type UpstreamError struct {
	Class    ErrorClass
	Status   int
	Attempts int
	Resource string
	Err      error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s on %s after %d attempt(s)", e.Class, e.Resource, e.Attempts)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's class.
func (e *UpstreamError) Is(target error) bool {
	return target == e.Class.sentinel()
}

func (c ErrorClass) sentinel() error {
	switch c {
	case ClassTransport:
		return ErrUnreachable
	case ClassThrottled:
		return ErrThrottled
	case ClassBlocked:
		return ErrBlocked
	case ClassNotFound:
		return ErrNotFound
	case ClassRejected:
		return ErrRejected
	default:
		return nil
	}
}

// retryable reports whether another attempt may follow an attempt of this class.
func (c ErrorClass) retryable() bool {
	switch c {
	case ClassTransport, ClassThrottled, ClassBlocked:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status to an ErrorClass. Success returns "".
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == 429:
		return ClassThrottled
	case status == 403:
		return ClassBlocked
	case status == 404:
		return ClassNotFound
	case status >= 500:
		return ClassTransport
	default:
		return ClassRejected
	}
}

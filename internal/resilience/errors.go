package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError marks a failure that is safe to retry, such as a 5xx response
// or a dropped connection.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient. statusCode may be 0.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitError is returned when an external store rejects a call because
// its request budget is exhausted. Callers back off for a fixed interval and
// try again; it never counts as a record failure.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return "rate limit exceeded"
	}
	return "rate limit exceeded: " + e.Err.Error()
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// NewRateLimitError wraps err. retryAfter is the server's hint, 0 if none.
func NewRateLimitError(err error, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Err: err, RetryAfter: retryAfter}
}

// IsRateLimited reports whether err's chain carries a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError or RateLimitError, a network timeout, or a connection-level
// failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) || IsRateLimited(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientMessages {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ClassifyHTTPStatus wraps err according to an HTTP status code: 429 becomes
// a RateLimitError, 408 and 5xx become a TransientError, anything else is
// returned unchanged.
func ClassifyHTTPStatus(err error, statusCode int, retryAfter time.Duration) error {
	switch {
	case statusCode == 429:
		return NewRateLimitError(err, retryAfter)
	case statusCode == 408, statusCode >= 500 && statusCode <= 599:
		return NewTransientError(err, statusCode)
	default:
		return err
	}
}

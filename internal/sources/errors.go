package sources

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized means the API credential was rejected
	ErrUnauthorized = errors.New("upstream rejected credential")
	// ErrRateLimited means the upstream or the local limiter refused the call
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrUpstreamUnavailable covers timeouts, network failures and 5xx responses
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrMalformedResponse means the body could not be decoded or reported a failure status
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrAccountNotFound means the handle does not exist upstream
	ErrAccountNotFound = errors.New("account not found")
)

// APIError describes a failed upstream call
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s: %v", e.Endpoint, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Endpoint, e.Message, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should simply be retried on a later tick
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamUnavailable)
}

// classifyStatus maps a non-2xx HTTP status to the error taxonomy
func classifyStatus(endpoint string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	message := string(body)
	if r := []rune(message); len(r) > 200 {
		message = string(r[:200]) + "..."
	}

	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrUnauthorized
	case status == http.StatusNotFound:
		kind = ErrAccountNotFound
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status >= 500:
		kind = ErrUpstreamUnavailable
	default:
		kind = ErrMalformedResponse
	}

	return &APIError{Endpoint: endpoint, StatusCode: status, Message: message, Err: kind}
}

package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

var (
	// ErrTransient failures are retried with backoff.
	ErrTransient = errors.New("transient provider failure")
	// ErrPermanent failures fail the provider without consuming retries.
	ErrPermanent = errors.New("permanent provider failure")
	// ErrMalformedResponse marks a response that could not be trusted.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// StatusError is a non-success HTTP response classified as transient or
// permanent.
type StatusError struct {
	Code int
	Body string
	Kind error
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, body)
}

func (e *StatusError) Unwrap() error { return e.Kind }

// ClassifyStatus maps an HTTP status to nil (2xx), ErrTransient or
// ErrPermanent. A 403 is transient only when rate-limit headers show the
// quota is exhausted.
func ClassifyStatus(code int, header http.Header) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusConflict, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return ErrTransient
	case code == http.StatusForbidden:
		if rateLimited(header) {
			return ErrTransient
		}
		return ErrPermanent
	case code >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}

func rateLimited(header http.Header) bool {
	if header == nil {
		return false
	}
	if header.Get("Retry-After") != "" {
		return true
	}
	for _, name := range []string{"X-RateLimit-Remaining", "RateLimit-Remaining"} {
		if v := header.Get(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n <= 0 {
				return true
			}
		}
	}
	return false
}

func statusError(resp *http.Response, body []byte) error {
	kind := ClassifyStatus(resp.StatusCode, resp.Header)
	if kind == nil {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Body: string(body), Kind: kind}
}

// transportError wraps network-level failures, which are always retried.
func transportError(err error) error {
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) || errors.Is(err, ErrMalformedResponse) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
